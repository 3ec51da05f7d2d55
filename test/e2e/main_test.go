// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package e2e

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// cliBinary is the ensemble binary built once for the whole package.
var cliBinary string

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "ensemble-e2e-*")
	if err != nil {
		fmt.Printf("Failed to create build dir: %v\n", err)
		os.Exit(1)
	}
	cliBinary = filepath.Join(dir, "ensemble")

	// go test runs with test/e2e as the working directory.
	build := exec.Command("go", "build", "-o", cliBinary, "../../cmd/ensemble")
	if out, err := build.CombinedOutput(); err != nil {
		fmt.Printf("Failed to build ensemble: %v\n%s\n", err, out)
		os.RemoveAll(dir)
		os.Exit(1)
	}

	code := m.Run()
	os.RemoveAll(dir)
	os.Exit(code)
}
