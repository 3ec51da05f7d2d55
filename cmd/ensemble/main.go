// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command ensemble runs and administers the multi-strategy agent engine.
//
// Usage:
//
//	ensemble serve --config ensemble.yaml
//	ensemble submit --server http://localhost:8090 task.json
//	ensemble policy export --out policy.ckpt
//	ensemble policy import policy.ckpt
//	ensemble config validate --config ensemble.yaml
//
// Example requests against a running server:
//
//	# Submit a task
//	curl -X POST http://localhost:8090/v1/ensemble/tasks \
//	  -H "Content-Type: application/json" \
//	  -d '{"kind": "generation", "prompt": "write a lexer", "required_capabilities": ["code_generation"]}'
//
//	# Inspect the learned policy
//	curl http://localhost:8090/v1/ensemble/policy | jq
//
//	# Stream routing decisions
//	websocat 'ws://localhost:8090/v1/ensemble/events?types=routing_decision'
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes.
const (
	exitFailure = 1
	exitUsage   = 2
)

var (
	configPath string
	serverURL  string

	rootCmd = &cobra.Command{
		Use:   "ensemble",
		Short: "Multi-strategy agent orchestration engine",
		Long: `ensemble routes tasks across a registry of capability-tagged agents,
learning which orchestration strategy pays off for which kind of task.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("ENSEMBLE_CONFIG"),
		"Path to a YAML or JSON config file")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("ENSEMBLE_SERVER", "http://localhost:8090"),
		"Base URL of a running ensemble server")

	rootCmd.AddCommand(serveCmd, submitCmd, policyCmd, configCmd)
	policyCmd.AddCommand(policyExportCmd, policyImportCmd, policyStatusCmd, policyCheckpointCmd)
	configCmd.AddCommand(configValidateCmd, configPrintCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitFailure)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
