// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_InMemoryRoundTrip(t *testing.T) {
	db, err := Open(InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()
	assert.True(t, db.InMemory())

	ctx := context.Background()
	_, err = db.Get(ctx, []byte("missing"))
	assert.ErrorIs(t, err, badger.ErrKeyNotFound)

	require.NoError(t, db.Put(ctx, []byte("k"), []byte("v1")))
	require.NoError(t, db.Put(ctx, []byte("k"), []byte("v2")))
	got, err := db.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got))
}

func TestOpen_PersistentReopen(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = t.TempDir()
	cfg.GCInterval = time.Hour

	db, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, db.Put(context.Background(), []byte("policy"), []byte("blob")))
	require.NoError(t, db.Close())

	db, err = Open(cfg)
	require.NoError(t, err)
	defer db.Close()
	got, err := db.Get(context.Background(), []byte("policy"))
	require.NoError(t, err)
	assert.Equal(t, "blob", string(got))
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.ErrorIs(t, err, ErrPathRequired)
}

func TestCancelledContext(t *testing.T) {
	db, err := Open(InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, db.Put(ctx, []byte("k"), []byte("v")), context.Canceled)
	_, err = db.Get(ctx, []byte("k"))
	assert.ErrorIs(t, err, context.Canceled)
}
