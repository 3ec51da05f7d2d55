// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package checkpoint persists the routing policy across restarts.
//
// # Description
//
// A Store keeps opaque policy blobs under a key. Three backends exist:
// memory (tests and ephemeral hosts), badger (local disk) and gcs (a
// bucket shared by replicas). The Checkpointer restores the policy at
// start, saves it on an interval and once more on Stop.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"path"
	"sync"

	"cloud.google.com/go/storage"
	badgerdb "github.com/dgraph-io/badger/v4"
	"google.golang.org/api/option"

	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/storage/badger"
)

var (
	// ErrNotFound is returned by Load when no checkpoint exists.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrUnknownBackend is returned by OpenStore for an unrecognized backend.
	ErrUnknownBackend = errors.New("unknown checkpoint backend")
)

// Backend names.
const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendGCS    = "gcs"
)

// Store saves and loads checkpoint blobs.
type Store interface {
	Save(ctx context.Context, key string, data []byte) error
	Load(ctx context.Context, key string) ([]byte, error)
	Backend() string
	Close() error
}

// MemoryStore is a Store held in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (m *MemoryStore) Save(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.data[key] = append([]byte(nil), data...)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Load(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Keys returns a copy of the stored map, for tests and debugging.
func (m *MemoryStore) Keys() map[string][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.data)
}

func (m *MemoryStore) Backend() string { return BackendMemory }
func (m *MemoryStore) Close() error    { return nil }

// BadgerStore keeps checkpoints in a local BadgerDB.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens the database described by cfg.
func NewBadgerStore(cfg badger.Config) (*BadgerStore, error) {
	db, err := badger.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func badgerKey(key string) []byte { return []byte("checkpoint/" + key) }

func (b *BadgerStore) Save(ctx context.Context, key string, data []byte) error {
	return b.db.Put(ctx, badgerKey(key), data)
}

func (b *BadgerStore) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := b.db.Get(ctx, badgerKey(key))
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return data, err
}

func (b *BadgerStore) Backend() string { return BackendBadger }
func (b *BadgerStore) Close() error    { return b.db.Close() }

// GCSConfig locates checkpoints in a Cloud Storage bucket.
type GCSConfig struct {
	Bucket string `yaml:"bucket" json:"bucket"`
	Prefix string `yaml:"prefix" json:"prefix"`

	// CredentialsFile is a service account key. Empty uses application
	// default credentials.
	CredentialsFile string `yaml:"credentials_file" json:"credentials_file"`
}

// GCSStore keeps checkpoints as objects in a Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSStore creates a client for cfg.Bucket.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs checkpoint store requires a bucket")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (g *GCSStore) objectName(key string) string {
	return path.Join(g.prefix, key+".ckpt")
}

func (g *GCSStore) Save(ctx context.Context, key string, data []byte) error {
	w := g.client.Bucket(g.bucket).Object(g.objectName(key)).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	w.CacheControl = "no-cache, no-store, must-revalidate"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("write gs://%s/%s: %w", g.bucket, g.objectName(key), err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close GCS writer for %s: %w", g.objectName(key), err)
	}
	return nil
}

func (g *GCSStore) Load(ctx context.Context, key string) ([]byte, error) {
	r, err := g.client.Bucket(g.bucket).Object(g.objectName(key)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open gs://%s/%s: %w", g.bucket, g.objectName(key), err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (g *GCSStore) Backend() string { return BackendGCS }
func (g *GCSStore) Close() error    { return g.client.Close() }

// OpenStore opens the backend named by cfg.Backend. BackendNone returns
// a nil Store and no error.
func OpenStore(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendNone, "":
		return nil, nil
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendBadger:
		return NewBadgerStore(cfg.Badger)
	case BackendGCS:
		return NewGCSStore(ctx, cfg.GCS)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}
