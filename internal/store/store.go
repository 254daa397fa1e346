// internal/store/store.go
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// KV is the durable key/value collaborator. Values are opaque snapshots.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

const (
	KeyDeviceID     = "device_id"
	KeyMessageQueue = "mesh_queue"
	KeyPriceCache   = "price_cache"
	KeyPeerTable    = "peer_table"
)

const (
	BackendSQLite = "sqlite"
	BackendFile   = "file"
	BackendMemory = "memory"
)

var (
	ErrClosed     = errors.New("store closed")
	ErrInvalidKey = errors.New("invalid key")
)

type Options struct {
	Backend string
	// Path is the database file for sqlite and the directory for file.
	Path string
}

func Open(opts Options) (KV, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", BackendSQLite:
		path := opts.Path
		if path == "" {
			return nil, fmt.Errorf("sqlite store: missing path")
		}
		if filepath.Ext(path) == "" {
			path = filepath.Join(path, "agromesh.db")
		}
		return NewSQLite(SQLiteOptions{Path: path})
	case BackendFile:
		if opts.Path == "" {
			return nil, fmt.Errorf("file store: missing path")
		}
		return NewFile(opts.Path)
	case BackendMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store backend: %s", opts.Backend)
	}
}

func validKey(key string) error {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// GetJSON decodes the value at key into v. It reports false when the key is absent.
func GetJSON(ctx context.Context, kv KV, key string, v any) (bool, error) {
	data, ok, err := kv.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func PutJSON(ctx context.Context, kv KV, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return kv.Set(ctx, key, data)
}
