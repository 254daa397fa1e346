package store

import (
	"context"
	"fmt"
	"strings"
)

// LoadOrCreateDeviceID returns the persisted device id, generating and
// saving one with gen on first run. The id never changes afterwards.
func LoadOrCreateDeviceID(ctx context.Context, kv KV, gen func() (string, error)) (string, error) {
	data, ok, err := kv.Get(ctx, KeyDeviceID)
	if err != nil {
		return "", fmt.Errorf("load device id: %w", err)
	}
	if ok {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}
	id, err := gen()
	if err != nil {
		return "", fmt.Errorf("generate device id: %w", err)
	}
	if err := kv.Set(ctx, KeyDeviceID, []byte(id)); err != nil {
		return "", fmt.Errorf("save device id: %w", err)
	}
	return id, nil
}
