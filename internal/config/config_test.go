package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	home := t.TempDir()
	cfg, err := Load(home, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Mesh.MaxHops != 3 || cfg.Mesh.PriceMaxHops != 5 || cfg.Mesh.VerificationMaxHops != 3 {
		t.Fatalf("unexpected hop defaults: %+v", cfg.Mesh)
	}
	if cfg.Mesh.TTL != time.Hour {
		t.Fatalf("expected 1h ttl, got %s", cfg.Mesh.TTL)
	}
	if cfg.Node.Home != home {
		t.Fatalf("expected home %s, got %s", home, cfg.Node.Home)
	}
}

func TestLoadYAMLAndEnvOverride(t *testing.T) {
	home := t.TempDir()
	doc := []byte(`
mesh:
  max_hops: 4
  ttl: 10m
  require_encryption: true
store:
  backend: file
sync:
  kind: websocket
  url: ws://127.0.0.1:9/sync
`)
	if err := os.WriteFile(filepath.Join(home, FileName), doc, 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("AGROMESH_MAX_HOPS", "6")
	t.Setenv("AGROMESH_PEERS", "10.0.0.1:4242, 10.0.0.2:4242")
	cfg, err := Load(home, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Mesh.MaxHops != 6 {
		t.Fatalf("expected env override 6, got %d", cfg.Mesh.MaxHops)
	}
	if cfg.Mesh.TTL != 10*time.Minute || !cfg.Mesh.RequireEncryption {
		t.Fatalf("yaml values not applied: %+v", cfg.Mesh)
	}
	if cfg.Store.Backend != "file" || cfg.Sync.Kind != "websocket" {
		t.Fatalf("unexpected store/sync: %+v %+v", cfg.Store, cfg.Sync)
	}
	if len(cfg.Transport.Peers) != 2 || cfg.Transport.Peers[1] != "10.0.0.2:4242" {
		t.Fatalf("unexpected peers: %v", cfg.Transport.Peers)
	}
}

func TestValidateRejectsBadSync(t *testing.T) {
	cfg := Default(t.TempDir())
	cfg.Sync.Kind = "kafka"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected kafka without brokers to fail")
	}
	cfg.Sync.Kind = "carrier-pigeon"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected unknown sync kind to fail")
	}
}

func TestLoadExplicitMissingFile(t *testing.T) {
	if _, err := Load(t.TempDir(), filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing explicit config")
	}
}
