package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"agromesh/internal/logging"
)

const FileName = "agromesh.yaml"

type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Mesh      MeshConfig      `yaml:"mesh"`
	Store     StoreConfig     `yaml:"store"`
	Transport TransportConfig `yaml:"transport"`
	Sync      SyncConfig      `yaml:"sync"`
	Log       logging.Config  `yaml:"log"`
	Pprof     PprofConfig     `yaml:"pprof"`
}

type NodeConfig struct {
	Home   string `yaml:"home"`
	UserID string `yaml:"user_id"`
	// Location and County are snapshotted into price verifications.
	Location string `yaml:"location"`
	County   string `yaml:"county"`
}

type MeshConfig struct {
	MaxHops             int           `yaml:"max_hops"`
	TTL                 time.Duration `yaml:"ttl"`
	PriceMaxHops        int           `yaml:"price_max_hops"`
	VerificationMaxHops int           `yaml:"verification_max_hops"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
	SendTimeout         time.Duration `yaml:"send_timeout"`
	RequireEncryption   bool          `yaml:"require_encryption"`
	SeenCacheSize       int           `yaml:"seen_cache_size"`
}

// PprofConfig enables the loopback profiling endpoint when Addr is set.
type PprofConfig struct {
	Addr string `yaml:"addr"`
}

type StoreConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

type TransportConfig struct {
	Kind     string   `yaml:"kind"`
	Listen   string   `yaml:"listen"`
	Peers    []string `yaml:"peers"`
	Insecure bool     `yaml:"insecure"`
}

type SyncConfig struct {
	Kind        string   `yaml:"kind"`
	URL         string   `yaml:"url"`
	Brokers     []string `yaml:"brokers"`
	TopicPrefix string   `yaml:"topic_prefix"`
	QueueSize   int      `yaml:"queue_size"`
}

func DefaultHome() string {
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".agromesh")
}

func Default(home string) Config {
	if home == "" {
		home = DefaultHome()
	}
	return Config{
		Node: NodeConfig{Home: home},
		Mesh: MeshConfig{
			MaxHops:             3,
			TTL:                 time.Hour,
			PriceMaxHops:        5,
			VerificationMaxHops: 3,
			SweepInterval:       30 * time.Second,
			SendTimeout:         5 * time.Second,
			SeenCacheSize:       4096,
		},
		Store:     StoreConfig{Backend: "sqlite", Path: filepath.Join(home, "agromesh.db")},
		Transport: TransportConfig{Kind: "none"},
		Sync:      SyncConfig{Kind: "none", TopicPrefix: "agromesh", QueueSize: 256},
		Log:       logging.Config{Level: logging.DefaultLevel},
	}
}

// Load applies, in order: defaults, <home>/agromesh.yaml (or path when set),
// then AGROMESH_* environment overrides.
func Load(home, path string) (Config, error) {
	if env := strings.TrimSpace(os.Getenv("AGROMESH_HOME")); env != "" && home == "" {
		home = env
	}
	cfg := Default(home)
	explicit := path != ""
	if path == "" {
		path = filepath.Join(cfg.Node.Home, FileName)
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	if cfg.Node.Home == "" {
		cfg.Node.Home = home
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := envStr("AGROMESH_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := envStr("AGROMESH_LOG_FILE"); v != "" {
		cfg.Log.File = v
	}
	if v := envStr("AGROMESH_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := envStr("AGROMESH_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := envStr("AGROMESH_LISTEN"); v != "" {
		cfg.Transport.Listen = v
		if cfg.Transport.Kind == "" || cfg.Transport.Kind == "none" {
			cfg.Transport.Kind = "quic"
		}
	}
	if v := envStr("AGROMESH_PEERS"); v != "" {
		cfg.Transport.Peers = splitList(v)
	}
	if v := envStr("AGROMESH_SYNC_KIND"); v != "" {
		cfg.Sync.Kind = v
	}
	if v := envStr("AGROMESH_SYNC_URL"); v != "" {
		cfg.Sync.URL = v
	}
	if v := envStr("AGROMESH_SYNC_BROKERS"); v != "" {
		cfg.Sync.Brokers = splitList(v)
	}
	if v := envStr("AGROMESH_MAX_HOPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Mesh.MaxHops = n
		}
	}
	if v := envStr("AGROMESH_PPROF"); v != "" {
		cfg.Pprof.Addr = v
	}
	if envStr("AGROMESH_REQUIRE_ENCRYPTION") == "1" {
		cfg.Mesh.RequireEncryption = true
	}
}

func (c Config) Validate() error {
	if c.Mesh.MaxHops < 0 || c.Mesh.PriceMaxHops < 0 || c.Mesh.VerificationMaxHops < 0 {
		return fmt.Errorf("mesh hop limits must be >= 0")
	}
	if c.Mesh.TTL <= 0 {
		return fmt.Errorf("mesh.ttl must be positive")
	}
	if c.Mesh.SendTimeout <= 0 {
		return fmt.Errorf("mesh.send_timeout must be positive")
	}
	switch c.Transport.Kind {
	case "", "none", "quic":
	default:
		return fmt.Errorf("unknown transport.kind: %s", c.Transport.Kind)
	}
	if c.Transport.Kind == "quic" && c.Transport.Listen == "" {
		return fmt.Errorf("transport.listen required for quic")
	}
	switch c.Sync.Kind {
	case "", "none":
	case "kafka":
		if len(c.Sync.Brokers) == 0 {
			return fmt.Errorf("sync.brokers required for kafka")
		}
	case "websocket":
		if c.Sync.URL == "" {
			return fmt.Errorf("sync.url required for websocket")
		}
	default:
		return fmt.Errorf("unknown sync.kind: %s", c.Sync.Kind)
	}
	return nil
}

func envStr(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
