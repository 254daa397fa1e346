// Package node wires one device together: identity, keys, storage, the mesh
// router, the price store, the link transport and the optional sync bridge.
// Each Node is self-contained so several can share a process.
package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"agromesh/internal/config"
	"agromesh/internal/crypto"
	"agromesh/internal/logging"
	"agromesh/internal/mesh"
	"agromesh/internal/metrics"
	"agromesh/internal/peer"
	"agromesh/internal/price"
	"agromesh/internal/store"
	"agromesh/internal/syncbridge"
	"agromesh/internal/transport"
)

const (
	MetricsFile         = "metrics.json"
	DefaultTickInterval = 10 * time.Second
)

var ErrClosed = errors.New("node closed")

// TransportFactory builds the link adapter once the node knows its device id
// and hello frame.
type TransportFactory func(opts transport.Options) (transport.Transport, error)

type Options struct {
	Config config.Config
	// Store replaces the configured backend. The node does not close it.
	Store store.KV
	// Transport replaces the configured adapter.
	Transport TransportFactory
	// Sink replaces the configured sync sink.
	Sink    syncbridge.Sink
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
	// TickInterval paces discovery and snapshot writes in Run.
	TickInterval time.Duration
	// ManualConnect disables dialing discovered targets; links are made
	// with Connect only.
	ManualConnect bool
}

type Node struct {
	cfg      config.Config
	deviceID string
	kv       store.KV
	ownsKV   bool
	log      *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	tick     time.Duration
	manual   bool

	crypto *crypto.Engine
	peers  *peer.Table
	tx     transport.Transport
	router *mesh.Router
	prices *price.Store
	sync   *syncbridge.Bridge

	detach    func()
	startOnce sync.Once
	startErr  error
	closeOnce sync.Once
	closed    chan struct{}
}

// New opens the store, loads or creates the device id, generates the session
// key pair and restores the persisted queue and price cache. The transport is
// built but not started; see Start.
func New(ctx context.Context, opts Options) (n *Node, err error) {
	cfg := opts.Config
	if cfg.Node.Home == "" {
		cfg = config.Default(cfg.Node.Home)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	kv := opts.Store
	ownsKV := false
	if kv == nil {
		if err := os.MkdirAll(cfg.Node.Home, 0o700); err != nil {
			return nil, fmt.Errorf("create home: %w", err)
		}
		kv, err = store.Open(store.Options{Backend: cfg.Store.Backend, Path: cfg.Store.Path})
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		ownsKV = true
	}
	defer func() {
		if err != nil && ownsKV {
			_ = kv.Close()
		}
	}()

	deviceID, err := store.LoadOrCreateDeviceID(ctx, kv, crypto.GenerateSecureID)
	if err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		log, err = logging.New(cfg.Log, deviceID)
		if err != nil {
			return nil, fmt.Errorf("logger: %w", err)
		}
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}

	eng := crypto.NewEngine(crypto.Options{Now: now})
	if err := eng.GenerateKeyPair(); err != nil {
		return nil, err
	}

	peers := peer.NewTable(peer.Options{Now: now})
	if err := peers.Load(ctx, kv); err != nil {
		log.Warn("load peer table failed", zap.Error(err))
	}

	sink := opts.Sink
	if sink == nil {
		sink, err = newSink(cfg.Sync)
		if err != nil {
			return nil, err
		}
	}
	bridge := syncbridge.NewBridge(sink, syncbridge.Options{
		DeviceID:  deviceID,
		QueueSize: cfg.Sync.QueueSize,
		Logger:    log,
		Metrics:   m,
		Now:       now,
	})
	defer func() {
		if err != nil {
			_ = bridge.Close()
		}
	}()

	n = &Node{
		cfg:      cfg,
		deviceID: deviceID,
		kv:       kv,
		ownsKV:   ownsKV,
		log:      log,
		metrics:  m,
		now:      now,
		tick:     opts.TickInterval,
		manual:   opts.ManualConnect,
		crypto:   eng,
		peers:    peers,
		sync:     bridge,
		closed:   make(chan struct{}),
	}
	if n.tick <= 0 {
		n.tick = DefaultTickInterval
	}

	factory := opts.Transport
	if factory == nil {
		factory = n.configuredTransport
	}
	tx, err := factory(transport.Options{DeviceID: deviceID, Hello: n.helloFrame, Logger: log})
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	n.tx = tx

	var sender mesh.Sender
	if tx != nil {
		sender = tx
	}
	n.router, err = mesh.New(ctx, mesh.Options{
		DeviceID:          deviceID,
		Crypto:            eng,
		Store:             kv,
		Transport:         sender,
		Peers:             peers,
		Sync:              bridge,
		Metrics:           m,
		Logger:            log,
		Now:               now,
		SendTimeout:       cfg.Mesh.SendTimeout,
		SweepInterval:     cfg.Mesh.SweepInterval,
		SeenCacheSize:     cfg.Mesh.SeenCacheSize,
		RequireEncryption: cfg.Mesh.RequireEncryption,
	})
	if err != nil {
		return nil, err
	}
	n.prices, err = price.New(ctx, price.Options{
		DeviceID:            deviceID,
		UserID:              cfg.Node.UserID,
		Location:            cfg.Node.Location,
		County:              cfg.Node.County,
		Store:               kv,
		Router:              n.router,
		Sync:                bridge,
		Metrics:             m,
		Logger:              log,
		Now:                 now,
		ShareMaxHops:        cfg.Mesh.PriceMaxHops,
		VerificationMaxHops: cfg.Mesh.VerificationMaxHops,
	})
	if err != nil {
		return nil, err
	}
	n.detach = n.prices.Attach(context.WithoutCancel(ctx), n.router)
	log.Info("node ready",
		zap.String("store", cfg.Store.Backend),
		zap.String("transport", cfg.Transport.Kind),
		zap.String("sync", cfg.Sync.Kind),
		zap.Int("queued", len(n.router.MessageQueue())))
	return n, nil
}

func (n *Node) DeviceID() string { return n.deviceID }

func (n *Node) Config() config.Config { return n.cfg }

func (n *Node) Metrics() *metrics.Metrics { return n.metrics }

func (n *Node) Logger() *zap.Logger { return n.log }

// Transport is nil when the node runs without links.
func (n *Node) Transport() transport.Transport { return n.tx }

// Logout wipes the session key pair and every derived peer key. Messages
// sent afterwards go out unencrypted unless encryption is required.
func (n *Node) Logout() {
	n.crypto.ClearKeys()
	n.log.Info("session keys cleared")
}

// Close stops the transport, flushes the sync bridge and closes the store
// when the node opened it.
func (n *Node) Close() error {
	var errs []error
	n.closeOnce.Do(func() {
		close(n.closed)
		if n.detach != nil {
			n.detach()
		}
		if n.tx != nil {
			if err := n.tx.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close transport: %w", err))
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := n.peers.Save(ctx, n.kv); err != nil {
			errs = append(errs, fmt.Errorf("save peers: %w", err))
		}
		n.writeSnapshot()
		if err := n.sync.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sync: %w", err))
		}
		if n.ownsKV {
			if err := n.kv.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close store: %w", err))
			}
		}
		_ = n.log.Sync()
	})
	return errors.Join(errs...)
}

func (n *Node) metricsPath() string {
	return filepath.Join(n.cfg.Node.Home, MetricsFile)
}

func (n *Node) writeSnapshot() {
	if n.cfg.Node.Home == "" {
		return
	}
	if err := n.metrics.WriteSnapshot(n.metricsPath()); err != nil {
		n.log.Debug("write metrics snapshot failed", zap.Error(err))
	}
}
