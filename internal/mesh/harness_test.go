package mesh_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"agromesh/internal/crypto"
	"agromesh/internal/mesh"
	"agromesh/internal/metrics"
	"agromesh/internal/peer"
	"agromesh/internal/proto"
	"agromesh/internal/store"
	"agromesh/internal/testutil"
	"agromesh/internal/transport"
)

type device struct {
	id     string
	router *mesh.Router
	crypto *crypto.Engine
	kv     *store.Memory
	peers  *peer.Table
	tx     *transport.Memory
	m      *metrics.Metrics

	mu       sync.Mutex
	received []*proto.MeshMessage
}

func (d *device) delivered() []*proto.MeshMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*proto.MeshMessage(nil), d.received...)
}

type mesh3 struct {
	hub     *transport.Hub
	clock   *testutil.Clock
	devices map[string]*device
}

func newMesh(t *testing.T, ids ...string) *mesh3 {
	t.Helper()
	m := &mesh3{
		hub:     transport.NewHub(),
		clock:   testutil.NewClock(time.Now()),
		devices: make(map[string]*device),
	}
	for _, id := range ids {
		m.devices[id] = m.join(t, id, store.NewMemory(), mesh.Options{})
	}
	return m
}

func (m *mesh3) join(t *testing.T, id string, kv *store.Memory, extra mesh.Options) *device {
	t.Helper()
	ctx := context.Background()
	eng := crypto.NewEngine(crypto.Options{Now: m.clock.Now})
	if err := eng.GenerateKeyPair(); err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	d := &device{id: id, crypto: eng, kv: kv, peers: peer.NewTable(peer.Options{}), m: metrics.New()}
	d.tx = m.hub.Join(transport.Options{DeviceID: id})
	opts := extra
	opts.DeviceID = id
	opts.Crypto = eng
	opts.Store = kv
	opts.Transport = d.tx
	opts.Peers = d.peers
	opts.Metrics = d.m
	opts.Now = m.clock.Now
	r, err := mesh.New(ctx, opts)
	if err != nil {
		t.Fatalf("mesh.New: %v", err)
	}
	d.router = r
	r.OnMessage(func(msg *proto.MeshMessage) {
		d.mu.Lock()
		d.received = append(d.received, msg)
		d.mu.Unlock()
	})
	d.tx.OnConnection(func(peerID string, up bool) {
		if up {
			_ = d.peers.MarkConnected(peerID, "")
			r.PeerConnected(ctx, peerID)
			return
		}
		d.peers.MarkDisconnected(peerID)
		r.PeerDisconnected(peerID)
	})
	if err := d.tx.Start(ctx, func(from string, data []byte) {
		raw, err := proto.DecodeMeshPacket(data)
		if err != nil {
			return
		}
		_, _ = r.ReceiveFrom(ctx, from, raw)
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return d
}

func (m *mesh3) link(t *testing.T, a, b string) {
	t.Helper()
	if err := m.devices[a].tx.Connect(context.Background(), b); err != nil {
		t.Fatalf("connect %s-%s: %v", a, b, err)
	}
}

func (m *mesh3) pair(t *testing.T, a, b string) {
	t.Helper()
	da, db := m.devices[a], m.devices[b]
	pubA, err := da.crypto.ExportPublicKey()
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	pubB, err := db.crypto.ExportPublicKey()
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if err := da.crypto.DeriveSharedKeyFromSPKI(pubB, b); err != nil {
		t.Fatalf("derive: %v", err)
	}
	if err := db.crypto.DeriveSharedKeyFromSPKI(pubA, a); err != nil {
		t.Fatalf("derive: %v", err)
	}
}

// rawMessage builds a valid wire message from sender.
func rawMessage(t *testing.T, sender string, mutate func(*proto.MeshMessage)) []byte {
	t.Helper()
	id, err := crypto.GenerateSecureID()
	if err != nil {
		t.Fatalf("GenerateSecureID: %v", err)
	}
	now := time.Now()
	msg := &proto.MeshMessage{
		ID:             id,
		SenderDeviceID: sender,
		Type:           proto.MessageBroadcast,
		Content:        "hello",
		MaxHops:        3,
		TTLSeconds:     3600,
		Timestamp:      now,
		ExpiresAt:      now.Add(time.Hour),
		ForwardedBy:    []string{},
		Status:         proto.StatusPending,
	}
	if mutate != nil {
		mutate(msg)
	}
	data, err := proto.EncodeMeshMessage(msg)
	if err != nil {
		t.Fatalf("EncodeMeshMessage: %v", err)
	}
	return data
}

// countingSender records sends without delivering them.
type countingSender struct {
	mu    sync.Mutex
	sends map[string]int
}

func (c *countingSender) Send(_ context.Context, peerID string, _ []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sends == nil {
		c.sends = map[string]int{}
	}
	c.sends[peerID]++
	return nil
}

func (c *countingSender) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.sends {
		n += v
	}
	return n
}
