package metrics

import (
	"encoding/json"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Drop reasons recorded by the router and price store.
const (
	DropDuplicate        = "duplicate"
	DropExpired          = "expired"
	DropDecode           = "decode"
	DropDecryptFailed    = "decrypt_failed"
	DropMaxHops          = "max_hops"
	DropAlreadyForwarded = "already_forwarded"
	DropUnknownPeer      = "unknown_peer"
)

// MessageHeader is a compact record of a recently handled mesh message.
type MessageHeader struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Sender    string    `json:"sender"`
	HopCount  int       `json:"hop_count"`
	Encrypted bool      `json:"encrypted"`
	At        time.Time `json:"at"`
}

type Snapshot struct {
	GeneratedAt  time.Time         `json:"generated_at"`
	Mesh         MeshMetrics       `json:"mesh"`
	Price        PriceMetrics      `json:"price"`
	Sync         SyncMetrics       `json:"sync"`
	RecvByType   map[string]uint64 `json:"recv_by_type"`
	DropByReason map[string]uint64 `json:"drop_by_reason"`
	Connected    int64             `json:"connected"`
	Queued       int64             `json:"queued"`
	Recent       []MessageHeader   `json:"recent"`
}

type MeshMetrics struct {
	Sent         uint64 `json:"sent"`
	Received     uint64 `json:"received"`
	Delivered    uint64 `json:"delivered"`
	Forwarded    uint64 `json:"forwarded"`
	SendFailures uint64 `json:"send_failures"`
	Expired      uint64 `json:"expired"`
}

type PriceMetrics struct {
	Shared   uint64 `json:"shared"`
	Verified uint64 `json:"verified"`
	Ingested uint64 `json:"ingested"`
}

type SyncMetrics struct {
	Pushed  uint64 `json:"pushed"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
}

type Metrics struct {
	sent         atomic.Uint64
	received     atomic.Uint64
	delivered    atomic.Uint64
	forwarded    atomic.Uint64
	sendFailures atomic.Uint64
	expired      atomic.Uint64

	priceShared   atomic.Uint64
	priceVerified atomic.Uint64
	priceIngested atomic.Uint64

	syncPushed  atomic.Uint64
	syncFailed  atomic.Uint64
	syncDropped atomic.Uint64

	connected atomic.Int64
	queued    atomic.Int64

	mu           sync.Mutex
	recvByType   map[string]uint64
	dropByReason map[string]uint64

	recent *Recent
}

func New() *Metrics {
	return &Metrics{
		recvByType:   map[string]uint64{},
		dropByReason: map[string]uint64{},
		recent:       NewRecent(64),
	}
}

func (m *Metrics) Recent() *Recent {
	return m.recent
}

func (m *Metrics) IncSent()         { m.sent.Add(1) }
func (m *Metrics) IncReceived()     { m.received.Add(1) }
func (m *Metrics) IncDelivered()    { m.delivered.Add(1) }
func (m *Metrics) IncForwarded()    { m.forwarded.Add(1) }
func (m *Metrics) IncSendFailure()  { m.sendFailures.Add(1) }
func (m *Metrics) AddExpired(n int) { m.expired.Add(uint64(n)) }

func (m *Metrics) IncPriceShared()   { m.priceShared.Add(1) }
func (m *Metrics) IncPriceVerified() { m.priceVerified.Add(1) }
func (m *Metrics) IncPriceIngested() { m.priceIngested.Add(1) }

func (m *Metrics) IncSyncPushed()  { m.syncPushed.Add(1) }
func (m *Metrics) IncSyncFailed()  { m.syncFailed.Add(1) }
func (m *Metrics) IncSyncDropped() { m.syncDropped.Add(1) }

func (m *Metrics) SetConnected(n int) { m.connected.Store(int64(n)) }
func (m *Metrics) SetQueued(n int)    { m.queued.Store(int64(n)) }

func (m *Metrics) IncRecvByType(t string) {
	if t == "" {
		return
	}
	m.mu.Lock()
	m.recvByType[t]++
	m.mu.Unlock()
}

func (m *Metrics) IncDropByReason(reason string) {
	if reason == "" {
		return
	}
	m.mu.Lock()
	m.dropByReason[reason]++
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	recent := []MessageHeader{}
	if m.recent != nil {
		recent = m.recent.List()
	}
	m.mu.Lock()
	byType := make(map[string]uint64, len(m.recvByType))
	for k, v := range m.recvByType {
		byType[k] = v
	}
	byReason := make(map[string]uint64, len(m.dropByReason))
	for k, v := range m.dropByReason {
		byReason[k] = v
	}
	m.mu.Unlock()
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Mesh: MeshMetrics{
			Sent:         m.sent.Load(),
			Received:     m.received.Load(),
			Delivered:    m.delivered.Load(),
			Forwarded:    m.forwarded.Load(),
			SendFailures: m.sendFailures.Load(),
			Expired:      m.expired.Load(),
		},
		Price: PriceMetrics{
			Shared:   m.priceShared.Load(),
			Verified: m.priceVerified.Load(),
			Ingested: m.priceIngested.Load(),
		},
		Sync: SyncMetrics{
			Pushed:  m.syncPushed.Load(),
			Failed:  m.syncFailed.Load(),
			Dropped: m.syncDropped.Load(),
		},
		RecvByType:   byType,
		DropByReason: byReason,
		Connected:    m.connected.Load(),
		Queued:       m.queued.Load(),
		Recent:       recent,
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func ReadSnapshot(path string) (Snapshot, error) {
	var snap Snapshot
	data, err := os.ReadFile(path)
	if err != nil {
		return snap, err
	}
	err = json.Unmarshal(data, &snap)
	return snap, err
}

// SortedReasons returns drop reasons in a stable order for display.
func (s Snapshot) SortedReasons() []string {
	out := make([]string, 0, len(s.DropByReason))
	for k := range s.DropByReason {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type Recent struct {
	mu   sync.Mutex
	cap  int
	list []MessageHeader
}

func NewRecent(capacity int) *Recent {
	if capacity <= 0 {
		capacity = 64
	}
	return &Recent{cap: capacity}
}

func (r *Recent) Add(h MessageHeader) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = h
		return
	}
	r.list = append(r.list, h)
}

func (r *Recent) List() []MessageHeader {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]MessageHeader, len(r.list))
	copy(out, r.list)
	return out
}
