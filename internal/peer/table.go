package peer

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"agromesh/internal/store"
)

const (
	DefaultCap = 512
	DefaultTTL = 30 * time.Minute
)

var ErrMissingDeviceID = errors.New("missing device_id")

// Peer is what the node knows about another device. Connected entries are
// never pruned by TTL; disconnected ones age out.
type Peer struct {
	DeviceID  string    `json:"device_id"`
	Addr      string    `json:"addr,omitempty"`
	PublicKey []byte    `json:"public_key,omitempty"`
	Connected bool      `json:"connected"`
	LastSeen  time.Time `json:"last_seen"`
	FailCount int       `json:"fail_count"`
	LastError string    `json:"last_error,omitempty"`
}

type Options struct {
	Cap int
	TTL time.Duration
	Now func() time.Time
}

type Table struct {
	mu    sync.Mutex
	cap   int
	ttl   time.Duration
	now   func() time.Time
	hot   map[string]*list.Element
	order *list.List
}

type entry struct {
	peer      Peer
	expiresAt time.Time
}

func NewTable(opts Options) *Table {
	capacity := opts.Cap
	if capacity <= 0 {
		capacity = DefaultCap
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Table{
		cap:   capacity,
		ttl:   ttl,
		now:   now,
		hot:   make(map[string]*list.Element),
		order: list.New(),
	}
}

// Upsert merges p into the table. Empty fields keep their previous values.
func (t *Table) Upsert(p Peer) error {
	if p.DeviceID == "" {
		return ErrMissingDeviceID
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked()
	now := t.now()
	if p.LastSeen.IsZero() {
		p.LastSeen = now
	}
	if el, ok := t.hot[p.DeviceID]; ok {
		ent := el.Value.(*entry)
		if p.Addr == "" {
			p.Addr = ent.peer.Addr
		}
		if len(p.PublicKey) == 0 {
			p.PublicKey = ent.peer.PublicKey
		}
		p.FailCount = ent.peer.FailCount
		p.LastError = ent.peer.LastError
		ent.peer = clonePeer(p)
		ent.expiresAt = now.Add(t.ttl)
		t.order.MoveToFront(el)
		return nil
	}
	if len(t.hot) >= t.cap {
		t.evictLocked(len(t.hot) - t.cap + 1)
	}
	el := t.order.PushFront(&entry{peer: clonePeer(p), expiresAt: now.Add(t.ttl)})
	t.hot[p.DeviceID] = el
	return nil
}

func (t *Table) MarkConnected(deviceID, addr string) error {
	return t.Upsert(Peer{DeviceID: deviceID, Addr: addr, Connected: true})
}

// MarkDisconnected reports whether the peer was connected before.
func (t *Table) MarkDisconnected(deviceID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	el, ok := t.hot[deviceID]
	if !ok {
		return false
	}
	ent := el.Value.(*entry)
	was := ent.peer.Connected
	ent.peer.Connected = false
	ent.expiresAt = t.now().Add(t.ttl)
	return was
}

func (t *Table) SetPublicKey(deviceID string, spki []byte) error {
	return t.Upsert(Peer{DeviceID: deviceID, PublicKey: spki, Connected: t.IsConnected(deviceID)})
}

func (t *Table) IsConnected(deviceID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	el, ok := t.hot[deviceID]
	return ok && el.Value.(*entry).peer.Connected
}

func (t *Table) Get(deviceID string) (Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked()
	el, ok := t.hot[deviceID]
	if !ok {
		return Peer{}, false
	}
	return clonePeer(el.Value.(*entry).peer), true
}

// Connected returns the connected device ids, sorted.
func (t *Table) Connected() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.hot))
	for id, el := range t.hot {
		if el.Value.(*entry).peer.Connected {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (t *Table) List() []Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked()
	out := make([]Peer, 0, len(t.hot))
	for el := t.order.Front(); el != nil; el = el.Next() {
		out = append(out, clonePeer(el.Value.(*entry).peer))
	}
	return out
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked()
	return len(t.hot)
}

// RecordFailure bumps the failure counter and returns the new value.
func (t *Table) RecordFailure(deviceID string, err error) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	el, ok := t.hot[deviceID]
	if !ok {
		return 0
	}
	ent := el.Value.(*entry)
	ent.peer.FailCount++
	if err != nil {
		ent.peer.LastError = err.Error()
	}
	return ent.peer.FailCount
}

func (t *Table) ResetFailures(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	el, ok := t.hot[deviceID]
	if !ok {
		return
	}
	ent := el.Value.(*entry)
	ent.peer.FailCount = 0
	ent.peer.LastError = ""
	ent.peer.LastSeen = t.now()
}

// EvictToMax trims the table to max entries, preferring disconnected peers
// with the most failures and the oldest last_seen.
func (t *Table) EvictToMax(max int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if max < 0 || len(t.hot) <= max {
		return 0
	}
	n := len(t.hot) - max
	t.evictLocked(n)
	return n
}

func (t *Table) pruneLocked() {
	now := t.now()
	for el := t.order.Back(); el != nil; {
		prev := el.Prev()
		ent := el.Value.(*entry)
		if !ent.peer.Connected && now.After(ent.expiresAt) {
			t.order.Remove(el)
			delete(t.hot, ent.peer.DeviceID)
		}
		el = prev
	}
}

func (t *Table) evictLocked(n int) {
	if n <= 0 {
		return
	}
	cands := make([]*list.Element, 0, len(t.hot))
	for el := t.order.Front(); el != nil; el = el.Next() {
		cands = append(cands, el)
	}
	sort.SliceStable(cands, func(i, j int) bool {
		a := cands[i].Value.(*entry).peer
		b := cands[j].Value.(*entry).peer
		if a.Connected != b.Connected {
			return !a.Connected
		}
		if a.FailCount != b.FailCount {
			return a.FailCount > b.FailCount
		}
		return a.LastSeen.Before(b.LastSeen)
	})
	for i := 0; i < n && i < len(cands); i++ {
		ent := cands[i].Value.(*entry)
		t.order.Remove(cands[i])
		delete(t.hot, ent.peer.DeviceID)
	}
}

// Save persists known addresses so a restarted node can redial them.
// Connection state and keys are session scoped and not saved.
func (t *Table) Save(ctx context.Context, kv store.KV) error {
	peers := t.List()
	out := make([]Peer, 0, len(peers))
	for _, p := range peers {
		if p.Addr == "" {
			continue
		}
		out = append(out, Peer{DeviceID: p.DeviceID, Addr: p.Addr, LastSeen: p.LastSeen, FailCount: p.FailCount})
	}
	if err := store.PutJSON(ctx, kv, store.KeyPeerTable, out); err != nil {
		return fmt.Errorf("save peers: %w", err)
	}
	return nil
}

func (t *Table) Load(ctx context.Context, kv store.KV) error {
	var peers []Peer
	ok, err := store.GetJSON(ctx, kv, store.KeyPeerTable, &peers)
	if err != nil || !ok {
		return err
	}
	for _, p := range peers {
		p.Connected = false
		p.PublicKey = nil
		if err := t.Upsert(p); err != nil {
			continue
		}
		t.mu.Lock()
		if el, ok := t.hot[p.DeviceID]; ok {
			el.Value.(*entry).peer.FailCount = p.FailCount
		}
		t.mu.Unlock()
	}
	return nil
}

// Addrs returns the known dial addresses of disconnected peers.
func (t *Table) Addrs() []string {
	var out []string
	for _, p := range t.List() {
		if !p.Connected && p.Addr != "" {
			out = append(out, p.Addr)
		}
	}
	return out
}

func clonePeer(p Peer) Peer {
	if p.PublicKey != nil {
		p.PublicKey = append([]byte(nil), p.PublicKey...)
	}
	return p
}
