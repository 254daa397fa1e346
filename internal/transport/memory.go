package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Hub connects in-process Memory transports. Delivery is synchronous: Send
// returns after the receiver's onData callback returns.
type Hub struct {
	mu    sync.Mutex
	nodes map[string]*Memory
}

func NewHub() *Hub {
	return &Hub{nodes: make(map[string]*Memory)}
}

// Join registers a device on the hub. Joining twice with the same id
// replaces the earlier transport.
func (h *Hub) Join(opts Options) *Memory {
	m := &Memory{
		hub:      h,
		opts:     opts,
		peers:    make(map[string]bool),
		failures: make(map[string]error),
	}
	h.mu.Lock()
	h.nodes[opts.DeviceID] = m
	h.mu.Unlock()
	return m
}

func (h *Hub) lookup(id string) (*Memory, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.nodes[id]
	return m, ok
}

func (h *Hub) ids() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.nodes))
	for id := range h.nodes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (h *Hub) leave(m *Memory) {
	h.mu.Lock()
	if cur, ok := h.nodes[m.opts.DeviceID]; ok && cur == m {
		delete(h.nodes, m.opts.DeviceID)
	}
	h.mu.Unlock()
}

// Memory is a Transport whose targets are device ids on the same Hub.
type Memory struct {
	hub  *Hub
	opts Options

	mu       sync.Mutex
	started  bool
	closed   bool
	onData   func(string, []byte)
	peers    map[string]bool
	handlers connHandlers
	failures map[string]error
}

var _ Transport = (*Memory)(nil)

func (m *Memory) Start(_ context.Context, onData func(peerID string, data []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.onData = onData
	m.started = true
	return nil
}

func (m *Memory) Discover(context.Context) ([]string, error) {
	var out []string
	for _, id := range m.hub.ids() {
		if id == m.opts.DeviceID {
			continue
		}
		m.mu.Lock()
		linked := m.peers[id]
		m.mu.Unlock()
		if !linked {
			out = append(out, id)
		}
	}
	return out, nil
}

// Connect links both ends, exchanges hello frames and then fires the
// connection handlers on both sides.
func (m *Memory) Connect(ctx context.Context, target string) error {
	if target == m.opts.DeviceID {
		return fmt.Errorf("connect to self")
	}
	other, ok := m.hub.lookup(target)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, target)
	}
	if err := m.ready(); err != nil {
		return err
	}
	if err := other.ready(); err != nil {
		return err
	}
	m.mu.Lock()
	already := m.peers[target]
	m.peers[target] = true
	m.mu.Unlock()
	other.mu.Lock()
	other.peers[m.opts.DeviceID] = true
	other.mu.Unlock()
	if already {
		return nil
	}
	if err := m.sendHello(ctx, other); err != nil {
		return err
	}
	if err := other.sendHello(ctx, m); err != nil {
		return err
	}
	m.fire(target, true)
	other.fire(m.opts.DeviceID, true)
	return nil
}

// Disconnect drops the link on both ends.
func (m *Memory) Disconnect(target string) {
	m.mu.Lock()
	was := m.peers[target]
	delete(m.peers, target)
	m.mu.Unlock()
	if other, ok := m.hub.lookup(target); ok {
		other.mu.Lock()
		delete(other.peers, m.opts.DeviceID)
		other.mu.Unlock()
		if was {
			other.fire(m.opts.DeviceID, false)
		}
	}
	if was {
		m.fire(target, false)
	}
}

// InjectFailure makes every Send to peerID fail with err until cleared
// with a nil err.
func (m *Memory) InjectFailure(peerID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, peerID)
		return
	}
	m.failures[peerID] = err
}

func (m *Memory) Send(ctx context.Context, peerID string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	linked := m.peers[peerID]
	injected := m.failures[peerID]
	m.mu.Unlock()
	if !linked {
		return fmt.Errorf("%w: %s", ErrNotConnected, peerID)
	}
	if injected != nil {
		return injected
	}
	other, ok := m.hub.lookup(peerID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, peerID)
	}
	other.deliver(m.opts.DeviceID, data)
	return nil
}

func (m *Memory) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.peers))
	for id := range m.peers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (m *Memory) OnConnection(fn func(peerID string, up bool)) {
	m.mu.Lock()
	m.handlers.add(fn)
	m.mu.Unlock()
}

func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	peers := make([]string, 0, len(m.peers))
	for id := range m.peers {
		peers = append(peers, id)
	}
	m.mu.Unlock()
	for _, id := range peers {
		m.Disconnect(id)
	}
	m.hub.leave(m)
	return nil
}

func (m *Memory) ready() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if !m.started {
		return ErrNotStarted
	}
	return nil
}

func (m *Memory) sendHello(_ context.Context, to *Memory) error {
	if m.opts.Hello == nil {
		return nil
	}
	frame, err := m.opts.Hello()
	if err != nil {
		return fmt.Errorf("build hello: %w", err)
	}
	to.deliver(m.opts.DeviceID, frame)
	return nil
}

func (m *Memory) deliver(from string, data []byte) {
	m.mu.Lock()
	fn := m.onData
	closed := m.closed
	m.mu.Unlock()
	if fn == nil || closed {
		return
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	fn(from, buf)
}

func (m *Memory) fire(peerID string, up bool) {
	m.mu.Lock()
	fns := m.handlers.snapshot()
	m.mu.Unlock()
	notify(fns, peerID, up)
}
