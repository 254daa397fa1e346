// Package mesh floods messages between nearby devices. Every device keeps a
// durable queue keyed by message id; the queue doubles as the dedup index.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"agromesh/internal/crypto"
	"agromesh/internal/metrics"
	"agromesh/internal/peer"
	"agromesh/internal/proto"
	"agromesh/internal/store"
	"agromesh/internal/syncbridge"
)

const (
	DefaultMaxHops       = 3
	DefaultTTL           = time.Hour
	DefaultSendTimeout   = 5 * time.Second
	DefaultSweepInterval = 30 * time.Second
	DefaultSeenCacheSize = 4096
	DefaultSeenTTL       = 2 * time.Hour
)

var ErrMissingDependency = errors.New("mesh: missing dependency")

// Sender is the part of a transport the router needs.
type Sender interface {
	Send(ctx context.Context, peerID string, data []byte) error
}

type Options struct {
	DeviceID  string
	Crypto    *crypto.Engine
	Store     store.KV
	Transport Sender
	Peers     *peer.Table
	Sync      *syncbridge.Bridge
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
	Now       func() time.Time

	SendTimeout       time.Duration
	SweepInterval     time.Duration
	SeenCacheSize     int
	SeenTTL           time.Duration
	RequireEncryption bool
}

type SendOptions struct {
	SenderID string
	MaxHops  int
	TTL      time.Duration
	Priority int
	Type     proto.MessageType
}

type entry struct {
	msg *proto.MeshMessage
	// relay marks messages this device floods and retries.
	relay  bool
	sentTo map[string]bool
}

type handler[T any] struct {
	id uint64
	fn T
}

type Router struct {
	self    string
	crypto  *crypto.Engine
	kv      store.KV
	tx      Sender
	peers   *peer.Table
	sync    *syncbridge.Bridge
	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time
	opts    Options

	mu        sync.Mutex
	queue     map[string]*entry
	order     []string
	seen      *expirable.LRU[string, struct{}]
	nextID    uint64
	onMessage []handler[func(*proto.MeshMessage)]
	onConn    []handler[func(string, bool)]
}

// New builds a router and restores its queue from the store, sweeping
// anything that expired while the device was off.
func New(ctx context.Context, opts Options) (*Router, error) {
	if opts.DeviceID == "" || opts.Crypto == nil || opts.Store == nil || opts.Peers == nil {
		return nil, ErrMissingDependency
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.SeenCacheSize <= 0 {
		opts.SeenCacheSize = DefaultSeenCacheSize
	}
	if opts.SeenTTL <= 0 {
		opts.SeenTTL = DefaultSeenTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	r := &Router{
		self:    opts.DeviceID,
		crypto:  opts.Crypto,
		kv:      opts.Store,
		tx:      opts.Transport,
		peers:   opts.Peers,
		sync:    opts.Sync,
		metrics: opts.Metrics,
		log:     log.Named("mesh"),
		now:     opts.Now,
		opts:    opts,
		queue:   make(map[string]*entry),
		seen:    expirable.NewLRU[string, struct{}](opts.SeenCacheSize, nil, opts.SeenTTL),
	}
	r.load(ctx)
	return r, nil
}

func (r *Router) DeviceID() string {
	return r.self
}

// Send builds a message and floods it to every connected peer. Direct
// messages are encrypted when a shared key with the recipient exists;
// otherwise they go out in clear unless RequireEncryption is set.
func (r *Router) Send(ctx context.Context, content, recipient string, opts SendOptions) (*proto.MeshMessage, error) {
	id, err := r.crypto.GenerateSecureID()
	if err != nil {
		return nil, err
	}
	maxHops := opts.MaxHops
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	// the wire carries whole seconds; ExpiresAt must agree with TTLSeconds
	if rem := ttl % time.Second; rem > 0 {
		ttl += time.Second - rem
	}
	typ := opts.Type
	if typ == "" {
		typ = proto.MessageBroadcast
		if recipient != "" {
			typ = proto.MessageDirect
		}
	}
	now := r.now()
	msg := &proto.MeshMessage{
		ID:                id,
		SenderID:          opts.SenderID,
		SenderDeviceID:    r.self,
		RecipientDeviceID: recipient,
		Type:              typ,
		Content:           content,
		MaxHops:           maxHops,
		TTLSeconds:        int(ttl / time.Second),
		Priority:          opts.Priority,
		Timestamp:         now,
		ExpiresAt:         now.Add(ttl),
		ForwardedBy:       []string{},
		Status:            proto.StatusPending,
	}
	if recipient != "" && recipient != r.self {
		if err := r.seal(msg, recipient); err != nil {
			return nil, err
		}
	}
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}

	r.mu.Lock()
	r.insertLocked(&entry{msg: msg, relay: true, sentTo: map[string]bool{}})
	r.persistLocked(ctx)
	r.mu.Unlock()

	r.metrics.IncSent()
	r.sync.PushMessage(msg)
	r.flood(ctx, msg.ID)
	return msg.Clone(), nil
}

func (r *Router) seal(msg *proto.MeshMessage, recipient string) error {
	payload, err := r.crypto.EncryptMessage([]byte(msg.Content), recipient)
	if err != nil {
		if r.opts.RequireEncryption {
			return fmt.Errorf("send to %s: %w", recipient, err)
		}
		r.log.Warn("sending unencrypted", zap.String("recipient", recipient), zap.Error(err))
		return nil
	}
	msg.Content = proto.EncryptedContent
	msg.EncryptedPayload = payload
	msg.IsEncrypted = true
	return nil
}

// Receive processes a message that arrived from an unknown link.
func (r *Router) Receive(ctx context.Context, raw []byte) (*proto.MeshMessage, error) {
	return r.ReceiveFrom(ctx, "", raw)
}

// ReceiveFrom processes one inbound message. Expired, duplicate and
// undecryptable messages are dropped with a nil result and nil error; only
// malformed input returns an error. The returned message is what local
// handlers saw, or the relayed copy when the message was not for this device.
func (r *Router) ReceiveFrom(ctx context.Context, fromPeer string, raw []byte) (*proto.MeshMessage, error) {
	msg, err := proto.DecodeMeshMessage(raw)
	if err != nil {
		r.drop(metrics.DropDecode, "", fromPeer)
		return nil, fmt.Errorf("receive: %w", err)
	}
	r.metrics.IncReceived()
	r.metrics.IncRecvByType(string(msg.Type))
	if msg.Expired(r.now()) {
		r.drop(metrics.DropExpired, msg.ID, fromPeer)
		return nil, nil
	}

	r.mu.Lock()
	if r.knownLocked(msg.ID) {
		r.mu.Unlock()
		r.drop(metrics.DropDuplicate, msg.ID, fromPeer)
		return nil, nil
	}
	stored := msg.Clone()
	ent := &entry{msg: stored}
	r.insertLocked(ent)
	r.mu.Unlock()

	forMe := msg.ForMe(r.self)
	local := msg
	if forMe && msg.IsEncrypted && msg.RecipientDeviceID == r.self {
		plain, err := r.crypto.DecryptMessage(msg.EncryptedPayload, msg.SenderDeviceID)
		if err != nil {
			r.mu.Lock()
			r.removeLocked(msg.ID)
			r.mu.Unlock()
			r.drop(metrics.DropDecryptFailed, msg.ID, fromPeer)
			r.log.Debug("decrypt failed", zap.String("id", msg.ID), zap.String("sender", msg.SenderDeviceID), zap.Error(err))
			return nil, nil
		}
		local = msg.Clone()
		local.Content = string(plain)
	}

	r.mu.Lock()
	if forMe {
		stored.Status = proto.StatusDelivered
	}
	relayCopy := stored.Clone()
	r.persistLocked(ctx)
	r.mu.Unlock()

	r.metrics.Recent().Add(metrics.MessageHeader{
		ID:        msg.ID,
		Type:      string(msg.Type),
		Sender:    msg.SenderDeviceID,
		HopCount:  msg.HopCount,
		Encrypted: msg.IsEncrypted,
		At:        r.now().UTC(),
	})

	var result *proto.MeshMessage
	if forMe {
		local.Status = proto.StatusDelivered
		r.metrics.IncDelivered()
		r.dispatch(local)
		result = local
	}
	if msg.Type != proto.MessageDirect || !forMe {
		if r.Forward(ctx, relayCopy) && result == nil {
			result = r.Message(msg.ID)
		}
	}
	return result, nil
}

// Forward relays msg one more hop. It refuses when the hop budget is spent
// or when this device already relayed the message, and reports whether a
// relay copy was queued.
func (r *Router) Forward(ctx context.Context, msg *proto.MeshMessage) bool {
	if msg == nil {
		return false
	}
	if msg.HopCount >= msg.MaxHops {
		r.drop(metrics.DropMaxHops, msg.ID, "")
		return false
	}
	if msg.HasForwarder(r.self) {
		r.drop(metrics.DropAlreadyForwarded, msg.ID, "")
		return false
	}
	next := msg.Clone()
	next.HopCount++
	next.ForwardedBy = append(next.ForwardedBy, r.self)

	r.mu.Lock()
	ent, ok := r.queue[next.ID]
	if ok && ent.msg.HasForwarder(r.self) {
		r.mu.Unlock()
		r.drop(metrics.DropAlreadyForwarded, msg.ID, "")
		return false
	}
	if ok {
		// local delivery state survives the relay copy
		if ent.msg.Status == proto.StatusDelivered {
			next.Status = proto.StatusDelivered
		} else {
			next.Status = proto.StatusPending
		}
		ent.msg = next
		ent.relay = true
		if ent.sentTo == nil {
			ent.sentTo = map[string]bool{}
		}
	} else {
		next.Status = proto.StatusPending
		r.insertLocked(&entry{msg: next, relay: true, sentTo: map[string]bool{}})
	}
	r.persistLocked(ctx)
	r.mu.Unlock()

	r.flood(ctx, next.ID)
	return true
}

// Message returns a copy of the queued message with id, or nil.
func (r *Router) Message(id string) *proto.MeshMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ent, ok := r.queue[id]; ok {
		return ent.msg.Clone()
	}
	return nil
}

// MessageQueue returns the pending messages in arrival order.
func (r *Router) MessageQueue() []*proto.MeshMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*proto.MeshMessage, 0, len(r.order))
	for _, id := range r.order {
		ent := r.queue[id]
		if ent.msg.Status == proto.StatusPending {
			out = append(out, ent.msg.Clone())
		}
	}
	return out
}

func (r *Router) ConnectedDevices() []string {
	return r.peers.Connected()
}

func (r *Router) knownLocked(id string) bool {
	if _, ok := r.queue[id]; ok {
		return true
	}
	return r.seen.Contains(id)
}

func (r *Router) insertLocked(ent *entry) {
	if _, ok := r.queue[ent.msg.ID]; !ok {
		r.order = append(r.order, ent.msg.ID)
	}
	r.queue[ent.msg.ID] = ent
	r.metrics.SetQueued(len(r.queue))
}

func (r *Router) removeLocked(id string) {
	if _, ok := r.queue[id]; !ok {
		return
	}
	delete(r.queue, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.metrics.SetQueued(len(r.queue))
}

func (r *Router) drop(reason, id, from string) {
	r.metrics.IncDropByReason(reason)
	r.log.Debug("mesh drop", zap.String("reason", reason), zap.String("id", id), zap.String("from", from))
}

