// Package syncbridge pushes local records to an optional online store.
// Nothing in the mesh waits on it; records that cannot be pushed are dropped.
package syncbridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"agromesh/internal/metrics"
	"agromesh/internal/proto"
)

type Kind string

const (
	KindMessage           Kind = "message"
	KindPriceShare        Kind = "price_share"
	KindPriceVerification Kind = "price_verification"
)

const (
	DefaultQueueSize   = 256
	DefaultPushTimeout = 10 * time.Second
)

var ErrOffline = errors.New("sync sink offline")

type Record struct {
	Kind     Kind            `json:"kind"`
	ID       string          `json:"id"`
	DeviceID string          `json:"device_id"`
	At       time.Time       `json:"at"`
	Body     json.RawMessage `json:"body"`
}

// Sink is the online collaborator. Implementations need not be safe for
// concurrent use; the Bridge calls them from a single goroutine.
type Sink interface {
	Push(ctx context.Context, rec Record) error
	Online(ctx context.Context) bool
	Close() error
}

type Options struct {
	DeviceID    string
	QueueSize   int
	PushTimeout time.Duration
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

// Bridge decouples producers from the sink with a bounded queue. A nil
// *Bridge accepts and discards everything.
type Bridge struct {
	sink    Sink
	opts    Options
	log     *zap.Logger
	queue   chan Record
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
	stopped sync.WaitGroup
}

func NewBridge(sink Sink, opts Options) *Bridge {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.PushTimeout <= 0 {
		opts.PushTimeout = DefaultPushTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	b := &Bridge{
		sink:  sink,
		opts:  opts,
		log:   log.Named("sync"),
		queue: make(chan Record, opts.QueueSize),
		done:  make(chan struct{}),
	}
	b.stopped.Add(1)
	go b.loop()
	return b
}

func (b *Bridge) PushMessage(msg *proto.MeshMessage) bool {
	if b == nil || msg == nil {
		return false
	}
	wire := msg.Clone()
	if wire.ForwardedBy == nil {
		wire.ForwardedBy = []string{}
	}
	return b.submit(KindMessage, msg.ID, wire)
}

func (b *Bridge) PushPriceShare(p *proto.PriceShare) bool {
	if b == nil || p == nil {
		return false
	}
	return b.submit(KindPriceShare, p.ID, p)
}

func (b *Bridge) PushVerification(v *proto.PriceVerification) bool {
	if b == nil || v == nil {
		return false
	}
	return b.submit(KindPriceVerification, v.ID, v)
}

func (b *Bridge) submit(kind Kind, id string, v any) bool {
	body, err := json.Marshal(v)
	if err != nil {
		b.log.Warn("sync encode failed", zap.String("kind", string(kind)), zap.String("id", id), zap.Error(err))
		return false
	}
	return b.Submit(Record{Kind: kind, ID: id, DeviceID: b.opts.DeviceID, At: b.opts.Now().UTC(), Body: body})
}

// Submit enqueues rec without blocking. It reports false when the record
// was dropped because the queue is full or the bridge is closed.
func (b *Bridge) Submit(rec Record) bool {
	if b == nil {
		return false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false
	}
	select {
	case b.queue <- rec:
		return true
	default:
		b.dropped(rec, "queue_full")
		return false
	}
}

func (b *Bridge) loop() {
	defer b.stopped.Done()
	for rec := range b.queue {
		b.push(rec)
	}
}

func (b *Bridge) push(rec Record) {
	ctx, cancel := context.WithTimeout(context.Background(), b.opts.PushTimeout)
	defer cancel()
	if !b.sink.Online(ctx) {
		b.dropped(rec, "offline")
		return
	}
	if err := b.sink.Push(ctx, rec); err != nil {
		if b.opts.Metrics != nil {
			b.opts.Metrics.IncSyncFailed()
		}
		b.log.Warn("sync push failed", zap.String("kind", string(rec.Kind)), zap.String("id", rec.ID), zap.Error(err))
		return
	}
	if b.opts.Metrics != nil {
		b.opts.Metrics.IncSyncPushed()
	}
}

func (b *Bridge) dropped(rec Record, reason string) {
	if b.opts.Metrics != nil {
		b.opts.Metrics.IncSyncDropped()
	}
	b.log.Debug("sync record dropped", zap.String("kind", string(rec.Kind)), zap.String("id", rec.ID), zap.String("reason", reason))
}

// Close stops accepting records, drains what is queued and closes the sink.
func (b *Bridge) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()
	b.stopped.Wait()
	return b.sink.Close()
}

// Nop is an always-offline sink.
type Nop struct{}

func (Nop) Push(context.Context, Record) error { return ErrOffline }
func (Nop) Online(context.Context) bool        { return false }
func (Nop) Close() error                       { return nil }
