package mesh

import (
	"context"
	"time"

	"go.uber.org/zap"

	"agromesh/internal/proto"
	"agromesh/internal/store"
)

type queueRecord struct {
	Message *proto.MeshMessage `json:"message"`
	Relay   bool               `json:"relay,omitempty"`
}

func (r *Router) load(ctx context.Context) {
	var records []queueRecord
	ok, err := store.GetJSON(ctx, r.kv, store.KeyMessageQueue, &records)
	if err != nil {
		r.log.Warn("load queue failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		if rec.Message == nil || rec.Message.Validate() != nil {
			continue
		}
		r.insertLocked(&entry{msg: rec.Message, relay: rec.Relay, sentTo: map[string]bool{}})
	}
	if n := r.sweepLocked(); n > 0 {
		r.persistLocked(ctx)
	}
	r.log.Info("queue restored", zap.Int("messages", len(r.queue)))
}

// persistLocked writes the whole queue. Failures are logged; the in-memory
// queue stays authoritative until the next successful write.
func (r *Router) persistLocked(ctx context.Context) {
	records := make([]queueRecord, 0, len(r.order))
	for _, id := range r.order {
		ent := r.queue[id]
		records = append(records, queueRecord{Message: ent.msg, Relay: ent.relay})
	}
	if err := store.PutJSON(ctx, r.kv, store.KeyMessageQueue, records); err != nil {
		r.log.Warn("persist queue failed", zap.Error(err))
	}
}

// sweepLocked marks expired entries, drops them from the queue and
// remembers their ids so late copies are still suppressed.
func (r *Router) sweepLocked() int {
	now := r.now()
	var expired []string
	for _, id := range r.order {
		if ent := r.queue[id]; ent.msg.Expired(now) {
			ent.msg.Status = proto.StatusExpired
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		r.seen.Add(id, struct{}{})
		r.removeLocked(id)
	}
	if len(expired) > 0 {
		r.metrics.AddExpired(len(expired))
	}
	return len(expired)
}

// Maintain sweeps expired messages and retries pending relays on peers that
// have not received them yet.
func (r *Router) Maintain(ctx context.Context) (expired, resent int) {
	r.mu.Lock()
	expired = r.sweepLocked()
	if expired > 0 {
		r.persistLocked(ctx)
	}
	r.mu.Unlock()
	return expired, r.resend(ctx)
}

func (r *Router) resend(ctx context.Context) int {
	r.mu.Lock()
	ids := make([]string, 0, len(r.order))
	for _, id := range r.order {
		if r.queue[id].relay {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()
	n := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		n += r.flood(ctx, id)
	}
	return n
}

// Run calls Maintain every SweepInterval until ctx is done.
func (r *Router) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			expired, resent := r.Maintain(ctx)
			r.metrics.SetConnected(len(r.peers.Connected()))
			if expired > 0 || resent > 0 {
				r.log.Debug("mesh maintenance", zap.Int("expired", expired), zap.Int("resent", resent))
			}
		}
	}
}
