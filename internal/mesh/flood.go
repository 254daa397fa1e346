package mesh

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"agromesh/internal/proto"
)

// flood sends the queued message with id to every connected peer that has
// neither relayed it, sent it, nor already received it from us. Each peer
// gets its own goroutine and timeout; a failed peer keeps the message
// pending for the next Maintain pass.
func (r *Router) flood(ctx context.Context, id string) int {
	if r.tx == nil {
		return 0
	}
	r.mu.Lock()
	ent, ok := r.queue[id]
	if !ok || !ent.relay || ent.msg.Status == proto.StatusExpired {
		r.mu.Unlock()
		return 0
	}
	targets := r.targetsLocked(ent)
	wire := ent.msg.Clone()
	r.mu.Unlock()
	if len(targets) == 0 {
		return 0
	}

	wire.Status = proto.StatusPending
	data, err := proto.EncodeMeshMessage(wire)
	if err != nil {
		r.log.Warn("encode message failed", zap.String("id", id), zap.Error(err))
		return 0
	}
	pkt, err := proto.EncodeMeshPacket(data)
	if err != nil {
		r.log.Warn("encode packet failed", zap.String("id", id), zap.Error(err))
		return 0
	}

	var (
		wg   sync.WaitGroup
		sent atomic.Int32
	)
	for _, target := range targets {
		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			sendCtx, cancel := context.WithTimeout(ctx, r.opts.SendTimeout)
			defer cancel()
			if err := r.tx.Send(sendCtx, target, pkt); err != nil {
				failures := r.peers.RecordFailure(target, err)
				r.metrics.IncSendFailure()
				r.log.Debug("mesh send failed",
					zap.String("id", id),
					zap.String("peer", target),
					zap.Int("failures", failures),
					zap.Error(err))
				return
			}
			r.peers.ResetFailures(target)
			r.mu.Lock()
			if e, ok := r.queue[id]; ok && e.sentTo != nil {
				e.sentTo[target] = true
			}
			r.mu.Unlock()
			sent.Add(1)
			if wire.HopCount > 0 {
				r.metrics.IncForwarded()
			}
		}(target)
	}
	wg.Wait()
	return int(sent.Load())
}

func (r *Router) targetsLocked(ent *entry) []string {
	connected := r.peers.Connected()
	out := make([]string, 0, len(connected))
	for _, id := range connected {
		if id == r.self || id == ent.msg.SenderDeviceID {
			continue
		}
		if ent.msg.HasForwarder(id) || ent.sentTo[id] {
			continue
		}
		out = append(out, id)
	}
	return out
}
