package price

import (
	"context"

	"go.uber.org/zap"

	"agromesh/internal/metrics"
	"agromesh/internal/proto"
)

// Attach feeds price envelopes delivered by the mesh into the cache so that
// peer caches converge. It returns the unsubscribe func.
func (s *Store) Attach(ctx context.Context, sub Subscriber) func() {
	return sub.OnMessage(func(msg *proto.MeshMessage) {
		s.Ingest(ctx, msg)
	})
}

// Ingest applies one inbound message. Content that is not a price envelope
// is ignored.
func (s *Store) Ingest(ctx context.Context, msg *proto.MeshMessage) {
	if msg == nil {
		return
	}
	env, ok, err := proto.DecodePriceEnvelope(msg.Content)
	if !ok {
		return
	}
	if err != nil {
		s.metrics.IncDropByReason(metrics.DropDecode)
		s.log.Debug("bad price envelope", zap.String("msg", msg.ID), zap.Error(err))
		return
	}
	var changed *proto.PriceShare
	switch env.Kind {
	case proto.KindPriceUpdate:
		changed = s.mergeShare(ctx, env.Price)
	case proto.KindPriceVerification:
		changed = s.mergeVerification(ctx, env.Verification)
	}
	if changed != nil {
		s.metrics.IncPriceIngested()
		s.notify(changed)
	}
}

func (s *Store) mergeShare(ctx context.Context, in *proto.PriceShare) *proto.PriceShare {
	if in.Expired(s.now()) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.cache[in.ID]
	if !ok {
		share := in.Clone()
		share.Verifications = share.Verifications[:0]
		s.appendVerifications(share, in.Verifications)
		s.cache[share.ID] = share
		s.persistLocked(ctx)
		return share.Clone()
	}
	if !s.appendVerifications(cur, in.Verifications) {
		return nil
	}
	s.persistLocked(ctx)
	return cur.Clone()
}

func (s *Store) mergeVerification(ctx context.Context, v *proto.PriceVerification) *proto.PriceShare {
	s.mu.Lock()
	defer s.mu.Unlock()
	share, ok := s.cache[v.PriceID]
	if !ok || share.Expired(s.now()) {
		return nil
	}
	if !s.appendVerifications(share, []proto.PriceVerification{*v}) {
		return nil
	}
	s.persistLocked(ctx)
	return share.Clone()
}

// appendVerifications adds the unseen verifications of share with their
// confidence reset to the fixed score of their type. Verifications naming
// another share are dropped.
func (s *Store) appendVerifications(share *proto.PriceShare, vs []proto.PriceVerification) bool {
	added := false
	for _, v := range vs {
		if share.HasVerification(v.ID) {
			continue
		}
		if v.SuggestedPrice != nil {
			sp := *v.SuggestedPrice
			v.SuggestedPrice = &sp
		}
		if !v.Canonicalize(share.ID) {
			s.metrics.IncDropByReason(metrics.DropDecode)
			s.log.Debug("foreign verification dropped", zap.String("price", share.ID), zap.String("verification", v.ID))
			continue
		}
		share.Verifications = append(share.Verifications, v)
		added = true
	}
	share.VerificationCount = len(share.Verifications)
	return added
}
