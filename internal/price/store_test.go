package price_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"agromesh/internal/mesh"
	"agromesh/internal/metrics"
	"agromesh/internal/price"
	"agromesh/internal/proto"
	"agromesh/internal/store"
	"agromesh/internal/testutil"
)

// bus delivers every broadcast to all other attached stores.
type bus struct {
	mu     sync.Mutex
	stores map[string]*price.Store
	sent   []mesh.SendOptions
}

type busPort struct {
	b    *bus
	self string
}

func (p busPort) Send(ctx context.Context, content, recipient string, opts mesh.SendOptions) (*proto.MeshMessage, error) {
	p.b.mu.Lock()
	p.b.sent = append(p.b.sent, opts)
	targets := make([]*price.Store, 0, len(p.b.stores))
	for id, s := range p.b.stores {
		if id != p.self {
			targets = append(targets, s)
		}
	}
	p.b.mu.Unlock()
	msg := &proto.MeshMessage{ID: "bus", SenderDeviceID: p.self, Content: content, RecipientDeviceID: recipient}
	for _, s := range targets {
		s.Ingest(ctx, msg)
	}
	return msg, nil
}

type cluster struct {
	bus   *bus
	clock *testutil.Clock
}

func newCluster() *cluster {
	return &cluster{
		bus:   &bus{stores: map[string]*price.Store{}},
		clock: testutil.NewClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)),
	}
}

func (c *cluster) device(t *testing.T, id string, kv store.KV) *price.Store {
	t.Helper()
	s, err := price.New(context.Background(), price.Options{
		DeviceID: id,
		Store:    kv,
		Router:   busPort{b: c.bus, self: id},
		Now:      c.clock.Now,
		Location: "Nakuru Central",
		County:   "Nakuru",
	})
	if err != nil {
		t.Fatalf("price.New: %v", err)
	}
	c.bus.mu.Lock()
	c.bus.stores[id] = s
	c.bus.mu.Unlock()
	return s
}

var maize = price.ShareInput{
	Commodity:  "Maize",
	Price:      50,
	Unit:       "kg",
	Location:   "Nakuru Central",
	County:     "Nakuru",
	MarketName: "Nakuru Central Market",
}

func TestShareThenQueryByCommodity(t *testing.T) {
	c := newCluster()
	a := c.device(t, "dev-A", store.NewMemory())
	ctx := context.Background()
	share, err := a.Share(ctx, maize)
	if err != nil {
		t.Fatalf("Share: %v", err)
	}
	got := a.PricesByCommodity(ctx, "maize")
	if len(got) != 1 || got[0].ID != share.ID || got[0].VerificationCount != 0 {
		t.Fatalf("unexpected query result: %+v", got)
	}
	if !share.ExpiresAt.Equal(share.Timestamp.Add(24 * time.Hour)) {
		t.Fatalf("expected 24h expiry, got %s -> %s", share.Timestamp, share.ExpiresAt)
	}
	if len(a.PricesByCommodity(ctx, "beans")) != 0 {
		t.Fatalf("unexpected match for other commodity")
	}
	if c.bus.sent[0].MaxHops != 5 {
		t.Fatalf("share should flood with max hops 5, got %d", c.bus.sent[0].MaxHops)
	}
}

func TestShareRejectsBadInput(t *testing.T) {
	c := newCluster()
	a := c.device(t, "dev-A", store.NewMemory())
	cases := []price.ShareInput{
		{Commodity: "", Price: 10},
		{Commodity: "Beans", Price: -1},
	}
	for _, in := range cases {
		if _, err := a.Share(context.Background(), in); !errors.Is(err, price.ErrInvalidShare) {
			t.Fatalf("expected ErrInvalidShare for %+v, got %v", in, err)
		}
	}
}

func TestVerifyConfidenceByType(t *testing.T) {
	cases := []struct {
		vtype proto.VerificationType
		want  float64
	}{
		{proto.VerifyConfirm, 0.8},
		{proto.VerifyDispute, 0.2},
		{proto.VerifyUpdate, 0.5},
	}
	for _, tc := range cases {
		t.Run(string(tc.vtype), func(t *testing.T) {
			c := newCluster()
			a := c.device(t, "dev-A", store.NewMemory())
			ctx := context.Background()
			share, _ := a.Share(ctx, maize)
			v, err := a.Verify(ctx, share.ID, tc.vtype, nil)
			if err != nil || v == nil {
				t.Fatalf("Verify: %v %v", v, err)
			}
			if v.ConfidenceScore != tc.want {
				t.Fatalf("confidence %v want %v", v.ConfidenceScore, tc.want)
			}
			p, _ := a.Price(ctx, share.ID)
			if p.VerificationCount != 1 || len(p.Verifications) != 1 {
				t.Fatalf("count not incremented: %+v", p)
			}
		})
	}
}

func TestVerifyUnknownAndInvalid(t *testing.T) {
	c := newCluster()
	a := c.device(t, "dev-A", store.NewMemory())
	ctx := context.Background()
	v, err := a.Verify(ctx, "missing", proto.VerifyConfirm, nil)
	if err != nil || v != nil {
		t.Fatalf("unknown share should yield nil, nil; got %v %v", v, err)
	}
	share, _ := a.Share(ctx, maize)
	if _, err := a.Verify(ctx, share.ID, "maybe", nil); !errors.Is(err, price.ErrInvalidVerificationType) {
		t.Fatalf("expected ErrInvalidVerificationType, got %v", err)
	}
}

func TestConsensusScenario(t *testing.T) {
	c := newCluster()
	a := c.device(t, "dev-A", store.NewMemory())
	b := c.device(t, "dev-B", store.NewMemory())
	third := c.device(t, "dev-C", store.NewMemory())
	ctx := context.Background()

	share, err := a.Share(ctx, maize)
	if err != nil {
		t.Fatalf("Share: %v", err)
	}
	if share.ExpiresAt.Sub(share.Timestamp) != 86400000*time.Millisecond || share.VerificationCount != 0 {
		t.Fatalf("unexpected share: %+v", share)
	}

	v1, err := b.Verify(ctx, share.ID, proto.VerifyConfirm, nil)
	if err != nil || v1 == nil || v1.ConfidenceScore != 0.8 {
		t.Fatalf("b confirm: %+v %v", v1, err)
	}
	if p, _ := b.Price(ctx, share.ID); p.VerificationCount != 1 {
		t.Fatalf("expected count 1 on b, got %d", p.VerificationCount)
	}
	v2, err := third.Verify(ctx, share.ID, proto.VerifyDispute, nil)
	if err != nil || v2 == nil || v2.ConfidenceScore != 0.2 {
		t.Fatalf("third dispute: %+v %v", v2, err)
	}

	for _, s := range []*price.Store{a, b, third} {
		if got := s.VerifiedPrices(ctx, 2); len(got) != 1 || got[0].ID != share.ID {
			t.Fatalf("expected share in VerifiedPrices(2), got %+v", got)
		}
		if got := s.VerifiedPrices(ctx, 3); len(got) != 0 {
			t.Fatalf("VerifiedPrices(3) should be empty, got %+v", got)
		}
	}

	sum, ok := a.Consensus(ctx, share.ID)
	if !ok || sum.Confirms != 1 || sum.Disputes != 1 || sum.MeanConfidence != 0.5 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
}

func TestVerifiedPricesExcludesExpired(t *testing.T) {
	c := newCluster()
	a := c.device(t, "dev-A", store.NewMemory())
	ctx := context.Background()
	share, _ := a.Share(ctx, maize)
	_, _ = a.Verify(ctx, share.ID, proto.VerifyConfirm, nil)
	_, _ = a.Verify(ctx, share.ID, proto.VerifyConfirm, nil)
	if len(a.VerifiedPrices(ctx, 2)) != 1 {
		t.Fatalf("expected verified share")
	}
	c.clock.Advance(25 * time.Hour)
	if got := a.VerifiedPrices(ctx, 2); len(got) != 0 {
		t.Fatalf("expired share returned: %+v", got)
	}
	if v, err := a.Verify(ctx, share.ID, proto.VerifyConfirm, nil); v != nil || err != nil {
		t.Fatalf("verify on evicted share should be nil, nil")
	}
}

func TestEvictionPersistsAndReloads(t *testing.T) {
	c := newCluster()
	kv := store.NewMemory()
	a := c.device(t, "dev-A", kv)
	ctx := context.Background()
	old, _ := a.Share(ctx, maize)
	c.clock.Advance(20 * time.Hour)
	fresh, _ := a.Share(ctx, price.ShareInput{Commodity: "Beans", Price: 120, Unit: "kg"})

	reloaded := c.device(t, "dev-A2", kv)
	if got := reloaded.CachedPrices(ctx); len(got) != 2 || got[0].ID != fresh.ID {
		t.Fatalf("expected both shares newest first, got %+v", got)
	}

	c.clock.Advance(5 * time.Hour)
	if got := a.CachedPrices(ctx); len(got) != 1 || got[0].ID != fresh.ID {
		t.Fatalf("expected only fresh share, got %+v", got)
	}
	again := c.device(t, "dev-A3", kv)
	if _, ok := again.Price(ctx, old.ID); ok {
		t.Fatalf("evicted share survived reload")
	}
}

func TestIngestIgnoresOtherContent(t *testing.T) {
	c := newCluster()
	m := metrics.New()
	s, err := price.New(context.Background(), price.Options{DeviceID: "dev-A", Store: store.NewMemory(), Metrics: m, Now: c.clock.Now})
	if err != nil {
		t.Fatalf("price.New: %v", err)
	}
	s.Ingest(context.Background(), &proto.MeshMessage{Content: "hello there"})
	s.Ingest(context.Background(), &proto.MeshMessage{Content: `{"kind":"price_update","proto_version":"1"}`})
	if len(s.CachedPrices(context.Background())) != 0 {
		t.Fatalf("non-price content changed the cache")
	}
	if m.Snapshot().DropByReason[metrics.DropDecode] != 1 {
		t.Fatalf("malformed envelope not counted")
	}
}

func TestOnPriceNotifiesAndUnsubscribes(t *testing.T) {
	c := newCluster()
	a := c.device(t, "dev-A", store.NewMemory())
	b := c.device(t, "dev-B", store.NewMemory())
	var seen []string
	unsub := b.OnPrice(func(p *proto.PriceShare) { seen = append(seen, p.Commodity) })
	ctx := context.Background()
	_, _ = a.Share(ctx, maize)
	unsub()
	_, _ = a.Share(ctx, price.ShareInput{Commodity: "Beans", Price: 1})
	if len(seen) != 1 || seen[0] != "Maize" {
		t.Fatalf("unexpected notifications: %v", seen)
	}
}

func TestSummarizeMedian(t *testing.T) {
	p60, p40, p55 := 60.0, 40.0, 55.0
	sum := price.Summarize(&proto.PriceShare{
		ID: "p",
		Verifications: []proto.PriceVerification{
			{Type: proto.VerifyUpdate, ConfidenceScore: 0.5, SuggestedPrice: &p60},
			{Type: proto.VerifyUpdate, ConfidenceScore: 0.5, SuggestedPrice: &p40},
			{Type: proto.VerifyUpdate, ConfidenceScore: 0.5, SuggestedPrice: &p55},
			{Type: proto.VerifyConfirm, ConfidenceScore: 0.8},
		},
	})
	if sum.Updates != 3 || sum.Confirms != 1 {
		t.Fatalf("unexpected tallies: %+v", sum)
	}
	if sum.MedianSuggested == nil || *sum.MedianSuggested != 55 {
		t.Fatalf("unexpected median: %v", sum.MedianSuggested)
	}
}

func ingestEnvelope(t *testing.T, s *price.Store, content string) {
	t.Helper()
	s.Ingest(context.Background(), &proto.MeshMessage{ID: "remote", SenderDeviceID: "dev-X", Content: content})
}

func TestIngestResetsForgedConfidence(t *testing.T) {
	c := newCluster()
	a := c.device(t, "dev-A", store.NewMemory())
	ctx := context.Background()
	share, _ := a.Share(ctx, maize)

	forged := proto.PriceVerification{
		ID: "v-forged", PriceID: share.ID, VerifierDeviceID: "dev-X",
		Type: proto.VerifyConfirm, ConfidenceScore: 0.99, Timestamp: c.clock.Now(),
	}
	content, err := proto.EncodePriceVerification(&forged)
	if err != nil {
		t.Fatalf("EncodePriceVerification: %v", err)
	}
	ingestEnvelope(t, a, content)

	p, _ := a.Price(ctx, share.ID)
	if p.VerificationCount != 1 || p.Verifications[0].ConfidenceScore != 0.8 {
		t.Fatalf("forged confidence kept: %+v", p.Verifications)
	}
	if sum, _ := a.Consensus(ctx, share.ID); sum.MeanConfidence != 0.8 {
		t.Fatalf("mean confidence %v, want 0.8", sum.MeanConfidence)
	}
}

func TestIngestShareFiltersVerifications(t *testing.T) {
	c := newCluster()
	a := c.device(t, "dev-A", store.NewMemory())
	ctx := context.Background()
	now := c.clock.Now()
	remote := &proto.PriceShare{
		ID: "p-remote", Commodity: "Beans", Price: 120, Unit: "kg",
		SharedByDevice: "dev-X", Timestamp: now, ExpiresAt: now.Add(proto.PriceTTL),
		Verifications: []proto.PriceVerification{
			{ID: "v1", PriceID: "p-remote", Type: proto.VerifyDispute, ConfidenceScore: 1},
			{ID: "v2", PriceID: "p-other", Type: proto.VerifyConfirm, ConfidenceScore: 0.8},
		},
		VerificationCount: 2,
	}
	content, err := proto.EncodePriceUpdate(remote)
	if err != nil {
		t.Fatalf("EncodePriceUpdate: %v", err)
	}
	ingestEnvelope(t, a, content)

	p, ok := a.Price(ctx, "p-remote")
	if !ok {
		t.Fatalf("remote share not ingested")
	}
	if p.VerificationCount != 1 || p.Verifications[0].ID != "v1" || p.Verifications[0].ConfidenceScore != 0.2 {
		t.Fatalf("unexpected verifications: %+v", p.Verifications)
	}
}

func TestIngestRejectsStretchedExpiry(t *testing.T) {
	c := newCluster()
	m := metrics.New()
	s, err := price.New(context.Background(), price.Options{DeviceID: "dev-A", Store: store.NewMemory(), Metrics: m, Now: c.clock.Now})
	if err != nil {
		t.Fatalf("price.New: %v", err)
	}
	now := c.clock.Now()
	remote := &proto.PriceShare{
		ID: "p-long", Commodity: "Maize", Price: 50, Unit: "kg",
		SharedByDevice: "dev-X", Timestamp: now, ExpiresAt: now.Add(365 * 24 * time.Hour),
		Verifications: []proto.PriceVerification{},
	}
	content, err := proto.EncodePriceUpdate(remote)
	if err != nil {
		t.Fatalf("EncodePriceUpdate: %v", err)
	}
	ingestEnvelope(t, s, content)
	if got := s.CachedPrices(context.Background()); len(got) != 0 {
		t.Fatalf("share with stretched expiry accepted: %+v", got)
	}
	if m.Snapshot().DropByReason[metrics.DropDecode] != 1 {
		t.Fatalf("stretched expiry not counted as a decode drop")
	}

	c.clock.Advance(48 * time.Hour)
	if got := s.CachedPrices(context.Background()); len(got) != 0 {
		t.Fatalf("share survived past 24h: %+v", got)
	}
}
