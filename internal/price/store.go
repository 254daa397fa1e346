// Package price keeps the device's view of crowd-sourced commodity prices and
// the verifications other devices attached to them.
package price

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"agromesh/internal/crypto"
	"agromesh/internal/mesh"
	"agromesh/internal/metrics"
	"agromesh/internal/proto"
	"agromesh/internal/store"
	"agromesh/internal/syncbridge"
)

const (
	DefaultShareMaxHops        = 5
	DefaultVerificationMaxHops = 3
)

var (
	ErrInvalidVerificationType = errors.New("invalid verification type")
	ErrInvalidShare            = errors.New("invalid price share")
	ErrMissingDependency       = errors.New("price: missing dependency")
)

// Broadcaster floods price envelopes over the mesh.
type Broadcaster interface {
	Send(ctx context.Context, content, recipient string, opts mesh.SendOptions) (*proto.MeshMessage, error)
}

// Subscriber delivers inbound mesh messages.
type Subscriber interface {
	OnMessage(fn func(*proto.MeshMessage)) func()
}

type Options struct {
	DeviceID string
	UserID   string
	// Location and County are stamped on verifications made here.
	Location string
	County   string

	Store   store.KV
	Router  Broadcaster
	Sync    *syncbridge.Bridge
	Metrics *metrics.Metrics
	Logger  *zap.Logger
	Now     func() time.Time

	ShareMaxHops        int
	VerificationMaxHops int
}

type ShareInput struct {
	Commodity    string
	Price        float64
	Unit         string
	Location     string
	County       string
	MarketName   string
	QualityGrade string
	SharedByUser string
}

type priceHandler struct {
	id uint64
	fn func(*proto.PriceShare)
}

type Store struct {
	opts    Options
	kv      store.KV
	router  Broadcaster
	sync    *syncbridge.Bridge
	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	cache    map[string]*proto.PriceShare
	handlers []priceHandler
	nextID   uint64
}

// New loads the persisted cache and drops whatever expired meanwhile.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.DeviceID == "" || opts.Store == nil {
		return nil, ErrMissingDependency
	}
	if opts.ShareMaxHops <= 0 {
		opts.ShareMaxHops = DefaultShareMaxHops
	}
	if opts.VerificationMaxHops <= 0 {
		opts.VerificationMaxHops = DefaultVerificationMaxHops
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
	s := &Store{
		opts:    opts,
		kv:      opts.Store,
		router:  opts.Router,
		sync:    opts.Sync,
		metrics: opts.Metrics,
		log:     log.Named("price"),
		now:     opts.Now,
		cache:   make(map[string]*proto.PriceShare),
	}
	s.load(ctx)
	return s, nil
}

// Share records a new price report and floods it with a wider hop budget
// than ordinary messages.
func (s *Store) Share(ctx context.Context, in ShareInput) (*proto.PriceShare, error) {
	commodity := strings.TrimSpace(in.Commodity)
	if commodity == "" {
		return nil, fmt.Errorf("%w: missing commodity", ErrInvalidShare)
	}
	if in.Price < 0 || math.IsNaN(in.Price) || math.IsInf(in.Price, 0) {
		return nil, fmt.Errorf("%w: bad price %v", ErrInvalidShare, in.Price)
	}
	id, err := crypto.GenerateSecureID()
	if err != nil {
		return nil, err
	}
	now := s.now()
	share := &proto.PriceShare{
		ID:             id,
		Commodity:      commodity,
		Price:          in.Price,
		Unit:           in.Unit,
		Location:       in.Location,
		County:         in.County,
		MarketName:     in.MarketName,
		QualityGrade:   in.QualityGrade,
		SharedByDevice: s.opts.DeviceID,
		SharedByUser:   firstNonEmpty(in.SharedByUser, s.opts.UserID),
		Timestamp:      now,
		ExpiresAt:      now.Add(proto.PriceTTL),
		Verifications:  []proto.PriceVerification{},
	}

	s.mu.Lock()
	s.cache[share.ID] = share
	out := share.Clone()
	s.persistLocked(ctx)
	s.mu.Unlock()

	s.metrics.IncPriceShared()
	s.notify(out)
	s.sync.PushPriceShare(out)
	if content, err := proto.EncodePriceUpdate(out); err != nil {
		s.log.Warn("encode price update failed", zap.String("id", out.ID), zap.Error(err))
	} else {
		s.broadcast(ctx, content, s.opts.ShareMaxHops)
	}
	return out, nil
}

// Verify attaches a verification to a known share. An unknown or expired
// share yields (nil, nil): the share may simply not have propagated yet.
func (s *Store) Verify(ctx context.Context, priceID string, vtype proto.VerificationType, suggested *float64) (*proto.PriceVerification, error) {
	confidence, ok := vtype.Confidence()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidVerificationType, vtype)
	}
	id, err := crypto.GenerateSecureID()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.evictLocked(ctx)
	share, ok := s.cache[priceID]
	if !ok {
		s.mu.Unlock()
		return nil, nil
	}
	v := proto.PriceVerification{
		ID:               id,
		PriceID:          priceID,
		VerifierDeviceID: s.opts.DeviceID,
		VerifierUserID:   s.opts.UserID,
		Type:             vtype,
		ConfidenceScore:  confidence,
		Location:         firstNonEmpty(s.opts.Location, share.Location),
		County:           firstNonEmpty(s.opts.County, share.County),
		Timestamp:        s.now(),
	}
	if suggested != nil {
		sp := *suggested
		v.SuggestedPrice = &sp
	}
	share.Verifications = append(share.Verifications, v)
	share.VerificationCount = len(share.Verifications)
	updated := share.Clone()
	s.persistLocked(ctx)
	s.mu.Unlock()

	s.metrics.IncPriceVerified()
	s.sync.PushVerification(&v)
	s.notify(updated)
	if content, err := proto.EncodePriceVerification(&v); err != nil {
		s.log.Warn("encode verification failed", zap.String("id", v.ID), zap.Error(err))
	} else {
		s.broadcast(ctx, content, s.opts.VerificationMaxHops)
	}
	out := v
	return &out, nil
}

func (s *Store) broadcast(ctx context.Context, content string, maxHops int) {
	if s.router == nil {
		return
	}
	if _, err := s.router.Send(ctx, content, "", mesh.SendOptions{
		SenderID: s.opts.UserID,
		MaxHops:  maxHops,
		Type:     proto.MessageBroadcast,
	}); err != nil {
		s.log.Warn("price broadcast failed", zap.Error(err))
	}
}

// CachedPrices returns every live share, newest first.
func (s *Store) CachedPrices(ctx context.Context) []*proto.PriceShare {
	return s.query(ctx, func(*proto.PriceShare) bool { return true })
}

// PricesByCommodity matches the commodity name case-insensitively.
func (s *Store) PricesByCommodity(ctx context.Context, commodity string) []*proto.PriceShare {
	name := strings.TrimSpace(commodity)
	return s.query(ctx, func(p *proto.PriceShare) bool {
		return strings.EqualFold(p.Commodity, name)
	})
}

// VerifiedPrices returns live shares with at least min verifications.
func (s *Store) VerifiedPrices(ctx context.Context, min int) []*proto.PriceShare {
	return s.query(ctx, func(p *proto.PriceShare) bool {
		return p.VerificationCount >= min
	})
}

// Price returns a live share by id.
func (s *Store) Price(ctx context.Context, id string) (*proto.PriceShare, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(ctx)
	p, ok := s.cache[id]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

func (s *Store) query(ctx context.Context, keep func(*proto.PriceShare) bool) []*proto.PriceShare {
	s.mu.Lock()
	s.evictLocked(ctx)
	out := make([]*proto.PriceShare, 0, len(s.cache))
	for _, p := range s.cache {
		if keep(p) {
			out = append(out, p.Clone())
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// OnPrice registers fn for new shares and for verifications on known ones.
func (s *Store) OnPrice(fn func(*proto.PriceShare)) (unsubscribe func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.handlers = append(s.handlers, priceHandler{id: id, fn: fn})
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, h := range s.handlers {
				if h.id == id {
					s.handlers = append(s.handlers[:i:i], s.handlers[i+1:]...)
					return
				}
			}
		})
	}
}

func (s *Store) notify(p *proto.PriceShare) {
	s.mu.Lock()
	hs := append([]priceHandler(nil), s.handlers...)
	s.mu.Unlock()
	for _, h := range hs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("price handler panic", zap.Any("panic", r))
				}
			}()
			h.fn(p.Clone())
		}()
	}
}

func (s *Store) load(ctx context.Context) {
	var shares []*proto.PriceShare
	ok, err := store.GetJSON(ctx, s.kv, store.KeyPriceCache, &shares)
	if err != nil {
		s.log.Warn("load price cache failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range shares {
		if p == nil || p.Validate() != nil {
			continue
		}
		s.cache[p.ID] = p
	}
	s.evictLocked(ctx)
}

// evictLocked drops expired shares and persists when anything went.
func (s *Store) evictLocked(ctx context.Context) int {
	now := s.now()
	n := 0
	for id, p := range s.cache {
		if p.Expired(now) {
			delete(s.cache, id)
			n++
		}
	}
	if n > 0 {
		s.persistLocked(ctx)
	}
	return n
}

func (s *Store) persistLocked(ctx context.Context) {
	shares := make([]*proto.PriceShare, 0, len(s.cache))
	for _, p := range s.cache {
		shares = append(shares, p)
	}
	sort.Slice(shares, func(i, j int) bool { return shares[i].ID < shares[j].ID })
	if err := store.PutJSON(ctx, s.kv, store.KeyPriceCache, shares); err != nil {
		s.log.Warn("persist price cache failed", zap.Error(err))
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
