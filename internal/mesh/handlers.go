package mesh

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"agromesh/internal/proto"
)

// OnMessage registers fn for messages delivered to this device. Handlers run
// in registration order, outside the router lock, each with its own copy.
func (r *Router) OnMessage(fn func(*proto.MeshMessage)) (unsubscribe func()) {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.onMessage = append(r.onMessage, handler[func(*proto.MeshMessage)]{id: id, fn: fn})
	r.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.onMessage = removeHandler(r.onMessage, id)
		})
	}
}

func (r *Router) OnConnection(fn func(peerID string, up bool)) (unsubscribe func()) {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.onConn = append(r.onConn, handler[func(string, bool)]{id: id, fn: fn})
	r.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.onConn = removeHandler(r.onConn, id)
		})
	}
}

// PeerConnected notifies subscribers and offers every pending relay to the
// new peer.
func (r *Router) PeerConnected(ctx context.Context, peerID string) {
	r.fireConnection(peerID, true)
	r.resend(ctx)
}

func (r *Router) PeerDisconnected(peerID string) {
	r.fireConnection(peerID, false)
}

func (r *Router) dispatch(msg *proto.MeshMessage) {
	r.mu.Lock()
	hs := append([]handler[func(*proto.MeshMessage)](nil), r.onMessage...)
	r.mu.Unlock()
	for _, h := range hs {
		r.safeCall(func() { h.fn(msg.Clone()) })
	}
}

func (r *Router) fireConnection(peerID string, up bool) {
	r.mu.Lock()
	hs := append([]handler[func(string, bool)](nil), r.onConn...)
	r.mu.Unlock()
	for _, h := range hs {
		r.safeCall(func() { h.fn(peerID, up) })
	}
}

func (r *Router) safeCall(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("handler panic", zap.Any("panic", p))
		}
	}()
	fn()
}

func removeHandler[T any](hs []handler[T], id uint64) []handler[T] {
	for i, h := range hs {
		if h.id == id {
			return append(hs[:i:i], hs[i+1:]...)
		}
	}
	return hs
}
