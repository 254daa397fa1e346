// Package transport moves opaque frames between devices. Adapters know
// nothing about routing; they report which device ids are reachable and
// hand every inbound frame to the node.
package transport

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

var (
	ErrNotConnected = errors.New("peer not connected")
	ErrClosed       = errors.New("transport closed")
	ErrNotStarted   = errors.New("transport not started")
)

// Transport is the short-range link adapter the mesh runs on.
type Transport interface {
	// Start begins accepting links. onData receives every inbound frame,
	// including hello frames, tagged with the sending device id.
	Start(ctx context.Context, onData func(peerID string, data []byte)) error
	// Discover lists dial targets that are not connected yet.
	Discover(ctx context.Context) ([]string, error)
	Connect(ctx context.Context, target string) error
	Send(ctx context.Context, peerID string, data []byte) error
	Peers() []string
	OnConnection(fn func(peerID string, up bool))
	Close() error
}

// Options is shared by every adapter.
type Options struct {
	DeviceID string
	// Hello returns the encoded hello frame sent first on every new link.
	Hello  func() ([]byte, error)
	Logger *zap.Logger
}

func (o Options) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// connFunc is called when a device becomes reachable (up) or is lost.
type connFunc func(peerID string, up bool)

type connHandlers struct {
	fns []connFunc
}

func (h *connHandlers) add(fn func(string, bool)) {
	if fn != nil {
		h.fns = append(h.fns, fn)
	}
}

func (h *connHandlers) snapshot() []connFunc {
	out := make([]connFunc, len(h.fns))
	copy(out, h.fns)
	return out
}

func notify(fns []connFunc, peerID string, up bool) {
	for _, fn := range fns {
		fn(peerID, up)
	}
}
