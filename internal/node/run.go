package node

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Start starts the transport and dials the configured seeds. It is a no-op
// without a transport and only runs once.
func (n *Node) Start(ctx context.Context) error {
	n.startOnce.Do(func() {
		if n.tx == nil {
			return
		}
		bg := context.WithoutCancel(ctx)
		n.tx.OnConnection(func(peerID string, up bool) {
			n.onConnection(bg, peerID, up)
		})
		if err := n.tx.Start(ctx, func(from string, data []byte) {
			n.onData(bg, from, data)
		}); err != nil {
			n.startErr = err
			return
		}
		n.discover(ctx)
	})
	return n.startErr
}

// Connect links to a transport target: a device id for in-process links or
// host:port for QUIC.
func (n *Node) Connect(ctx context.Context, target string) error {
	if n.tx == nil {
		return errors.New("node has no transport")
	}
	return n.tx.Connect(ctx, target)
}

// Run starts the node and blocks until ctx is done, sweeping the queue,
// redialing seeds and writing metrics snapshots.
func (n *Node) Run(ctx context.Context) error {
	if err := n.Start(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-n.closed:
			cancel()
		case <-ctx.Done():
		}
	}()
	done := make(chan error, 1)
	go func() { done <- n.router.Run(ctx) }()

	t := time.NewTicker(n.tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			<-done
			return nil
		case <-t.C:
			n.discover(ctx)
			if err := n.peers.Save(ctx, n.kv); err != nil {
				n.log.Debug("save peers failed", zap.Error(err))
			}
			n.writeSnapshot()
		}
	}
}

func (n *Node) discover(ctx context.Context) {
	if n.tx == nil || n.manual {
		return
	}
	targets, err := n.tx.Discover(ctx)
	if err != nil {
		n.log.Debug("discover failed", zap.Error(err))
		return
	}
	for _, target := range targets {
		if err := n.tx.Connect(ctx, target); err != nil {
			n.log.Debug("connect failed", zap.String("target", target), zap.Error(err))
		}
	}
}
