package node

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"agromesh/internal/config"
	"agromesh/internal/metrics"
	"agromesh/internal/proto"
	"agromesh/internal/syncbridge"
	"agromesh/internal/transport"
)

func (n *Node) helloFrame() ([]byte, error) {
	h := proto.Hello{DeviceID: n.deviceID}
	if n.crypto.HasKeyPair() {
		spki, err := n.crypto.ExportPublicKey()
		if err != nil {
			return nil, err
		}
		h.PublicKey = spki
	}
	return proto.EncodeHello(h)
}

func (n *Node) configuredTransport(opts transport.Options) (transport.Transport, error) {
	tc := n.cfg.Transport
	switch strings.ToLower(tc.Kind) {
	case "", "none":
		return nil, nil
	case "quic":
		return transport.NewQUIC(transport.QUICOptions{
			Options:  opts,
			Listen:   tc.Listen,
			Seeds:    tc.Peers,
			Insecure: tc.Insecure,
		})
	default:
		return nil, fmt.Errorf("unknown transport kind: %s", tc.Kind)
	}
}

func newSink(sc config.SyncConfig) (syncbridge.Sink, error) {
	switch strings.ToLower(sc.Kind) {
	case "", "none":
		return syncbridge.Nop{}, nil
	case "kafka":
		return syncbridge.NewKafkaSink(syncbridge.KafkaOptions{
			Brokers:     sc.Brokers,
			TopicPrefix: sc.TopicPrefix,
		})
	case "websocket":
		return syncbridge.NewWebSocketSink(syncbridge.WebSocketOptions{URL: sc.URL})
	default:
		return nil, fmt.Errorf("unknown sync kind: %s", sc.Kind)
	}
}

// onData dispatches one inbound transport frame by its kind.
func (n *Node) onData(ctx context.Context, from string, data []byte) {
	switch proto.Kind(data) {
	case proto.KindHello:
		n.handleHello(from, data)
	case proto.KindMesh:
		raw, err := proto.DecodeMeshPacket(data)
		if err != nil {
			n.metrics.IncDropByReason(metrics.DropDecode)
			n.log.Debug("bad mesh packet", zap.String("peer", from), zap.Error(err))
			return
		}
		if _, err := n.router.ReceiveFrom(ctx, from, raw); err != nil {
			n.log.Debug("mesh receive failed", zap.String("peer", from), zap.Error(err))
		}
	default:
		n.metrics.IncDropByReason(metrics.DropDecode)
		n.log.Debug("unknown frame kind", zap.String("peer", from))
	}
}

// handleHello derives the shared key for the peer from its session public
// key. Peers re-send hello on every connect, so keys track key rotation.
func (n *Node) handleHello(from string, data []byte) {
	h, err := proto.DecodeHello(data)
	if err != nil {
		n.metrics.IncDropByReason(metrics.DropDecode)
		n.log.Debug("bad hello", zap.String("peer", from), zap.Error(err))
		return
	}
	if h.DeviceID != from {
		n.log.Warn("hello device id mismatch", zap.String("peer", from), zap.String("claimed", h.DeviceID))
		return
	}
	if len(h.PublicKey) == 0 {
		return
	}
	if !n.crypto.HasKeyPair() {
		n.log.Debug("hello ignored without session keys", zap.String("peer", from))
		return
	}
	if err := n.crypto.DeriveSharedKeyFromSPKI(h.PublicKey, from); err != nil {
		n.log.Warn("derive shared key failed", zap.String("peer", from), zap.Error(err))
		return
	}
	if err := n.peers.SetPublicKey(from, h.PublicKey); err != nil {
		n.log.Debug("record peer key failed", zap.String("peer", from), zap.Error(err))
	}
}

func (n *Node) onConnection(ctx context.Context, peerID string, up bool) {
	if up {
		if err := n.peers.MarkConnected(peerID, ""); err != nil {
			n.log.Debug("mark connected failed", zap.String("peer", peerID), zap.Error(err))
			return
		}
		n.log.Info("peer connected", zap.String("peer", peerID))
		n.router.PeerConnected(ctx, peerID)
	} else {
		n.peers.MarkDisconnected(peerID)
		n.log.Info("peer disconnected", zap.String("peer", peerID))
		n.router.PeerDisconnected(peerID)
	}
	n.metrics.SetConnected(len(n.peers.Connected()))
}
