package node

import (
	"context"

	"agromesh/internal/mesh"
	"agromesh/internal/peer"
	"agromesh/internal/price"
	"agromesh/internal/proto"
)

// SendMessage queues content for recipient, or for everyone when recipient
// is empty, filling unset hop and TTL limits from the mesh config.
func (n *Node) SendMessage(ctx context.Context, content, recipient string, opts mesh.SendOptions) (*proto.MeshMessage, error) {
	if opts.MaxHops <= 0 {
		opts.MaxHops = n.cfg.Mesh.MaxHops
	}
	if opts.TTL <= 0 {
		opts.TTL = n.cfg.Mesh.TTL
	}
	if opts.SenderID == "" {
		opts.SenderID = n.cfg.Node.UserID
	}
	return n.router.Send(ctx, content, recipient, opts)
}

// ReceiveMessage applies one encoded message as if a peer had delivered it.
func (n *Node) ReceiveMessage(ctx context.Context, raw []byte) (*proto.MeshMessage, error) {
	return n.router.Receive(ctx, raw)
}

func (n *Node) Message(id string) *proto.MeshMessage {
	return n.router.Message(id)
}

func (n *Node) MessageQueue() []*proto.MeshMessage {
	return n.router.MessageQueue()
}

func (n *Node) ConnectedDevices() []string {
	return n.router.ConnectedDevices()
}

func (n *Node) Peers() []peer.Peer {
	return n.peers.List()
}

// Maintain runs one sweep and retry pass.
func (n *Node) Maintain(ctx context.Context) (expired, resent int) {
	return n.router.Maintain(ctx)
}

func (n *Node) OnMessage(fn func(*proto.MeshMessage)) func() {
	return n.router.OnMessage(fn)
}

func (n *Node) OnConnection(fn func(peerID string, up bool)) func() {
	return n.router.OnConnection(fn)
}

func (n *Node) SharePrice(ctx context.Context, in price.ShareInput) (*proto.PriceShare, error) {
	return n.prices.Share(ctx, in)
}

func (n *Node) VerifyPrice(ctx context.Context, priceID string, vtype proto.VerificationType, suggested *float64) (*proto.PriceVerification, error) {
	return n.prices.Verify(ctx, priceID, vtype, suggested)
}

func (n *Node) CachedPrices(ctx context.Context) []*proto.PriceShare {
	return n.prices.CachedPrices(ctx)
}

func (n *Node) PricesByCommodity(ctx context.Context, commodity string) []*proto.PriceShare {
	return n.prices.PricesByCommodity(ctx, commodity)
}

func (n *Node) VerifiedPrices(ctx context.Context, min int) []*proto.PriceShare {
	return n.prices.VerifiedPrices(ctx, min)
}

func (n *Node) PriceConsensus(ctx context.Context, priceID string) (price.Summary, bool) {
	return n.prices.Consensus(ctx, priceID)
}

func (n *Node) OnPrice(fn func(*proto.PriceShare)) func() {
	return n.prices.OnPrice(fn)
}
