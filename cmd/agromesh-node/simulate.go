package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"agromesh/internal/config"
	"agromesh/internal/mesh"
	"agromesh/internal/node"
	"agromesh/internal/price"
	"agromesh/internal/proto"
	"agromesh/internal/store"
	"agromesh/internal/transport"
)

// runSimulate links three in-process devices A-B-C in a line and walks a
// broadcast and a price consensus round across them.
func runSimulate(args []string, stdout, stderr io.Writer) int {
	if len(args) > 0 {
		fmt.Fprintln(stderr, "usage: agromesh-node simulate")
		return 1
	}
	ctx := context.Background()
	tmp, err := os.MkdirTemp("", "agromesh-sim-")
	if err != nil {
		fmt.Fprintf(stderr, "simulate: %v\n", err)
		return 1
	}
	defer os.RemoveAll(tmp)

	hub := transport.NewHub()
	join := func(opts transport.Options) (transport.Transport, error) {
		return hub.Join(opts), nil
	}
	names := []string{"A", "B", "C"}
	nodes := make([]*node.Node, 0, len(names))
	for _, name := range names {
		cfg := config.Default(tmp + "/" + name)
		cfg.Node.Location = "Nakuru Central"
		cfg.Node.County = "Nakuru"
		n, err := node.New(ctx, node.Options{
			Config:        cfg,
			Store:         store.NewMemory(),
			Transport:     join,
			Logger:        zap.NewNop(),
			ManualConnect: true,
		})
		if err != nil {
			fmt.Fprintf(stderr, "simulate: %v\n", err)
			return 1
		}
		defer n.Close()
		if err := n.Start(ctx); err != nil {
			fmt.Fprintf(stderr, "simulate: %v\n", err)
			return 1
		}
		label := name
		n.OnMessage(func(m *proto.MeshMessage) {
			if _, ok, _ := proto.DecodePriceEnvelope(m.Content); ok {
				return
			}
			fmt.Fprintf(stdout, "[%s] received %q hops=%d\n", label, m.Content, m.HopCount)
		})
		nodes = append(nodes, n)
	}
	for i := 0; i+1 < len(nodes); i++ {
		if err := nodes[i].Connect(ctx, nodes[i+1].DeviceID()); err != nil {
			fmt.Fprintf(stderr, "simulate: connect: %v\n", err)
			return 1
		}
	}
	a, b, c := nodes[0], nodes[1], nodes[2]

	if _, err := a.SendMessage(ctx, "Rain expected this afternoon", "", mesh.SendOptions{}); err != nil {
		fmt.Fprintf(stderr, "simulate: send: %v\n", err)
		return 1
	}
	if _, err := a.SendMessage(ctx, "Your maize order is ready", c.DeviceID(), mesh.SendOptions{}); err != nil {
		fmt.Fprintf(stderr, "simulate: send: %v\n", err)
		return 1
	}

	share, err := a.SharePrice(ctx, price.ShareInput{
		Commodity:  "Maize",
		Price:      50,
		Unit:       "kg",
		Location:   "Nakuru Central",
		County:     "Nakuru",
		MarketName: "Nakuru Central Market",
	})
	if err != nil {
		fmt.Fprintf(stderr, "simulate: share: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "[A] shared %s %.2f/%s\n", share.Commodity, share.Price, share.Unit)
	if _, err := b.VerifyPrice(ctx, share.ID, proto.VerifyConfirm, nil); err != nil {
		fmt.Fprintf(stderr, "simulate: verify: %v\n", err)
		return 1
	}
	if _, err := c.VerifyPrice(ctx, share.ID, proto.VerifyDispute, nil); err != nil {
		fmt.Fprintf(stderr, "simulate: verify: %v\n", err)
		return 1
	}
	for i, n := range nodes {
		sum, ok := n.PriceConsensus(ctx, share.ID)
		if !ok {
			fmt.Fprintf(stdout, "[%s] price not known\n", names[i])
			continue
		}
		fmt.Fprintf(stdout, "[%s] verifications=%d confirms=%d disputes=%d confidence=%.2f\n",
			names[i], sum.Verifications, sum.Confirms, sum.Disputes, sum.MeanConfidence)
	}
	return 0
}
