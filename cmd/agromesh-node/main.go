package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"agromesh/internal/config"
	"agromesh/internal/mesh"
	"agromesh/internal/metrics"
	"agromesh/internal/node"
	"agromesh/internal/pprofutil"
	"agromesh/internal/price"
	"agromesh/internal/proto"
	"agromesh/internal/transport"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" || args[0] == "help" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	case "id":
		return runID(args[1:], stdout, stderr)
	case "queue":
		return runQueue(args[1:], stdout, stderr)
	case "prices":
		return runPrices(args[1:], stdout, stderr)
	case "send":
		return runSend(args[1:], stdout, stderr)
	case "share":
		return runShare(args[1:], stdout, stderr)
	case "verify":
		return runVerify(args[1:], stdout, stderr)
	case "simulate":
		return runSimulate(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: agromesh-node <run|status|id|queue|prices|send|share|verify|simulate> [args]")
	fmt.Fprintln(w, "  run      [--listen <ip:port>] [--peer <ip:port>]... [--insecure]")
	fmt.Fprintln(w, "  status")
	fmt.Fprintln(w, "  id")
	fmt.Fprintln(w, "  queue")
	fmt.Fprintln(w, "  prices   [--commodity <name>] [--min-verifications N] [--json]")
	fmt.Fprintln(w, "  send     [--to <device_id>] [--max-hops N] [--priority N] <text>")
	fmt.Fprintln(w, "  share    --commodity <name> --price <n> [--unit kg] [--location L] [--county C] [--market M] [--grade G]")
	fmt.Fprintln(w, "  verify   --id <price_id> --type <confirm|dispute|update> [--suggested <n>]")
	fmt.Fprintln(w, "  simulate")
	fmt.Fprintln(w, "common flags: --home <dir> --config <file>")
	fmt.Fprintln(w, "send, share and verify queue locally; peers receive them on the next run.")
}

type common struct {
	home string
	cfg  string
}

func (c *common) register(fs *flag.FlagSet) {
	fs.StringVar(&c.home, "home", "", "node home directory (default ~/.agromesh)")
	fs.StringVar(&c.cfg, "config", "", "config file (default <home>/agromesh.yaml)")
}

func (c *common) load() (config.Config, error) {
	return config.Load(c.home, c.cfg)
}

func newFlagSet(name string, stderr io.Writer) (*flag.FlagSet, *common) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	c := &common{}
	c.register(fs)
	return fs, c
}

func offline(transport.Options) (transport.Transport, error) {
	return nil, nil
}

// openOffline opens the node without links for one-shot commands.
func openOffline(ctx context.Context, c *common) (*node.Node, error) {
	cfg, err := c.load()
	if err != nil {
		return nil, err
	}
	cfg.Sync.Kind = "none"
	return node.New(ctx, node.Options{Config: cfg, Transport: offline, Logger: zap.NewNop()})
}

type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func runNode(args []string, stdout, stderr io.Writer) int {
	fs, c := newFlagSet("run", stderr)
	listen := fs.String("listen", "", "quic listen addr (host:port)")
	insecure := fs.Bool("insecure", false, "skip link certificate checks")
	debug := fs.Bool("debug", false, "enable debug logging")
	var peers stringList
	fs.Var(&peers, "peer", "seed peer addr (repeatable)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, err := c.load()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	if *listen != "" {
		cfg.Transport.Kind = "quic"
		cfg.Transport.Listen = *listen
	}
	if len(peers) > 0 {
		cfg.Transport.Peers = append(cfg.Transport.Peers, peers...)
	}
	if *insecure {
		cfg.Transport.Insecure = true
	}
	if *debug {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	n, err := node.New(ctx, node.Options{Config: cfg})
	if err != nil {
		fmt.Fprintf(stderr, "load node failed: %v\n", err)
		return 1
	}
	defer n.Close()
	log := n.Logger()

	srv, err := pprofutil.Start(cfg.Pprof.Addr, log)
	if err != nil {
		fmt.Fprintf(stderr, "pprof: %v\n", err)
		return 1
	}
	if srv != nil {
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	if err := n.Start(ctx); err != nil {
		fmt.Fprintf(stderr, "start failed: %v\n", err)
		return 1
	}
	addr := cfg.Transport.Listen
	if q, ok := n.Transport().(*transport.QUIC); ok {
		addr = q.Addr()
	}
	fmt.Fprintf(stdout, "READY addr=%s device_id=%s\n", addr, n.DeviceID())
	if err := n.Run(ctx); err != nil {
		log.Error("run failed", zap.Error(err))
		return 1
	}
	return 0
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs, c := newFlagSet("status", stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, err := c.load()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	snap, err := metrics.ReadSnapshot(filepath.Join(cfg.Node.Home, node.MetricsFile))
	if err != nil {
		fmt.Fprintf(stdout, "status: no snapshot yet (%v)\n", err)
		return 0
	}
	fmt.Fprintf(stdout, "snapshot at %s\n", snap.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(stdout, "  connected peers: %d\n", snap.Connected)
	fmt.Fprintf(stdout, "  queued messages: %d\n", snap.Queued)
	fmt.Fprintf(stdout, "  mesh: sent=%d received=%d delivered=%d forwarded=%d send_failures=%d expired=%d\n",
		snap.Mesh.Sent, snap.Mesh.Received, snap.Mesh.Delivered, snap.Mesh.Forwarded, snap.Mesh.SendFailures, snap.Mesh.Expired)
	fmt.Fprintf(stdout, "  prices: shared=%d verified=%d ingested=%d\n", snap.Price.Shared, snap.Price.Verified, snap.Price.Ingested)
	fmt.Fprintf(stdout, "  sync: pushed=%d failed=%d dropped=%d\n", snap.Sync.Pushed, snap.Sync.Failed, snap.Sync.Dropped)
	for _, reason := range snap.SortedReasons() {
		fmt.Fprintf(stdout, "  dropped %s: %d\n", reason, snap.DropByReason[reason])
	}
	return 0
}

func runID(args []string, stdout, stderr io.Writer) int {
	fs, c := newFlagSet("id", stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	n, err := openOffline(context.Background(), c)
	if err != nil {
		fmt.Fprintf(stderr, "id: %v\n", err)
		return 1
	}
	defer n.Close()
	fmt.Fprintln(stdout, n.DeviceID())
	return 0
}

func runQueue(args []string, stdout, stderr io.Writer) int {
	fs, c := newFlagSet("queue", stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	n, err := openOffline(context.Background(), c)
	if err != nil {
		fmt.Fprintf(stderr, "queue: %v\n", err)
		return 1
	}
	defer n.Close()
	for _, m := range n.MessageQueue() {
		to := m.RecipientDeviceID
		if to == "" {
			to = "*"
		}
		fmt.Fprintf(stdout, "%s type=%s from=%s to=%s hops=%d/%d expires=%s\n",
			m.ID, m.Type, m.SenderDeviceID, to, m.HopCount, m.MaxHops, m.ExpiresAt.Format(time.RFC3339))
	}
	return 0
}

func runPrices(args []string, stdout, stderr io.Writer) int {
	fs, c := newFlagSet("prices", stderr)
	commodity := fs.String("commodity", "", "filter by commodity")
	minVer := fs.Int("min-verifications", 0, "only shares with at least N verifications")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	ctx := context.Background()
	n, err := openOffline(ctx, c)
	if err != nil {
		fmt.Fprintf(stderr, "prices: %v\n", err)
		return 1
	}
	defer n.Close()
	var shares []*proto.PriceShare
	switch {
	case *commodity != "":
		for _, p := range n.PricesByCommodity(ctx, *commodity) {
			if p.VerificationCount >= *minVer {
				shares = append(shares, p)
			}
		}
	case *minVer > 0:
		shares = n.VerifiedPrices(ctx, *minVer)
	default:
		shares = n.CachedPrices(ctx)
	}
	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(shares); err != nil {
			fmt.Fprintf(stderr, "prices: %v\n", err)
			return 1
		}
		return 0
	}
	for _, p := range shares {
		sum := price.Summarize(p)
		fmt.Fprintf(stdout, "%s %s %.2f/%s %s (%s) verifications=%d confidence=%.2f\n",
			p.ID, p.Commodity, p.Price, p.Unit, p.MarketName, p.County, p.VerificationCount, sum.MeanConfidence)
	}
	return 0
}

func runSend(args []string, stdout, stderr io.Writer) int {
	fs, c := newFlagSet("send", stderr)
	to := fs.String("to", "", "recipient device id (empty broadcasts)")
	maxHops := fs.Int("max-hops", 0, "hop limit")
	priority := fs.Int("priority", 0, "priority")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	text := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if text == "" {
		fmt.Fprintln(stderr, "missing message text")
		return 1
	}
	ctx := context.Background()
	n, err := openOffline(ctx, c)
	if err != nil {
		fmt.Fprintf(stderr, "send: %v\n", err)
		return 1
	}
	defer n.Close()
	msg, err := n.SendMessage(ctx, text, *to, mesh.SendOptions{MaxHops: *maxHops, Priority: *priority})
	if err != nil {
		fmt.Fprintf(stderr, "send: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "queued %s\n", msg.ID)
	return 0
}

func runShare(args []string, stdout, stderr io.Writer) int {
	fs, c := newFlagSet("share", stderr)
	in := price.ShareInput{}
	fs.StringVar(&in.Commodity, "commodity", "", "commodity name")
	priceStr := fs.String("price", "", "price")
	fs.StringVar(&in.Unit, "unit", "kg", "unit")
	fs.StringVar(&in.Location, "location", "", "location")
	fs.StringVar(&in.County, "county", "", "county")
	fs.StringVar(&in.MarketName, "market", "", "market name")
	fs.StringVar(&in.QualityGrade, "grade", "", "quality grade")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	value, err := strconv.ParseFloat(*priceStr, 64)
	if err != nil {
		fmt.Fprintf(stderr, "invalid --price: %q\n", *priceStr)
		return 1
	}
	in.Price = value
	ctx := context.Background()
	n, err := openOffline(ctx, c)
	if err != nil {
		fmt.Fprintf(stderr, "share: %v\n", err)
		return 1
	}
	defer n.Close()
	if in.Location == "" {
		in.Location = n.Config().Node.Location
	}
	if in.County == "" {
		in.County = n.Config().Node.County
	}
	share, err := n.SharePrice(ctx, in)
	if err != nil {
		fmt.Fprintf(stderr, "share: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "shared %s expires=%s\n", share.ID, share.ExpiresAt.Format(time.RFC3339))
	return 0
}

func runVerify(args []string, stdout, stderr io.Writer) int {
	fs, c := newFlagSet("verify", stderr)
	id := fs.String("id", "", "price id")
	vtype := fs.String("type", "", "confirm, dispute or update")
	suggestedStr := fs.String("suggested", "", "suggested price")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *id == "" {
		fmt.Fprintln(stderr, "missing --id")
		return 1
	}
	var suggested *float64
	if *suggestedStr != "" {
		v, err := strconv.ParseFloat(*suggestedStr, 64)
		if err != nil {
			fmt.Fprintf(stderr, "invalid --suggested: %q\n", *suggestedStr)
			return 1
		}
		suggested = &v
	}
	ctx := context.Background()
	n, err := openOffline(ctx, c)
	if err != nil {
		fmt.Fprintf(stderr, "verify: %v\n", err)
		return 1
	}
	defer n.Close()
	v, err := n.VerifyPrice(ctx, *id, proto.VerificationType(*vtype), suggested)
	if err != nil {
		fmt.Fprintf(stderr, "verify: %v\n", err)
		return 1
	}
	if v == nil {
		fmt.Fprintf(stdout, "price %s not found\n", *id)
		return 1
	}
	fmt.Fprintf(stdout, "verified %s type=%s confidence=%.1f\n", v.PriceID, v.Type, v.ConfidenceScore)
	return 0
}
