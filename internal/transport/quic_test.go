package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"agromesh/internal/proto"
	"agromesh/internal/testutil"
)

func startQUIC(t *testing.T, id string, listen string) (*QUIC, *recorder) {
	t.Helper()
	q, err := NewQUIC(QUICOptions{
		Options: Options{DeviceID: id, Hello: helloFor(id)},
		Listen:  listen,
	})
	if err != nil {
		t.Fatalf("NewQUIC %s: %v", id, err)
	}
	rec := newRecorder()
	q.OnConnection(rec.onConn)
	if err := q.Start(context.Background(), rec.onData); err != nil {
		t.Fatalf("Start %s: %v", id, err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q, rec
}

func TestQUICHelloBindsAndDelivers(t *testing.T) {
	server, recS := startQUIC(t, "dev-server", "127.0.0.1:0")
	client, recC := startQUIC(t, "dev-client", "")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Connect(ctx, server.Addr()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	testutil.Eventually(t, 5*time.Second, func() bool {
		return len(server.Peers()) == 1 && len(client.Peers()) == 1
	})
	if server.Peers()[0] != "dev-client" || client.Peers()[0] != "dev-server" {
		t.Fatalf("unexpected bindings: %v %v", server.Peers(), client.Peers())
	}
	if recS.count("dev-client") != 1 || recC.count("dev-server") != 1 {
		t.Fatalf("expected hello delivered both ways")
	}

	pkt, err := proto.EncodeMeshPacket([]byte(`{"id":"m1"}`))
	if err != nil {
		t.Fatalf("EncodeMeshPacket: %v", err)
	}
	if err := client.Send(ctx, "dev-server", pkt); err != nil {
		t.Fatalf("Send: %v", err)
	}
	testutil.Eventually(t, 5*time.Second, func() bool { return recS.count("dev-client") == 2 })
	if err := server.Send(ctx, "dev-client", pkt); err != nil {
		t.Fatalf("reverse Send: %v", err)
	}
	testutil.Eventually(t, 5*time.Second, func() bool { return recC.count("dev-server") == 2 })
}

func TestQUICSendUnknownPeer(t *testing.T) {
	q, _ := startQUIC(t, "dev-a", "")
	if err := q.Send(context.Background(), "nobody", []byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestQUICDialFailureCounted(t *testing.T) {
	q, err := NewQUIC(QUICOptions{
		Options:     Options{DeviceID: "dev-a"},
		DialTimeout: 300 * time.Millisecond,
		Seeds:       []string{"127.0.0.1:1"},
	})
	if err != nil {
		t.Fatalf("NewQUIC: %v", err)
	}
	if err := q.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer q.Close()
	targets, _ := q.Discover(context.Background())
	if len(targets) != 1 {
		t.Fatalf("expected seed in discover, got %v", targets)
	}
	if err := q.Connect(context.Background(), targets[0]); err == nil {
		t.Fatalf("expected dial failure")
	}
	if q.Failures(targets[0]) != 1 {
		t.Fatalf("expected failure counted, got %d", q.Failures(targets[0]))
	}
}
