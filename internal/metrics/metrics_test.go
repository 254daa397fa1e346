package metrics

import (
	"path/filepath"
	"testing"
)

func TestMetricsCounters(t *testing.T) {
	m := New()
	m.IncSent()
	m.IncSent()
	m.IncReceived()
	m.IncDelivered()
	m.IncForwarded()
	m.IncSendFailure()
	m.AddExpired(3)
	m.IncPriceShared()
	m.IncPriceVerified()
	m.IncSyncPushed()
	m.IncSyncFailed()
	m.IncRecvByType("broadcast")
	m.IncRecvByType("broadcast")
	m.IncDropByReason(DropDuplicate)
	m.SetConnected(4)
	m.SetQueued(2)
	snap := m.Snapshot()
	if snap.Mesh.Sent != 2 {
		t.Fatalf("expected sent=2, got %d", snap.Mesh.Sent)
	}
	if snap.Mesh.Received != 1 || snap.Mesh.Delivered != 1 || snap.Mesh.Forwarded != 1 || snap.Mesh.SendFailures != 1 {
		t.Fatalf("unexpected mesh counts: %+v", snap.Mesh)
	}
	if snap.Mesh.Expired != 3 {
		t.Fatalf("expected expired=3, got %d", snap.Mesh.Expired)
	}
	if snap.Price.Shared != 1 || snap.Price.Verified != 1 {
		t.Fatalf("unexpected price counts: %+v", snap.Price)
	}
	if snap.Sync.Pushed != 1 || snap.Sync.Failed != 1 {
		t.Fatalf("unexpected sync counts: %+v", snap.Sync)
	}
	if snap.RecvByType["broadcast"] != 2 {
		t.Fatalf("expected recv_by_type broadcast=2, got %d", snap.RecvByType["broadcast"])
	}
	if snap.DropByReason[DropDuplicate] != 1 {
		t.Fatalf("expected drop_by_reason duplicate=1, got %d", snap.DropByReason[DropDuplicate])
	}
	if snap.Connected != 4 || snap.Queued != 2 {
		t.Fatalf("expected connected/queued 4/2, got %d/%d", snap.Connected, snap.Queued)
	}
}

func TestRecentRing(t *testing.T) {
	r := NewRecent(2)
	r.Add(MessageHeader{ID: "a"})
	r.Add(MessageHeader{ID: "b"})
	r.Add(MessageHeader{ID: "c"})
	list := r.List()
	if len(list) != 2 || list[0].ID != "b" || list[1].ID != "c" {
		t.Fatalf("unexpected ring contents: %+v", list)
	}
}

func TestWriteReadSnapshot(t *testing.T) {
	m := New()
	m.IncDropByReason(DropExpired)
	m.IncDropByReason(DropDecode)
	path := filepath.Join(t.TempDir(), "metrics.json")
	if err := m.WriteSnapshot(path); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
	snap, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	reasons := snap.SortedReasons()
	if len(reasons) != 2 || reasons[0] != DropDecode || reasons[1] != DropExpired {
		t.Fatalf("unexpected reasons: %v", reasons)
	}
}
