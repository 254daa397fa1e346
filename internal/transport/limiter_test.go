package transport

import "testing"

func TestHostLimiter(t *testing.T) {
	tests := []struct {
		name    string
		max     int
		acquire int
		wantOK  int
	}{
		{name: "disabled", max: 0, acquire: 5, wantOK: 5},
		{name: "single", max: 1, acquire: 3, wantOK: 1},
		{name: "pair", max: 2, acquire: 4, wantOK: 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			l := newHostLimiter(tc.max)
			ok := 0
			for i := 0; i < tc.acquire; i++ {
				if l.tryAcquire("10.0.0.7") {
					ok++
				}
			}
			if ok != tc.wantOK {
				t.Fatalf("acquired %d, want %d", ok, tc.wantOK)
			}
		})
	}
}

func TestHostLimiterReleaseAndIsolation(t *testing.T) {
	l := newHostLimiter(1)
	if !l.tryAcquire("10.0.0.7") || l.tryAcquire("10.0.0.7") {
		t.Fatalf("cap of one not enforced")
	}
	if !l.tryAcquire("10.0.0.8") {
		t.Fatalf("hosts should be counted separately")
	}
	l.release("10.0.0.7")
	if l.inUse("10.0.0.7") != 0 {
		t.Fatalf("release did not clear host")
	}
	if !l.tryAcquire("10.0.0.7") {
		t.Fatalf("expected acquire after release")
	}
	l.release("10.0.0.9")
	if l.inUse("10.0.0.9") != 0 {
		t.Fatalf("release of unknown host went negative")
	}
}
