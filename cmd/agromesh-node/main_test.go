package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestHelp(t *testing.T) {
	var out bytes.Buffer
	code := run([]string{"--help"}, &out, &out)
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(out.String(), "agromesh-node") {
		t.Fatalf("expected help output to mention agromesh-node")
	}
}

func TestUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run([]string{"bogus"}, &out, &errOut); code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(errOut.String(), "unknown command: bogus") {
		t.Fatalf("unexpected stderr: %q", errOut.String())
	}
}

func TestIDIsStable(t *testing.T) {
	home := t.TempDir()
	var first, second, errOut bytes.Buffer
	if code := run([]string{"id", "--home", home}, &first, &errOut); code != 0 {
		t.Fatalf("id failed: %s", errOut.String())
	}
	if code := run([]string{"id", "--home", home}, &second, &errOut); code != 0 {
		t.Fatalf("id failed: %s", errOut.String())
	}
	id := strings.TrimSpace(first.String())
	if len(id) != 32 || id != strings.TrimSpace(second.String()) {
		t.Fatalf("device id not stable: %q vs %q", first.String(), second.String())
	}
}

func TestSendQueuesLocally(t *testing.T) {
	home := t.TempDir()
	var out, errOut bytes.Buffer
	if code := run([]string{"send", "--home", home, "fertilizer", "arrived"}, &out, &errOut); code != 0 {
		t.Fatalf("send failed: %s", errOut.String())
	}
	queued := strings.TrimPrefix(strings.TrimSpace(out.String()), "queued ")
	out.Reset()
	if code := run([]string{"queue", "--home", home}, &out, &errOut); code != 0 {
		t.Fatalf("queue failed: %s", errOut.String())
	}
	if !strings.Contains(out.String(), queued) || !strings.Contains(out.String(), "to=*") {
		t.Fatalf("queued message not listed: %q", out.String())
	}
	if code := run([]string{"send", "--home", home}, &out, &errOut); code != 1 {
		t.Fatalf("send without text should fail")
	}
}

func TestShareVerifyAndList(t *testing.T) {
	home := t.TempDir()
	var out, errOut bytes.Buffer
	args := []string{"share", "--home", home, "--commodity", "Maize", "--price", "50", "--market", "Nakuru Central Market", "--county", "Nakuru"}
	if code := run(args, &out, &errOut); code != 0 {
		t.Fatalf("share failed: %s", errOut.String())
	}
	fields := strings.Fields(out.String())
	if len(fields) < 2 || fields[0] != "shared" {
		t.Fatalf("unexpected share output: %q", out.String())
	}
	id := fields[1]

	out.Reset()
	if code := run([]string{"verify", "--home", home, "--id", id, "--type", "confirm"}, &out, &errOut); code != 0 {
		t.Fatalf("verify failed: %s", errOut.String())
	}
	if !strings.Contains(out.String(), "confidence=0.8") {
		t.Fatalf("unexpected verify output: %q", out.String())
	}
	errOut.Reset()
	if code := run([]string{"verify", "--home", home, "--id", id, "--type", "maybe"}, &out, &errOut); code != 1 {
		t.Fatalf("invalid type should fail")
	}

	out.Reset()
	if code := run([]string{"prices", "--home", home, "--commodity", "maize", "--min-verifications", "1"}, &out, &errOut); code != 0 {
		t.Fatalf("prices failed: %s", errOut.String())
	}
	if !strings.Contains(out.String(), id) || !strings.Contains(out.String(), "verifications=1") {
		t.Fatalf("unexpected prices output: %q", out.String())
	}
}

func TestStatusWithoutSnapshot(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run([]string{"status", "--home", t.TempDir()}, &out, &errOut); code != 0 {
		t.Fatalf("status failed: %s", errOut.String())
	}
	if !strings.Contains(out.String(), "no snapshot") {
		t.Fatalf("unexpected status output: %q", out.String())
	}
}

func TestSimulate(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run([]string{"simulate"}, &out, &errOut); code != 0 {
		t.Fatalf("simulate failed: %s", errOut.String())
	}
	got := out.String()
	for _, want := range []string{
		`[B] received "Rain expected this afternoon" hops=0`,
		`[C] received "Rain expected this afternoon" hops=1`,
		`[C] received "Your maize order is ready"`,
		"[A] verifications=2 confirms=1 disputes=1",
		"[C] verifications=2 confirms=1 disputes=1",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("missing %q in:\n%s", want, got)
		}
	}
}
