package proto

import (
	"errors"
	"testing"
	"time"
)

func validMessage() *MeshMessage {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &MeshMessage{
		ID:             "m1",
		SenderDeviceID: "dev-a",
		Type:           MessageBroadcast,
		Content:        "hello",
		MaxHops:        3,
		TTLSeconds:     3600,
		Timestamp:      ts,
		ExpiresAt:      ts.Add(time.Hour),
		Status:         StatusPending,
	}
}

func TestMeshMessageValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(m *MeshMessage)
		want   error
	}{
		{name: "ok", mutate: func(*MeshMessage) {}},
		{name: "missing id", mutate: func(m *MeshMessage) { m.ID = "" }, want: ErrMissingID},
		{name: "hops", mutate: func(m *MeshMessage) { m.HopCount = 4 }, want: ErrBadHops},
		{name: "expiry", mutate: func(m *MeshMessage) { m.ExpiresAt = m.Timestamp }, want: ErrBadExpiry},
		{name: "dup forwarder", mutate: func(m *MeshMessage) { m.ForwardedBy = []string{"b", "b"} }, want: ErrDupForwarder},
		{name: "type", mutate: func(m *MeshMessage) { m.Type = "shout" }, want: ErrBadMessageType},
		{name: "encrypted without payload", mutate: func(m *MeshMessage) { m.IsEncrypted = true }, want: ErrMissingEnvelope},
	}
	for _, tc := range cases {
		m := validMessage()
		tc.mutate(m)
		err := m.Validate()
		if tc.want == nil && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if tc.want != nil && !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestMeshMessageCloneIsDeep(t *testing.T) {
	m := validMessage()
	m.ForwardedBy = []string{"dev-b"}
	m.EncryptedPayload = &EncryptedPayload{Ciphertext: []byte{1, 2}}
	c := m.Clone()
	c.ForwardedBy[0] = "dev-c"
	c.EncryptedPayload.Ciphertext[0] = 9
	if m.ForwardedBy[0] != "dev-b" || m.EncryptedPayload.Ciphertext[0] != 1 {
		t.Fatalf("clone shares memory with original")
	}
}

func TestMeshMessageRoutingHelpers(t *testing.T) {
	m := validMessage()
	if !m.Broadcast() || !m.ForMe("anyone") {
		t.Fatalf("empty recipient must be broadcast")
	}
	m.RecipientDeviceID = "dev-b"
	if m.ForMe("dev-c") || !m.ForMe("dev-b") {
		t.Fatalf("direct recipient mismatch")
	}
	if m.Expired(m.ExpiresAt) {
		t.Fatalf("message should not be expired exactly at expires_at")
	}
	if !m.Expired(m.ExpiresAt.Add(time.Millisecond)) {
		t.Fatalf("message should be expired after expires_at")
	}
}

func TestDecodePriceEnvelopeIgnoresPlainText(t *testing.T) {
	if _, ok, err := DecodePriceEnvelope("hello there"); ok || err != nil {
		t.Fatalf("plain text must not be treated as price envelope")
	}
	if _, ok, err := DecodePriceEnvelope(`{"kind":"chat"}`); ok || err != nil {
		t.Fatalf("other json must not be treated as price envelope")
	}
	if _, ok, err := DecodePriceEnvelope(`{"kind":"price_update"}`); !ok || err == nil {
		t.Fatalf("expected malformed price_update error")
	}
}

func TestVerificationConfidence(t *testing.T) {
	cases := map[VerificationType]float64{VerifyConfirm: 0.8, VerifyDispute: 0.2, VerifyUpdate: 0.5}
	for typ, want := range cases {
		got, ok := typ.Confidence()
		if !ok || got != want {
			t.Fatalf("%s: expected %v, got %v", typ, want, got)
		}
	}
	if _, ok := VerificationType("maybe").Confidence(); ok {
		t.Fatalf("unknown type must not map to a confidence")
	}
}

func TestPriceShareExpiryFixed(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	p := &PriceShare{ID: "p", Commodity: "Maize", SharedByDevice: "dev-a", Timestamp: now, ExpiresAt: now.Add(PriceTTL), Verifications: []PriceVerification{}}
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	p.ExpiresAt = now.Add(48 * time.Hour)
	if err := p.Validate(); !errors.Is(err, ErrBadPriceExpiry) {
		t.Fatalf("expected ErrBadPriceExpiry, got %v", err)
	}
}

func TestCanonicalizeVerification(t *testing.T) {
	v := PriceVerification{ID: "v", PriceID: "p", Type: VerifyUpdate, ConfidenceScore: 0.9}
	if !v.Canonicalize("p") || v.ConfidenceScore != 0.5 {
		t.Fatalf("confidence not reset: %+v", v)
	}
	if v.Canonicalize("other") {
		t.Fatalf("verification of another share accepted")
	}
	bad := PriceVerification{ID: "v", PriceID: "p", Type: "maybe"}
	if bad.Canonicalize("p") {
		t.Fatalf("unknown type accepted")
	}
}
