package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type MessageType string

const (
	MessageDirect      MessageType = "direct"
	MessageBroadcast   MessageType = "broadcast"
	MessageGroup       MessageType = "group"
	MessageMeshForward MessageType = "mesh_forward"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageDirect, MessageBroadcast, MessageGroup, MessageMeshForward:
		return true
	}
	return false
}

type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusDelivered MessageStatus = "delivered"
	StatusExpired   MessageStatus = "expired"
	StatusFailed    MessageStatus = "failed"
)

// EncryptedContent replaces Content on the wire while the real body travels
// in EncryptedPayload.
const EncryptedContent = "[encrypted]"

const MaxMeshMessageSize = 64 << 10

type EncryptedPayload struct {
	Ciphertext []byte    `json:"ciphertext"`
	IV         []byte    `json:"iv"`
	Tag        []byte    `json:"tag"`
	Nonce      []byte    `json:"nonce"`
	Timestamp  time.Time `json:"timestamp"`
}

func (p *EncryptedPayload) Clone() *EncryptedPayload {
	if p == nil {
		return nil
	}
	return &EncryptedPayload{
		Ciphertext: cloneBytes(p.Ciphertext),
		IV:         cloneBytes(p.IV),
		Tag:        cloneBytes(p.Tag),
		Nonce:      cloneBytes(p.Nonce),
		Timestamp:  p.Timestamp,
	}
}

type MeshMessage struct {
	ID                string            `json:"id"`
	SenderID          string            `json:"sender_id,omitempty"`
	SenderDeviceID    string            `json:"sender_device_id"`
	RecipientDeviceID string            `json:"recipient_device_id,omitempty"`
	Type              MessageType       `json:"message_type"`
	Content           string            `json:"content"`
	EncryptedPayload  *EncryptedPayload `json:"encrypted_payload,omitempty"`
	HopCount          int               `json:"hop_count"`
	MaxHops           int               `json:"max_hops"`
	TTLSeconds        int               `json:"ttl_seconds"`
	Priority          int               `json:"priority"`
	Timestamp         time.Time         `json:"timestamp"`
	ExpiresAt         time.Time         `json:"expires_at"`
	ForwardedBy       []string          `json:"forwarded_by"`
	Status            MessageStatus     `json:"status"`
	IsEncrypted       bool              `json:"is_encrypted"`
}

var (
	ErrMissingID       = errors.New("missing message id")
	ErrMissingSender   = errors.New("missing sender_device_id")
	ErrBadHops         = errors.New("hop_count exceeds max_hops")
	ErrBadExpiry       = errors.New("expires_at not after timestamp")
	ErrDupForwarder    = errors.New("duplicate forwarded_by entry")
	ErrBadMessageType  = errors.New("unknown message_type")
	ErrMissingEnvelope = errors.New("encrypted message without payload")
)

func (m *MeshMessage) Broadcast() bool {
	return m.RecipientDeviceID == ""
}

// ForMe reports whether self should deliver m to local handlers.
func (m *MeshMessage) ForMe(self string) bool {
	return m.RecipientDeviceID == "" || m.RecipientDeviceID == self
}

func (m *MeshMessage) Expired(now time.Time) bool {
	return now.After(m.ExpiresAt)
}

func (m *MeshMessage) HasForwarder(deviceID string) bool {
	for _, id := range m.ForwardedBy {
		if id == deviceID {
			return true
		}
	}
	return false
}

func (m *MeshMessage) Clone() *MeshMessage {
	if m == nil {
		return nil
	}
	out := *m
	out.EncryptedPayload = m.EncryptedPayload.Clone()
	if m.ForwardedBy != nil {
		out.ForwardedBy = append([]string(nil), m.ForwardedBy...)
	}
	return &out
}

func (m *MeshMessage) Validate() error {
	if m.ID == "" {
		return ErrMissingID
	}
	if m.SenderDeviceID == "" {
		return ErrMissingSender
	}
	if !m.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrBadMessageType, m.Type)
	}
	if m.HopCount < 0 || m.MaxHops < 0 || m.HopCount > m.MaxHops {
		return ErrBadHops
	}
	if !m.ExpiresAt.After(m.Timestamp) {
		return ErrBadExpiry
	}
	if m.IsEncrypted && m.EncryptedPayload == nil {
		return ErrMissingEnvelope
	}
	seen := make(map[string]struct{}, len(m.ForwardedBy))
	for _, id := range m.ForwardedBy {
		if _, ok := seen[id]; ok {
			return fmt.Errorf("%w: %s", ErrDupForwarder, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

func EncodeMeshMessage(m *MeshMessage) ([]byte, error) {
	if m == nil {
		return nil, ErrMissingID
	}
	if m.ForwardedBy == nil {
		cp := *m
		cp.ForwardedBy = []string{}
		m = &cp
	}
	return json.Marshal(m)
}

func DecodeMeshMessage(data []byte) (*MeshMessage, error) {
	if len(data) > MaxMeshMessageSize {
		return nil, fmt.Errorf("mesh message too large: %d", len(data))
	}
	var m MeshMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
