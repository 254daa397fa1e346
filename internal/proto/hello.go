package proto

import (
	"encoding/json"
	"fmt"
)

const (
	KindHello    = "hello"
	KindMesh     = "mesh"
	MaxHelloSize = 4 << 10
)

// Hello is the first frame on every link; it carries the SPKI public key the
// receiver needs to derive the per-peer shared key.
type Hello struct {
	Kind         string `json:"kind"`
	ProtoVersion string `json:"proto_version"`
	Suite        string `json:"suite"`
	DeviceID     string `json:"device_id"`
	PublicKey    []byte `json:"public_key,omitempty"`
}

func EncodeHello(h Hello) ([]byte, error) {
	if h.Kind == "" {
		h.Kind = KindHello
	}
	if h.ProtoVersion == "" {
		h.ProtoVersion = ProtoVersion
	}
	if h.Suite == "" {
		h.Suite = Suite
	}
	return json.Marshal(h)
}

func DecodeHello(data []byte) (Hello, error) {
	if len(data) > MaxHelloSize {
		return Hello{}, fmt.Errorf("hello too large")
	}
	var h Hello
	if err := json.Unmarshal(data, &h); err != nil {
		return Hello{}, err
	}
	if h.Kind != "" && h.Kind != KindHello {
		return Hello{}, fmt.Errorf("unexpected kind: %s", h.Kind)
	}
	if err := ValidateWireMeta(h.ProtoVersion, h.Suite); err != nil {
		return Hello{}, err
	}
	if h.DeviceID == "" {
		return Hello{}, fmt.Errorf("hello without device_id")
	}
	return h, nil
}

// MeshPacket wraps an encoded MeshMessage for a transport link.
type MeshPacket struct {
	Kind         string          `json:"kind"`
	ProtoVersion string          `json:"proto_version"`
	Message      json.RawMessage `json:"message"`
}

func EncodeMeshPacket(msg []byte) ([]byte, error) {
	if len(msg) == 0 {
		return nil, fmt.Errorf("empty message")
	}
	return json.Marshal(MeshPacket{Kind: KindMesh, ProtoVersion: ProtoVersion, Message: msg})
}

func DecodeMeshPacket(data []byte) ([]byte, error) {
	var p MeshPacket
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	if p.Kind != KindMesh {
		return nil, fmt.Errorf("unexpected kind: %s", p.Kind)
	}
	if err := ValidateWireMeta(p.ProtoVersion, ""); err != nil {
		return nil, err
	}
	if len(p.Message) == 0 {
		return nil, fmt.Errorf("mesh packet without message")
	}
	return p.Message, nil
}
