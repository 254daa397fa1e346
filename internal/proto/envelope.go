package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/tidwall/gjson"
)

// Frames on a link are a 4-byte big-endian length followed by a JSON packet
// whose top-level "kind" selects the decoder.
const (
	MaxFrameSize     = 1 << 20
	SoftMaxFrameSize = 64 << 10
	KindSniffBytes   = 512
	frameHeaderSize  = 4
)

var (
	ErrEmptyFrame    = errors.New("empty frame")
	ErrFrameTooLarge = errors.New("frame too large")
	ErrUnknownKind   = errors.New("frame kind not found")
)

func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyFrame
	}
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	out := make([]byte, frameHeaderSize, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	return append(out, payload...), nil
}

func ReadFrame(r io.Reader) ([]byte, error) {
	return ReadFrameWithKindCap(r, 0, nil)
}

// ReadFrameWithKindCap reads one frame. A frame above softMax is only read in
// full when kindCap allows its sniffed kind that size.
func ReadFrameWithKindCap(r io.Reader, softMax int, kindCap func(string) int) ([]byte, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := int(binary.BigEndian.Uint32(hdr[:]))
	switch {
	case size == 0:
		return nil, ErrEmptyFrame
	case size > MaxFrameSize:
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	payload := make([]byte, size)
	if softMax <= 0 || size <= softMax {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
		return payload, nil
	}

	head := payload[:min(size, KindSniffBytes)]
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, err
	}
	kind, ok := sniffKind(head)
	if !ok {
		return nil, fmt.Errorf("%w in first %d bytes", ErrUnknownKind, len(head))
	}
	if kindCap != nil {
		if limit := kindCap(kind); limit > 0 && size > limit {
			return nil, fmt.Errorf("%w for kind %s: %d > %d", ErrFrameTooLarge, kind, size, limit)
		}
	}
	if _, err := io.ReadFull(r, payload[len(head):]); err != nil {
		return nil, err
	}
	return payload, nil
}

func WriteFrame(w io.Writer, payload []byte) error {
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	for len(frame) > 0 {
		n, err := w.Write(frame)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		frame = frame[n:]
	}
	return nil
}

// Kind returns the top-level "kind" of a JSON packet, or "" when absent.
func Kind(data []byte) string {
	return gjson.GetBytes(data, "kind").String()
}

func MaxSizeForKind(kind string) int {
	switch kind {
	case KindHello:
		return MaxHelloSize
	case KindMesh:
		return MaxMeshMessageSize + 1024
	}
	return SoftMaxFrameSize
}

// sniffKind works on a truncated prefix, so it cannot rely on the document
// being valid JSON; gjson stops scanning as soon as the key is found.
func sniffKind(prefix []byte) (string, bool) {
	res := gjson.GetBytes(prefix, "kind")
	if res.Type != gjson.String || res.Str == "" {
		return "", false
	}
	return res.Str, true
}
