package crypto

import (
	"encoding/binary"
	"time"
)

// BuildAAD binds the payload nonce and its replay-window timestamp to the
// ciphertext, so neither can be swapped without failing authentication.
func BuildAAD(nonce []byte, ts time.Time) []byte {
	buf := make([]byte, 0, len(nonce)+8)
	buf = append(buf, nonce...)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(ts.UnixMilli()))
	buf = append(buf, tmp[:]...)
	return buf
}
