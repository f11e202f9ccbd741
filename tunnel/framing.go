package tunnel

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/peersend/overlay/state"
)

// Stream transports carry explicit length prefixes so that message
// boundaries survive the byte stream:
//
//	4 bytes: frame length (big endian)
//	N bytes: frame
func writeStreamFrame(w io.Writer, b []byte) error {
	if len(b) > state.MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(b))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(b)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readStreamFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > state.MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
