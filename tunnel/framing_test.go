package tunnel

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peersend/overlay/state"
)

func TestStreamFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	frames := [][]byte{
		[]byte("hello"),
		{},
		bytes.Repeat([]byte{0xAB}, 4096),
	}
	for _, f := range frames {
		require.NoError(t, writeStreamFrame(&buf, f))
	}
	for _, want := range frames {
		got, err := readStreamFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestStreamFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, writeStreamFrame(&buf, make([]byte, state.MaxFrameSize+1)))

	// a hostile length header is rejected before allocation
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(state.MaxFrameSize+1))
	buf.Write(hdr[:])
	_, err := readStreamFrame(&buf)
	assert.Error(t, err)
}

func TestStreamFrameShortRead(t *testing.T) {
	var buf bytes.Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], 100)
	buf.Write(hdr[:])
	buf.Write([]byte("only a few bytes"))
	_, err := readStreamFrame(&buf)
	assert.Error(t, err)
}
