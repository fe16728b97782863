package patty

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_kiss_encode_decode_round_trip(t *testing.T) {
	payload := []byte{0xab, 0xc0, 0xcd, 0xdb, 0xef}

	var buf bytes.Buffer
	assert.NoError(t, KissEncodeFrame(&buf, payload, 0, KissData))

	d := NewKissDecoder(4096)

	var port int
	var frame []byte
	for _, c := range buf.Bytes() {
		assert.NoError(t, d.Feed(c))

		if d.Pending() {
			port, frame = d.Flush()
		}
	}

	assert.Equal(t, 0, port)
	assert.Equal(t, payload, frame)
}

func Test_kiss_encode_byte_count_formula(t *testing.T) {
	payload := []byte{0xab, 0xc0, 0xcd, 0xdb, 0xef} // 2 escape-worthy bytes
	k := 2

	var buf bytes.Buffer
	assert.NoError(t, KissEncodeFrame(&buf, payload, 0, KissData))

	assert.Equal(t, len(payload)+3+k, buf.Len())
}

func Test_kiss_decode_literal_unescape(t *testing.T) {
	input := []byte{0xC0, 0x00, 0xAB, 0xDB, 0xDC, 0xCD, 0xDB, 0xDD, 0xEF, 0xC0}

	d := NewKissDecoder(4096)

	var port int
	var frame []byte
	for _, c := range input {
		assert.NoError(t, d.Feed(c))

		if d.Pending() {
			port, frame = d.Flush()
		}
	}

	assert.Equal(t, 0, port)
	assert.Equal(t, []byte{0xAB, 0xC0, 0xCD, 0xDB, 0xEF}, frame)
}

func Test_kiss_overflow_drops_and_counts(t *testing.T) {
	d := NewKissDecoder(2)

	assert.NoError(t, d.Feed(KissFEND))
	assert.NoError(t, d.Feed(0x00))
	assert.NoError(t, d.Feed('a'))
	assert.NoError(t, d.Feed('b'))
	assert.NoError(t, d.Feed('c')) // overflow on the third byte

	assert.EqualValues(t, 1, d.Dropped())
}

func Test_kiss_escape_rejects_bad_byte(t *testing.T) {
	d := NewKissDecoder(64)

	assert.NoError(t, d.Feed(KissFEND))
	assert.NoError(t, d.Feed(0x00))
	assert.NoError(t, d.Feed(KissFESC))

	err := d.Feed('z')
	assert.ErrorIs(t, err, ErrDecode)
}

func Test_kiss_nonzero_port_frame_never_pending(t *testing.T) {
	var buf bytes.Buffer
	assert.NoError(t, KissEncodeFrame(&buf, []byte("one"), 3, KissData))

	d := NewKissDecoder(64)

	for _, c := range buf.Bytes() {
		assert.NoError(t, d.Feed(c))
		assert.False(t, d.Pending())
	}
}

func Test_kiss_back_to_back_frames_surface_one_at_a_time(t *testing.T) {
	var buf bytes.Buffer
	assert.NoError(t, KissEncodeFrame(&buf, []byte("first"), 0, KissData))
	assert.NoError(t, KissEncodeFrame(&buf, []byte("second"), 0, KissData))

	d := NewKissDecoder(64)
	stream := buf.Bytes()

	n := kissFeed(d, stream)
	assert.True(t, d.Pending())

	_, frame := d.Flush()
	assert.Equal(t, []byte("first"), frame)

	kissFeed(d, stream[n:])
	assert.True(t, d.Pending())

	_, frame = d.Flush()
	assert.Equal(t, []byte("second"), frame)
	assert.EqualValues(t, 0, d.Dropped())
}
