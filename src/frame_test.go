package patty

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func mustAddr(t *testing.T, s string) Addr {
	t.Helper()

	a, err := ParseAddr(s)
	assert.NoError(t, err)

	return a
}

func Test_frame_sabm_round_trip(t *testing.T) {
	f := Frame{
		Dest: mustAddr(t, "TEST-1"),
		Src:  mustAddr(t, "PEER-0"),
		Type: FrameSABM,
		CR:   true,
		PF:   true,
	}

	buf := make([]byte, 64)
	n, err := EncodeFrame(buf, f)
	assert.NoError(t, err)

	decoded, err := DecodeFrame(buf[:n], FormatNormal)
	assert.NoError(t, err)
	assert.Equal(t, FrameSABM, decoded.Type)
	assert.True(t, decoded.CR)
	assert.True(t, decoded.PF)
	assert.True(t, decoded.Dest.Equal(f.Dest))
	assert.True(t, decoded.Src.Equal(f.Src))
}

func Test_frame_i_frame_normal_round_trip(t *testing.T) {
	f := Frame{
		Dest: mustAddr(t, "TEST-1"),
		Src:  mustAddr(t, "PEER-0"),
		Type: FrameI,
		CR:   true,
		NS:   3,
		NR:   5,
		PID:  PIDNoLayer3,
		Info: []byte("hello"),
	}

	buf := make([]byte, 64)
	n, err := EncodeFrame(buf, f)
	assert.NoError(t, err)

	decoded, err := DecodeFrame(buf[:n], FormatNormal)
	assert.NoError(t, err)
	assert.Equal(t, FrameI, decoded.Type)
	assert.EqualValues(t, 3, decoded.NS)
	assert.EqualValues(t, 5, decoded.NR)
	assert.Equal(t, []byte("hello"), decoded.Info)
}

func Test_frame_i_frame_extended_round_trip(t *testing.T) {
	f := Frame{
		Dest:   mustAddr(t, "TEST-1"),
		Src:    mustAddr(t, "PEER-0"),
		Format: FormatExtended,
		Type:   FrameI,
		NS:     100,
		NR:     67,
		PID:    PIDNoLayer3,
		Info:   []byte("modulo128"),
	}

	buf := make([]byte, 64)
	n, err := EncodeFrame(buf, f)
	assert.NoError(t, err)

	decoded, err := DecodeFrame(buf[:n], FormatExtended)
	assert.NoError(t, err)
	assert.EqualValues(t, 100, decoded.NS)
	assert.EqualValues(t, 67, decoded.NR)
}

func Test_frame_repeater_path_round_trip(t *testing.T) {
	f := Frame{
		Dest:          mustAddr(t, "TEST-1"),
		Src:           mustAddr(t, "PEER-0"),
		Repeaters:     []Addr{mustAddr(t, "WIDE1-1"), mustAddr(t, "WIDE2-2")},
		RepeaterHeard: []bool{true, false},
		Type:          FrameUI,
		PID:           PIDNoLayer3,
		Info:          []byte("test"),
	}

	buf := make([]byte, 64)
	n, err := EncodeFrame(buf, f)
	assert.NoError(t, err)

	decoded, err := DecodeFrame(buf[:n], FormatNormal)
	assert.NoError(t, err)
	assert.Len(t, decoded.Repeaters, 2)
	assert.True(t, decoded.RepeaterHeard[0])
	assert.False(t, decoded.RepeaterHeard[1])
}

func Test_frame_encode_reply_to_swaps_and_reverses(t *testing.T) {
	orig := Frame{
		Dest:      mustAddr(t, "TEST-1"),
		Src:       mustAddr(t, "PEER-0"),
		Repeaters: []Addr{mustAddr(t, "WIDE1-1"), mustAddr(t, "WIDE2-2")},
		CR:        true,
	}

	reply := EncodeReplyTo(orig, Frame{Type: FrameUA, PF: true})
	assert.True(t, reply.Dest.Equal(orig.Src))
	assert.True(t, reply.Src.Equal(orig.Dest))
	assert.False(t, reply.CR)
	assert.True(t, reply.Repeaters[0].Equal(orig.Repeaters[1]))
	assert.True(t, reply.Repeaters[1].Equal(orig.Repeaters[0]))
}

func Test_xid_round_trip(t *testing.T) {
	p := XIDParams{
		HaveClasses:  true,
		Classes:      ClassesABM | ClassesHalfDuplex,
		HaveHDLC:     true,
		HDLC:         HDLCExtAddr | HDLCModulo8 | HDLCSyncTx | HDLCFCS16,
		HaveInfoRX:   true,
		InfoRX:       2032,
		HaveWindowRX: true,
		WindowRX:     4,
		HaveRetry:    true,
		Retry:        10,
	}

	buf := make([]byte, 64)
	n, err := EncodeXID(buf, p)
	assert.NoError(t, err)

	decoded, err := DecodeXID(buf[:n])
	assert.NoError(t, err)
	assert.Equal(t, p, decoded)
}

func Test_xid_parses_classes_and_info_rx(t *testing.T) {
	// classes=0x0021 (ABM|half-duplex), hdlc=0, I-field RX = 0xFE octets = 2032 bits.
	body := []byte{
		xidClasses, 2, 0x00, 0x21,
		xidHDLC, 2, 0x00, 0x00,
		xidInfoRX, 1, 0xFE,
	}

	group := make([]byte, 4+len(body))
	group[0] = xidFormat
	group[1] = xidType
	group[2] = byte(len(body) >> 8)
	group[3] = byte(len(body))
	copy(group[4:], body)

	p, err := DecodeXID(group)
	assert.NoError(t, err)
	assert.EqualValues(t, 0x0021, p.Classes)
	assert.EqualValues(t, 0, p.HDLC)
	assert.EqualValues(t, 0xFE, p.InfoRX)
}
