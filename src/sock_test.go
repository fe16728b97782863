package patty

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// ptyBuf stands in for a pty master so socket tests can observe delivered
// payload without allocating a real pty pair.
type ptyBuf struct {
	bytes.Buffer
}

func (p *ptyBuf) Close() error { return nil }

func newEstablishedSock(t *testing.T, mode SockMode) *Socket {
	t.Helper()

	s := NewSocket(SockStream)
	s.Mode = mode
	s.Params = DefaultParams(mode)
	s.Local = mustAddr(t, "TEST-1")
	s.Remote = mustAddr(t, "PEER-0")
	s.window = make([]windowSlot, s.modulus())
	s.State = StateEstablished
	s.PTYMaster = &ptyBuf{}

	return s
}

func decodeOne(t *testing.T, raw []byte, format Format) Frame {
	t.Helper()

	f, err := DecodeFrame(raw, format)
	require.NoError(t, err)

	return f
}

func Test_sock_listener_sabm_handshake(t *testing.T) {
	listener := NewSocket(SockStream)
	require.NoError(t, listener.Listen(nil, mustAddr(t, "TEST-1")))

	sabm := Frame{
		Dest: mustAddr(t, "TEST-1"),
		Src:  mustAddr(t, "PEER-0"),
		Type: FrameSABM,
		CR:   true,
		PF:   true,
	}

	responses, child, err := listener.HandleFrame(sabm)
	require.NoError(t, err)
	require.Len(t, responses, 1)
	require.NotNil(t, child)

	ua := decodeOne(t, responses[0], FormatNormal)
	assert.Equal(t, FrameUA, ua.Type)
	assert.True(t, ua.Dest.Equal(sabm.Src))
	assert.True(t, ua.Src.Equal(sabm.Dest))
	assert.False(t, ua.CR)
	assert.True(t, ua.PF)

	assert.Equal(t, StateEstablished, child.State)
	assert.Equal(t, StateListening, listener.State)
	assert.Equal(t, ModeSABM, child.Mode)
	assert.EqualValues(t, 0, child.VS)
	assert.EqualValues(t, 0, child.VR)
}

func Test_sock_listener_xid_then_sabm(t *testing.T) {
	listener := NewSocket(SockStream)
	require.NoError(t, listener.Listen(nil, mustAddr(t, "TEST-1")))

	body := make([]byte, 64)
	n, err := EncodeXID(body, XIDParams{
		HaveClasses: true,
		Classes:     ClassesABM | ClassesHalfDuplex,
		HaveHDLC:    true,
		HDLC:        HDLCExtAddr | HDLCModulo8 | HDLCSyncTx | HDLCFCS16,
	})
	require.NoError(t, err)

	xid := Frame{
		Dest: mustAddr(t, "TEST-1"),
		Src:  mustAddr(t, "PEER-0"),
		Type: FrameXID,
		CR:   true,
		PF:   true,
		Info: body[:n],
	}

	responses, est, err := listener.HandleFrame(xid)
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Nil(t, est)
	assert.Len(t, listener.pendingAccepts, 1)

	reply := decodeOne(t, responses[0], FormatNormal)
	assert.Equal(t, FrameXID, reply.Type)
	assert.True(t, reply.Dest.Equal(xid.Src))

	sabm := Frame{Dest: xid.Dest, Src: xid.Src, Type: FrameSABM, CR: true, PF: true}

	responses, child, err := listener.HandleFrame(sabm)
	require.NoError(t, err)
	require.Len(t, responses, 1)
	require.NotNil(t, child)
	assert.Equal(t, StateEstablished, child.State)
	assert.Empty(t, listener.pendingAccepts)
}

func Test_sock_sabme_child_uses_modulo_128(t *testing.T) {
	listener := NewSocket(SockStream)
	require.NoError(t, listener.Listen(nil, mustAddr(t, "TEST-1")))

	sabme := Frame{Dest: mustAddr(t, "TEST-1"), Src: mustAddr(t, "PEER-0"), Type: FrameSABME, CR: true, PF: true}

	_, child, err := listener.HandleFrame(sabme)
	require.NoError(t, err)
	require.NotNil(t, child)
	assert.Equal(t, ModeSABME, child.Mode)
	assert.Equal(t, 128, child.modulus())
	assert.Len(t, child.window, 128)
}

func Test_sock_ack_advances_va_and_restarts_t1(t *testing.T) {
	s := newEstablishedSock(t, ModeSABM)

	for seq := uint8(0); seq < 3; seq++ {
		s.saveSlot(seq, []byte{seq})
	}

	s.VS = 3
	s.VA = 0
	s.T1.Start(s.Params.AckTimeout)

	rr := Frame{Dest: s.Local, Src: s.Remote, Type: FrameRR, NR: 2}

	responses, _, err := s.HandleFrame(rr)
	require.NoError(t, err)
	assert.Empty(t, responses)

	assert.True(t, s.window[0].acked)
	assert.True(t, s.window[1].acked)
	assert.False(t, s.window[2].acked)
	assert.EqualValues(t, 2, s.VA)
	assert.True(t, s.T1.Running(), "T1 restarts while slot 2 is pending")
}

func Test_sock_connect_retry_exhaustion(t *testing.T) {
	var result error

	done := false

	s := NewSocket(SockStream)

	out, err := s.Connect(nil, mustAddr(t, "TEST-1"), mustAddr(t, "PEER-0"), nil, ModeSABM, func(e error) {
		result = e
		done = true
	})
	require.NoError(t, err)
	assert.Equal(t, FrameXID, decodeOne(t, out, FormatNormal).Type)

	// Peer answers the XID, so the pending frame becomes the SABM.
	body := make([]byte, 64)
	n, err := EncodeXID(body, XIDParams{
		HaveClasses: true,
		Classes:     ClassesABM | ClassesHalfDuplex,
		HaveHDLC:    true,
		HDLC:        HDLCExtAddr | HDLCModulo8 | HDLCSyncTx | HDLCFCS16,
	})
	require.NoError(t, err)

	responses, _, err := s.HandleFrame(Frame{
		Dest: s.Local, Src: s.Remote, Type: FrameXID, Info: body[:n],
	})
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, FrameSABM, decodeOne(t, responses[0], FormatNormal).Type)

	s.Params.RetryCount = 3
	s.Retries = 3

	resent := 0

	for i := 0; i < 4; i++ {
		frames, closedNow, tickErr := s.Tick(s.Params.AckTimeout + time.Millisecond)

		for _, frame := range frames {
			assert.Equal(t, FrameSABM, decodeOne(t, frame, FormatNormal).Type)
			resent++
		}

		if i < 3 {
			assert.False(t, closedNow)
			assert.NoError(t, tickErr)
		} else {
			assert.True(t, closedNow)
			assert.ErrorIs(t, tickErr, unix.ETIMEDOUT)
		}
	}

	assert.Equal(t, 3, resent)
	assert.Equal(t, StateClosed, s.State)
	require.True(t, done)
	assert.ErrorIs(t, result, unix.ETIMEDOUT)
}

func Test_sock_connect_refused_on_dm(t *testing.T) {
	var result error

	s := NewSocket(SockStream)

	_, err := s.Connect(nil, mustAddr(t, "TEST-1"), mustAddr(t, "PEER-0"), nil, ModeSABM, func(e error) {
		result = e
	})
	require.NoError(t, err)

	_, _, err = s.HandleFrame(Frame{Dest: s.Local, Src: s.Remote, Type: FrameDM})
	require.NoError(t, err)

	assert.Equal(t, StateClosed, s.State)
	assert.ErrorIs(t, result, unix.ECONNREFUSED)
}

func Test_sock_disc_draws_ua_and_closes(t *testing.T) {
	s := newEstablishedSock(t, ModeSABM)

	disc := Frame{Dest: s.Local, Src: s.Remote, Type: FrameDISC, CR: true, PF: true}

	responses, _, err := s.HandleFrame(disc)
	require.NoError(t, err)
	require.Len(t, responses, 1)

	assert.Equal(t, FrameUA, decodeOne(t, responses[0], FormatNormal).Type)
	assert.Equal(t, StateClosed, s.State)
}

func Test_sock_in_sequence_i_frame_delivers_to_pty(t *testing.T) {
	s := newEstablishedSock(t, ModeSABM)

	in := Frame{
		Dest: s.Local, Src: s.Remote,
		Type: FrameI, NS: 0, NR: 0, PF: true,
		PID: PIDNoLayer3, Info: []byte("hello"),
	}

	responses, _, err := s.HandleFrame(in)
	require.NoError(t, err)
	require.Len(t, responses, 1, "P=1 forces an immediate RR")

	rr := decodeOne(t, responses[0], FormatNormal)
	assert.Equal(t, FrameRR, rr.Type)
	assert.EqualValues(t, 1, rr.NR)
	assert.True(t, rr.PF)

	assert.EqualValues(t, 1, s.VR)
	assert.Equal(t, "hello", s.PTYMaster.(*ptyBuf).String())
}

func Test_sock_gap_of_one_draws_srej(t *testing.T) {
	s := newEstablishedSock(t, ModeSABM)

	in := Frame{Dest: s.Local, Src: s.Remote, Type: FrameI, NS: 1, PID: PIDNoLayer3, Info: []byte("x")}

	responses, _, err := s.HandleFrame(in)
	require.NoError(t, err)
	require.Len(t, responses, 1)

	srej := decodeOne(t, responses[0], FormatNormal)
	assert.Equal(t, FrameSREJ, srej.Type)
	assert.EqualValues(t, 0, srej.NR)
}

func Test_sock_larger_gap_draws_rej(t *testing.T) {
	s := newEstablishedSock(t, ModeSABM)

	in := Frame{Dest: s.Local, Src: s.Remote, Type: FrameI, NS: 3, PID: PIDNoLayer3, Info: []byte("x")}

	responses, _, err := s.HandleFrame(in)
	require.NoError(t, err)
	require.Len(t, responses, 1)

	rej := decodeOne(t, responses[0], FormatNormal)
	assert.Equal(t, FrameREJ, rej.Type)
	assert.EqualValues(t, 0, rej.NR)
}

func Test_sock_srej_resends_one_slot(t *testing.T) {
	s := newEstablishedSock(t, ModeSABM)
	s.saveSlot(0, []byte("first"))
	s.saveSlot(1, []byte("second"))
	s.VS = 2

	responses, _, err := s.HandleFrame(Frame{Dest: s.Local, Src: s.Remote, Type: FrameSREJ, NR: 1})
	require.NoError(t, err)
	require.Len(t, responses, 1)

	resent := decodeOne(t, responses[0], FormatNormal)
	assert.Equal(t, FrameI, resent.Type)
	assert.EqualValues(t, 1, resent.NS)
	assert.Equal(t, []byte("second"), resent.Info)
}

func Test_sock_rnr_blocks_flow_until_rr(t *testing.T) {
	s := newEstablishedSock(t, ModeSABM)
	assert.True(t, s.FlowReady())

	_, _, err := s.HandleFrame(Frame{Dest: s.Local, Src: s.Remote, Type: FrameRNR, NR: 0})
	require.NoError(t, err)
	assert.False(t, s.FlowReady())

	_, _, err = s.HandleFrame(Frame{Dest: s.Local, Src: s.Remote, Type: FrameRR, NR: 0})
	require.NoError(t, err)
	assert.True(t, s.FlowReady())
}

func Test_sock_window_full_blocks_flow(t *testing.T) {
	s := newEstablishedSock(t, ModeSABM)

	for i := 0; i < s.Params.WindowTX; i++ {
		_, err := s.Write([]byte{byte(i)})
		require.NoError(t, err)
	}

	assert.False(t, s.FlowReady())

	_, _, err := s.HandleFrame(Frame{Dest: s.Local, Src: s.Remote, Type: FrameRR, NR: s.VS})
	require.NoError(t, err)
	assert.True(t, s.FlowReady())
}

func Test_sock_segmentation_round_trip(t *testing.T) {
	tx := newEstablishedSock(t, ModeSABM)
	tx.Params.MaxLenTX = 8

	rx := newEstablishedSock(t, ModeSABM)
	rx.Params.MaxLenRX = 8

	payload := []byte("the quick brown fox jumps over the lazy dog")

	frames, err := tx.Write(payload)
	require.NoError(t, err)
	require.Greater(t, len(frames), 1)

	for _, raw := range frames {
		f := decodeOne(t, raw, FormatNormal)
		assert.Equal(t, PIDSegmenter, int(f.PID))

		_, _, err := rx.HandleFrame(f)
		require.NoError(t, err)
	}

	assert.Equal(t, string(payload), rx.PTYMaster.(*ptyBuf).String())
	assert.Nil(t, rx.reasm)
}

func Test_sock_segment_out_of_order_discards_reassembly(t *testing.T) {
	rx := newEstablishedSock(t, ModeSABM)

	first := Frame{
		Dest: rx.Local, Src: rx.Remote,
		Type: FrameI, NS: 0, PID: PIDSegmenter,
		Info: append([]byte{0x80 | 2}, []byte("aaa")...),
	}

	_, _, err := rx.HandleFrame(first)
	require.NoError(t, err)
	require.NotNil(t, rx.reasm)

	// remaining jumps back up instead of decreasing.
	bogus := Frame{
		Dest: rx.Local, Src: rx.Remote,
		Type: FrameI, NS: 1, PID: PIDSegmenter,
		Info: append([]byte{5}, []byte("bbb")...),
	}

	responses, _, err := rx.HandleFrame(bogus)
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, FrameSREJ, decodeOne(t, responses[0], FormatNormal).Type)
	assert.Nil(t, rx.reasm)
	assert.Empty(t, rx.PTYMaster.(*ptyBuf).String())
}

func Test_sock_negotiate_takes_peer_receive_capacity(t *testing.T) {
	s := NewSocket(SockStream)
	s.Params = DefaultParams(ModeSABM)

	err := s.negotiate(XIDParams{
		HaveClasses:  true,
		Classes:      ClassesABM | ClassesHalfDuplex,
		HaveHDLC:     true,
		HDLC:         HDLCExtAddr | HDLCModulo8 | HDLCSyncTx | HDLCFCS16,
		HaveInfoRX:   true,
		InfoRX:       128 * 8,
		HaveWindowRX: true,
		WindowRX:     2,
		HaveAck:      true,
		Ack:          10000,
		HaveRetry:    true,
		Retry:        15,
	})
	require.NoError(t, err)

	assert.Equal(t, 128, s.Params.MaxLenTX, "peer's receive length caps our transmit length")
	assert.Equal(t, 2, s.Params.WindowTX, "peer's receive window caps our transmit window")
	assert.Equal(t, 10*time.Second, s.Params.AckTimeout, "ack timeout upgrades to the max")
	assert.Equal(t, 15, s.Params.RetryCount, "retry count upgrades to the max")
}

func Test_sock_negotiate_rejects_full_duplex(t *testing.T) {
	s := NewSocket(SockStream)
	s.Params = DefaultParams(ModeSABM)

	err := s.negotiate(XIDParams{
		HaveClasses: true,
		Classes:     ClassesABM | ClassesHalfDuplex | ClassesFullDuplex,
	})
	assert.ErrorIs(t, err, ErrNotSupp)
}

func Test_sock_negotiate_modulo_128_flag_selects_sabme(t *testing.T) {
	s := NewSocket(SockStream)
	s.Params = DefaultParams(ModeSABM)

	err := s.negotiate(XIDParams{
		HaveHDLC: true,
		HDLC:     HDLCExtAddr | HDLCModulo128 | HDLCSyncTx | HDLCFCS16,
	})
	require.NoError(t, err)
	assert.Equal(t, ModeSABME, s.Mode)
}

func Test_sock_t3_expiry_polls_with_rr(t *testing.T) {
	s := newEstablishedSock(t, ModeSABM)
	s.Retries = s.Params.RetryCount
	s.T3.Start(s.Params.T3)

	frames, closedNow, err := s.Tick(s.Params.T3 + time.Millisecond)
	require.NoError(t, err)
	assert.False(t, closedNow)
	require.Len(t, frames, 1)

	rr := decodeOne(t, frames[0], FormatNormal)
	assert.Equal(t, FrameRR, rr.Type)
	assert.True(t, rr.PF)
	assert.True(t, rr.CR, "keepalive poll is a command")
	assert.True(t, s.T1.Running())
}

func Test_sock_t2_expiry_sends_delayed_ack(t *testing.T) {
	s := newEstablishedSock(t, ModeSABM)
	s.Retries = s.Params.RetryCount

	in := Frame{Dest: s.Local, Src: s.Remote, Type: FrameI, NS: 0, PID: PIDNoLayer3, Info: []byte("x")}

	responses, _, err := s.HandleFrame(in)
	require.NoError(t, err)
	assert.Empty(t, responses, "a single frame under the ack threshold is not acked immediately")
	assert.True(t, s.T2.Running())

	frames, _, err := s.Tick(s.Params.T2 + time.Millisecond)
	require.NoError(t, err)
	require.Len(t, frames, 1)

	rr := decodeOne(t, frames[0], FormatNormal)
	assert.Equal(t, FrameRR, rr.Type)
	assert.EqualValues(t, 1, rr.NR)
}
