package patty

/*------------------------------------------------------------------
 *
 * Purpose:	The connection-socket state machine: SABM/SABME setup
 *		and teardown, sliding-window acknowledgement, T1/T2/T3
 *		timers, segmentation/reassembly, and XID parameter
 *		negotiation.
 *
 * Description:	Each connected-mode link holds the classic AX.25
 *		sequence variables V(S), V(R), V(A), a slot table with
 *		one saved I-frame payload per outstanding sequence
 *		number, and three timers:
 *
 *			T1 - outstanding I frame / pending poll
 *			T2 - response delay, batches acknowledgements
 *			T3 - inactive-link keepalive
 *
 *		Sequence arithmetic is modulo 8 under SABM and modulo
 *		128 under SABME.
 *
 *---------------------------------------------------------------*/

import (
	"fmt"
	"time"

	"github.com/rs/xid"
)

type SockState int

const (
	StateClosed SockState = iota
	StateListening
	StatePendingAccept
	StatePendingConnect
	StatePendingDisconnect
	StateEstablished
	StatePromisc
)

func (s SockState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateListening:
		return "LISTENING"
	case StatePendingAccept:
		return "PENDING_ACCEPT"
	case StatePendingConnect:
		return "PENDING_CONNECT"
	case StatePendingDisconnect:
		return "PENDING_DISCONNECT"
	case StateEstablished:
		return "ESTABLISHED"
	case StatePromisc:
		return "PROMISC"
	default:
		return "?"
	}
}

type SockMode int

const (
	ModeDM SockMode = iota
	ModeSABM
	ModeSABME
)

type SockType int

const (
	SockStream SockType = iota
	SockDgram
	SockRaw
)

type SockParams struct {
	MaxLenTX int // N1: max I-field length we may transmit
	MaxLenRX int
	WindowTX int // N2: outstanding-frame window size, modulo-dependent
	WindowRX int
	AckTimeout  time.Duration // N_ack: T1 duration
	RetryCount  int           // N_retry
	T2          time.Duration
	T3          time.Duration
}

func DefaultParams(mode SockMode) SockParams {
	p := SockParams{
		MaxLenTX:   256,
		MaxLenRX:   256,
		AckTimeout: 3 * time.Second,
		RetryCount: 10,
		T2:         3 * time.Second,
		T3:         30 * time.Second,
	}

	if mode == ModeSABME {
		p.WindowTX, p.WindowRX = 32, 32
	} else {
		p.WindowTX, p.WindowRX = 4, 4
	}

	return p
}

type windowSlot struct {
	payload []byte
	valid   bool
	acked   bool
}

// Reassembler accumulates segmenter (PID 0x08) pieces into one payload.
type Reassembler struct {
	total     int
	remaining int
	buf       []byte
	cap       int
}

// DefaultReassemblerCap is the ceiling on a single reassembly's size,
// independent of the negotiated MaxLenRX x 128-segment math that could
// otherwise let a peer claim a much larger buffer up front.
const DefaultReassemblerCap = 256 * 1024

// Socket is one AX.25 connection's full state.
type Socket struct {
	ID xid.ID

	Type  SockType
	Mode  SockMode
	State SockState

	Iface     *Interface
	Local     Addr
	Remote    Addr
	Repeaters []Addr

	Params SockParams

	VS, VR, VA uint8
	T1, T2, T3 Timer
	Retries    int
	RxPending  int

	window   []windowSlot
	reasm    *Reassembler
	peerBusy bool
	sentSABM bool

	PTYMaster PTYEndpoint
	PTYPath   string

	// RawDec decodes KISS-framed pty writes on a promiscuous raw socket
	// so they can be transmitted verbatim out the bound interface.
	RawDec *KissDecoder

	OwnerClient int

	parent   *Socket
	onResult func(error) // invoked once for a pending connect()/disconnect()

	pendingAccepts []*Socket
}

// PTYEndpoint is the minimal surface Socket needs from its pty master; an
// interface so tests can substitute an in-memory pipe.
type PTYEndpoint interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

func (s *Socket) modulus() int {
	if s.Mode == ModeSABME {
		return 128
	}

	return 8
}

func (s *Socket) format() Format {
	if s.Mode == ModeSABME {
		return FormatExtended
	}

	return FormatNormal
}

// NewSocket allocates a CLOSED socket with a fresh opaque id.
func NewSocket(typ SockType) *Socket {
	return &Socket{ID: xid.New(), Type: typ, State: StateClosed}
}

// Listen transitions a closed socket into LISTENING on iface/local.
func (s *Socket) Listen(iface *Interface, local Addr) error {
	if s.State != StateClosed {
		return fmt.Errorf("%w: listen on socket in state %s", ErrState, s.State)
	}

	s.Iface = iface
	s.Local = local
	s.State = StateListening

	return nil
}

// Connect begins an active open: send XID, arm T1, move to PENDING_CONNECT.
// onResult is invoked with nil on success (UA received) or an error
// (ECONNREFUSED / ETIMEDOUT) if the attempt fails.
func (s *Socket) Connect(iface *Interface, local, remote Addr, repeaters []Addr, mode SockMode, onResult func(error)) ([]byte, error) {
	if s.State != StateClosed {
		return nil, fmt.Errorf("%w: connect on socket in state %s", ErrState, s.State)
	}

	s.Iface = iface
	s.Local = local
	s.Remote = remote
	s.Repeaters = repeaters
	s.Mode = mode
	s.Params = DefaultParams(mode)
	s.State = StatePendingConnect
	s.onResult = onResult
	s.Retries = s.Params.RetryCount

	out, err := s.encodeXIDRequest()
	if err != nil {
		return nil, err
	}

	s.T1.Start(s.Params.AckTimeout)

	return out, nil
}

func (s *Socket) encodeXIDRequest() ([]byte, error) {
	params := xidParamsFromSocket(s)

	body := make([]byte, 64)

	n, err := EncodeXID(body, params)
	if err != nil {
		return nil, err
	}

	f := Frame{
		Dest:      s.Remote,
		Src:       s.Local,
		Repeaters: s.Repeaters,
		Type:      FrameXID,
		CR:        true,
		PF:        true,
		Info:      body[:n],
	}

	buf := make([]byte, 512)

	fn, err := EncodeFrame(buf, f)
	if err != nil {
		return nil, err
	}

	return buf[:fn], nil
}

func xidParamsFromSocket(s *Socket) XIDParams {
	classes := ClassesABM | ClassesHalfDuplex
	hdlc := HDLCExtAddr | HDLCSyncTx | HDLCFCS16

	if s.Mode == ModeSABME {
		hdlc |= HDLCModulo128
	} else {
		hdlc |= HDLCModulo8
	}

	return XIDParams{
		HaveClasses:  true,
		Classes:      classes,
		HaveHDLC:     true,
		HDLC:         hdlc,
		HaveInfoTX:   true,
		InfoTX:       uint16(s.Params.MaxLenTX * 8),
		HaveInfoRX:   true,
		InfoRX:       uint16(s.Params.MaxLenRX * 8),
		HaveWindowTX: true,
		WindowTX:     uint8(s.Params.WindowTX),
		HaveWindowRX: true,
		WindowRX:     uint8(s.Params.WindowRX),
		HaveAck:      true,
		Ack:          uint16(s.Params.AckTimeout.Milliseconds()),
		HaveRetry:    true,
		Retry:        uint8(s.Params.RetryCount),
	}
}

// negotiate merges a peer's XID parameters into this socket's own,
// returning an error if a mandatory flag is absent.
func (s *Socket) negotiate(peer XIDParams) error {
	if peer.HaveClasses {
		if peer.Classes&ClassesABM == 0 || peer.Classes&ClassesHalfDuplex == 0 {
			return fmt.Errorf("%w: peer classes missing ABM/half-duplex", ErrNotSupp)
		}

		if peer.Classes&ClassesFullDuplex != 0 {
			return fmt.Errorf("%w: peer requires full duplex", ErrNotSupp)
		}
	}

	if peer.HaveHDLC {
		const mandatory = HDLCExtAddr | HDLCSyncTx | HDLCFCS16
		if peer.HDLC&mandatory != mandatory {
			return fmt.Errorf("%w: peer HDLC options missing required flags", ErrNotSupp)
		}

		if peer.HDLC&HDLCModulo128 != 0 {
			s.Mode = ModeSABME
		} else {
			s.Mode = ModeSABM
		}
	}

	// The peer's receive capacities bound our transmit side, and vice
	// versa: what they can take in is what we may send.
	if peer.HaveInfoRX && int(peer.InfoRX/8) < s.Params.MaxLenTX {
		s.Params.MaxLenTX = int(peer.InfoRX / 8)
	}

	if peer.HaveInfoTX && int(peer.InfoTX/8) < s.Params.MaxLenRX {
		s.Params.MaxLenRX = int(peer.InfoTX / 8)
	}

	if peer.HaveWindowRX && int(peer.WindowRX) < s.Params.WindowTX {
		s.Params.WindowTX = int(peer.WindowRX)
	}

	if peer.HaveWindowTX && int(peer.WindowTX) < s.Params.WindowRX {
		s.Params.WindowRX = int(peer.WindowTX)
	}

	if peer.HaveAck {
		peerAck := time.Duration(peer.Ack) * time.Millisecond
		if peerAck > s.Params.AckTimeout {
			s.Params.AckTimeout = peerAck
		}
	}

	if peer.HaveRetry && int(peer.Retry) > s.Params.RetryCount {
		s.Params.RetryCount = int(peer.Retry)
	}

	return nil
}

// HandleFrame processes one inbound frame already routed to this socket.
// It returns zero or more frames to transmit in response, and the socket
// (this one, or a freshly accepted child of a listener) that newly reached
// ESTABLISHED, so the server can index it and notify a listener's accept()
// pty.
func (s *Socket) HandleFrame(f Frame) (responses [][]byte, established *Socket, err error) {
	switch s.State {
	case StateListening:
		return s.handleListening(f)
	case StatePendingConnect:
		return s.handlePendingConnect(f)
	case StatePendingAccept:
		return s.handlePendingAccept(f)
	case StateEstablished:
		return s.handleEstablished(f)
	case StatePendingDisconnect:
		return s.handlePendingDisconnect(f)
	default:
		return nil, nil, nil
	}
}

func (s *Socket) handleListening(f Frame) ([][]byte, *Socket, error) {
	switch f.Type {
	case FrameXID:
		peer, err := DecodeXID(f.Info)
		if err != nil {
			return nil, nil, err
		}

		child := NewSocket(SockStream)
		child.parent = s
		child.Iface = s.Iface
		child.Local = f.Dest
		child.Remote = f.Src
		child.Repeaters = reverseAddrs(f.Repeaters)
		child.Mode = ModeSABM
		child.Params = DefaultParams(ModeSABM)
		child.State = StatePendingAccept

		if err := child.negotiate(peer); err != nil {
			return nil, nil, err
		}

		child.Retries = child.Params.RetryCount
		child.T1.Start(child.Params.AckTimeout)
		s.pendingAccepts = append(s.pendingAccepts, child)

		body := make([]byte, 64)

		bn, err := EncodeXID(body, xidParamsFromSocket(child))
		if err != nil {
			return nil, nil, err
		}

		reply := EncodeReplyTo(f, Frame{Type: FrameXID, PF: true, Info: body[:bn]})
		buf := make([]byte, 512)

		n, err := EncodeFrame(buf, reply)
		if err != nil {
			return nil, nil, err
		}

		return [][]byte{buf[:n]}, nil, nil

	case FrameSABM, FrameSABME:
		var child *Socket

		for i, c := range s.pendingAccepts {
			if c.Remote.Equal(f.Src) {
				child = c
				s.pendingAccepts = append(s.pendingAccepts[:i], s.pendingAccepts[i+1:]...)

				break
			}
		}

		if child == nil {
			child = NewSocket(SockStream)
			child.parent = s
			child.Iface = s.Iface
			child.Local = f.Dest
			child.Remote = f.Src
			child.Repeaters = reverseAddrs(f.Repeaters)
			child.Params = DefaultParams(ModeSABM)
		}

		if f.Type == FrameSABME {
			child.Mode = ModeSABME
		} else {
			child.Mode = ModeSABM
		}

		child.window = make([]windowSlot, child.modulus())
		child.VS, child.VR, child.VA = 0, 0, 0
		child.State = StateEstablished
		child.T1.Clear()
		child.T3.Start(child.Params.T3)

		ua := EncodeReplyTo(f, Frame{Type: FrameUA, PF: f.PF})
		buf := make([]byte, 512)

		n, err := EncodeFrame(buf, ua)
		if err != nil {
			return nil, nil, err
		}

		return [][]byte{buf[:n]}, child, nil

	default:
		return nil, nil, nil
	}
}

func reverseAddrs(in []Addr) []Addr {
	if len(in) == 0 {
		return nil
	}

	out := make([]Addr, len(in))
	for i, a := range in {
		out[len(in)-1-i] = a
	}

	return out
}

func (s *Socket) handlePendingConnect(f Frame) ([][]byte, *Socket, error) {
	switch f.Type {
	case FrameXID:
		peer, err := DecodeXID(f.Info)
		if err != nil {
			return nil, nil, err
		}

		if err := s.negotiate(peer); err != nil {
			return nil, nil, err
		}

		s.sentSABM = true

		frames, err := s.encodeSetupFrame()
		if err != nil {
			return nil, nil, err
		}

		s.T1.Start(s.Params.AckTimeout)

		return frames, nil, nil

	case FrameUA:
		s.window = make([]windowSlot, s.modulus())
		s.VS, s.VR, s.VA = 0, 0, 0
		s.State = StateEstablished
		s.T1.Clear()
		s.T3.Start(s.Params.T3)

		if s.onResult != nil {
			s.onResult(nil)
			s.onResult = nil
		}

		return nil, s, nil

	case FrameDM:
		s.State = StateClosed

		if s.onResult != nil {
			s.onResult(fmt.Errorf("%w: peer refused connection", errConnRefused))
			s.onResult = nil
		}

		return nil, nil, nil

	default:
		return nil, nil, nil
	}
}

func (s *Socket) handlePendingAccept(f Frame) ([][]byte, *Socket, error) {
	if f.Type == FrameSABM || f.Type == FrameSABME {
		s.window = make([]windowSlot, s.modulus())
		s.VS, s.VR, s.VA = 0, 0, 0
		s.State = StateEstablished
		s.T1.Clear()
		s.T3.Start(s.Params.T3)

		ua := EncodeReplyTo(f, Frame{Type: FrameUA, PF: f.PF})
		buf := make([]byte, 64)

		n, err := EncodeFrame(buf, ua)
		if err != nil {
			return nil, nil, err
		}

		return [][]byte{buf[:n]}, s, nil
	}

	return nil, nil, nil
}

func (s *Socket) handlePendingDisconnect(f Frame) ([][]byte, *Socket, error) {
	if f.Type == FrameUA || f.Type == FrameDM {
		s.State = StateClosed
		s.T1.Clear()

		if s.onResult != nil {
			s.onResult(nil)
			s.onResult = nil
		}
	}

	return nil, nil, nil
}

func (s *Socket) handleEstablished(f Frame) ([][]byte, *Socket, error) {
	switch f.Type {
	case FrameRR, FrameRNR, FrameREJ:
		s.peerBusy = f.Type == FrameRNR
		s.ackThrough(f.NR)

		if f.Type == FrameREJ {
			frames, err := s.retransmitFrom(f.NR)

			return frames, nil, err
		}

		return nil, nil, nil

	case FrameI:
		return s.handleI(f)

	case FrameSREJ:
		frames, err := s.retransmitOne(f.NR)

		return frames, nil, err

	case FrameDISC:
		ua := EncodeReplyTo(f, Frame{Type: FrameUA, PF: f.PF})
		buf := make([]byte, 64)

		n, err := EncodeFrame(buf, ua)
		if err != nil {
			return nil, nil, err
		}

		s.State = StateClosed
		s.T1.Clear()
		s.T2.Clear()
		s.T3.Clear()

		return [][]byte{buf[:n]}, nil, nil

	default:
		return nil, nil, nil
	}
}

func (s *Socket) handleI(f Frame) ([][]byte, *Socket, error) {
	s.ackThrough(f.NR)

	expected := s.VR

	switch {
	case f.NS == expected:
		s.VR = (s.VR + 1) % uint8(s.modulus())
		s.RxPending++

		if err := s.deliver(f); err != nil {
			// A broken segment stream: the reassembly buffer is already
			// discarded, ask the peer to start the transfer over.
			frames, serr := s.sendSREJ(s.VR)
			if serr != nil {
				return nil, nil, serr
			}

			return frames, nil, nil
		}

		if s.RxPending >= s.Params.WindowRX/2 || f.PF {
			frames, err := s.sendRR(f.PF)

			return frames, nil, err
		}

		s.T2.Start(s.Params.T2)

		return nil, nil, nil

	case f.NS == (expected+1)%uint8(s.modulus()):
		frames, err := s.sendSREJ(expected)

		return frames, nil, err

	default:
		frames, err := s.sendREJ(expected)

		return frames, nil, err
	}
}

// deliver hands a received I-frame's payload to the pty, reassembling
// segmenter pieces first when PID indicates segmentation.
func (s *Socket) deliver(f Frame) error {
	if f.PID != PIDSegmenter {
		return s.writePTY(f.Info)
	}

	if len(f.Info) == 0 {
		return fmt.Errorf("%w: empty segment", ErrDecode)
	}

	header := f.Info[0]
	first := header&0x80 != 0
	remaining := int(header & 0x7f)
	piece := f.Info[1:]

	if first {
		ceiling := s.Params.MaxLenRX * 128
		if ceiling > DefaultReassemblerCap {
			ceiling = DefaultReassemblerCap
		}

		s.reasm = &Reassembler{total: remaining + 1, remaining: remaining, cap: ceiling}
	}

	if s.reasm == nil || remaining >= s.reasm.remaining && !first {
		s.reasm = nil

		return fmt.Errorf("%w: segment out of order", ErrDecode)
	}

	if len(s.reasm.buf)+len(piece) > s.reasm.cap {
		s.reasm = nil

		return fmt.Errorf("%w: reassembly exceeds cap", ErrOverflow)
	}

	s.reasm.buf = append(s.reasm.buf, piece...)
	s.reasm.remaining = remaining

	if remaining == 0 {
		out := s.reasm.buf
		s.reasm = nil

		return s.writePTY(out)
	}

	return nil
}

func (s *Socket) writePTY(payload []byte) error {
	if s.PTYMaster == nil {
		return nil
	}

	_, err := s.PTYMaster.Write(payload)

	return err
}

func (s *Socket) ackThrough(nr uint8) {
	mod := uint8(s.modulus())

	anyNew := false

	for i := s.VA; i != nr; i = (i + 1) % mod {
		if int(i) < len(s.window) && s.window[i].valid {
			s.window[i].acked = true
			anyNew = true
		}
	}

	s.VA = nr

	if anyNew {
		s.T1.Clear()

		if s.outstanding() {
			s.T1.Start(s.Params.AckTimeout)
		}
	}
}

// windowUsed returns the number of unacknowledged sequence numbers
// currently in flight: the distance from V(A) to V(S) modulo the sequence
// modulus.
func (s *Socket) windowUsed() int {
	mod := s.modulus()

	return (int(s.VS) - int(s.VA) + mod) % mod
}

// FlowReady reports whether this socket may accept more payload from its
// pty right now: established and the transmit window has room.
// The event loop stops reading a socket's pty once this goes false, and
// resumes once an RR response clears slots (or an RNR peer-busy condition
// is lifted).
func (s *Socket) FlowReady() bool {
	return s.State == StateEstablished && !s.peerBusy && s.windowUsed() < s.Params.WindowTX
}

func (s *Socket) outstanding() bool {
	for i := s.VA; i != s.VS; i = (i + 1) % uint8(s.modulus()) {
		if int(i) < len(s.window) && s.window[i].valid && !s.window[i].acked {
			return true
		}
	}

	return false
}

func (s *Socket) sendRR(final bool) ([][]byte, error) {
	s.RxPending = 0
	s.T2.Clear()

	f := Frame{
		Dest: s.Remote, Src: s.Local, Repeaters: s.Repeaters,
		Format: s.format(),
		Type:   FrameRR, NR: s.VR, PF: final,
	}

	buf := make([]byte, 32)

	n, err := EncodeFrame(buf, f)
	if err != nil {
		return nil, err
	}

	return [][]byte{buf[:n]}, nil
}

func (s *Socket) sendREJ(nr uint8) ([][]byte, error) {
	f := Frame{Dest: s.Remote, Src: s.Local, Repeaters: s.Repeaters, Format: s.format(), Type: FrameREJ, NR: nr}

	buf := make([]byte, 32)

	n, err := EncodeFrame(buf, f)
	if err != nil {
		return nil, err
	}

	return [][]byte{buf[:n]}, nil
}

func (s *Socket) sendSREJ(nr uint8) ([][]byte, error) {
	f := Frame{Dest: s.Remote, Src: s.Local, Repeaters: s.Repeaters, Format: s.format(), Type: FrameSREJ, NR: nr}

	buf := make([]byte, 32)

	n, err := EncodeFrame(buf, f)
	if err != nil {
		return nil, err
	}

	return [][]byte{buf[:n]}, nil
}

func (s *Socket) retransmitOne(seq uint8) ([][]byte, error) {
	if int(seq) >= len(s.window) || !s.window[seq].valid {
		return nil, nil
	}

	f := Frame{
		Dest: s.Remote, Src: s.Local, Repeaters: s.Repeaters,
		Format: s.format(),
		Type:   FrameI, NS: seq, NR: s.VR, PID: PIDNoLayer3, Info: s.window[seq].payload,
	}

	buf := make([]byte, s.Params.MaxLenTX+32)

	n, err := EncodeFrame(buf, f)
	if err != nil {
		return nil, err
	}

	return [][]byte{buf[:n]}, nil
}

func (s *Socket) retransmitFrom(seq uint8) ([][]byte, error) {
	var out [][]byte

	mod := uint8(s.modulus())
	for i := seq; i != s.VS; i = (i + 1) % mod {
		frames, err := s.retransmitOne(i)
		if err != nil {
			return nil, err
		}

		out = append(out, frames...)
	}

	return out, nil
}

// Write accepts payload from the client side (a pty read) and transmits it
// as one or more I frames, segmenting if it exceeds MaxLenTX.
func (s *Socket) Write(payload []byte) ([][]byte, error) {
	if s.State != StateEstablished {
		return nil, fmt.Errorf("%w: write on socket in state %s", ErrState, s.State)
	}

	if len(payload) <= s.Params.MaxLenTX {
		return s.sendI(PIDNoLayer3, payload)
	}

	return s.sendSegmented(payload)
}

func (s *Socket) sendI(pid byte, payload []byte) ([][]byte, error) {
	seq := s.VS
	s.saveSlot(seq, payload)

	f := Frame{
		Dest: s.Remote, Src: s.Local, Repeaters: s.Repeaters,
		Format: s.format(),
		Type:   FrameI, NS: seq, NR: s.VR, PID: pid, Info: payload,
	}

	s.VS = (s.VS + 1) % uint8(s.modulus())

	buf := make([]byte, len(payload)+32)

	n, err := EncodeFrame(buf, f)
	if err != nil {
		return nil, err
	}

	if !s.T1.Running() {
		s.T1.Start(s.Params.AckTimeout)
	}

	return [][]byte{buf[:n]}, nil
}

func (s *Socket) saveSlot(seq uint8, payload []byte) {
	if int(seq) >= len(s.window) {
		return
	}

	cp := append([]byte(nil), payload...)
	s.window[seq] = windowSlot{payload: cp, valid: true}
}

// sendSegmented splits payload into pieces of MaxLenTX-1 bytes, prefixes
// each with a one-byte segmenter header, and sends each as an I frame.
func (s *Socket) sendSegmented(payload []byte) ([][]byte, error) {
	pieceLen := s.Params.MaxLenTX - 1
	if pieceLen < 1 {
		return nil, fmt.Errorf("%w: MaxLenTX too small to segment", ErrOverflow)
	}

	var pieces [][]byte
	for off := 0; off < len(payload); off += pieceLen {
		end := off + pieceLen
		if end > len(payload) {
			end = len(payload)
		}

		pieces = append(pieces, payload[off:end])
	}

	if len(pieces) > 128 {
		return nil, fmt.Errorf("%w: payload needs more than 128 segments", ErrOverflow)
	}

	var out [][]byte

	for i, piece := range pieces {
		remaining := len(pieces) - i - 1
		header := byte(remaining)

		if i == 0 {
			header |= 0x80
		}

		body := append([]byte{header}, piece...)

		frames, err := s.sendI(PIDSegmenter, body)
		if err != nil {
			return nil, err
		}

		out = append(out, frames...)
	}

	return out, nil
}

// Close begins a graceful shutdown: send DISC, arm T1, enter
// PENDING_DISCONNECT.
func (s *Socket) Close(onResult func(error)) ([][]byte, error) {
	if s.State != StateEstablished {
		s.State = StateClosed

		return nil, nil
	}

	f := Frame{Dest: s.Remote, Src: s.Local, Repeaters: s.Repeaters, Type: FrameDISC, CR: true, PF: true}

	buf := make([]byte, 32)

	n, err := EncodeFrame(buf, f)
	if err != nil {
		return nil, err
	}

	s.State = StatePendingDisconnect
	s.onResult = onResult
	s.Retries = s.Params.RetryCount
	s.T1.Start(s.Params.AckTimeout)

	return [][]byte{buf[:n]}, nil
}

// Tick advances this socket's timers by elapsed and returns any
// retransmission the expiry requires. Called unconditionally every event
// loop iteration.
func (s *Socket) Tick(elapsed time.Duration) (out [][]byte, closedNow bool, timeoutErr error) {
	s.T1.Tick(elapsed)
	s.T2.Tick(elapsed)
	s.T3.Tick(elapsed)

	if s.T2.Expired() {
		s.T2.Clear()
		frames, _ := s.sendRR(true)
		out = append(out, frames...)
	}

	if s.T3.Expired() {
		s.T3.Clear()
		s.T3.Start(s.Params.T3)

		if !s.T1.Running() {
			s.T1.Start(s.Params.AckTimeout)

			f := Frame{Dest: s.Remote, Src: s.Local, Repeaters: s.Repeaters, Format: s.format(), Type: FrameRR, NR: s.VR, PF: true, CR: true}
			buf := make([]byte, 32)

			if n, err := EncodeFrame(buf, f); err == nil {
				out = append(out, buf[:n])
			}
		}
	}

	if s.T1.Expired() {
		s.T1.Clear()
		s.Retries--

		if s.Retries < 0 {
			prevState := s.State
			s.State = StateClosed

			if s.onResult != nil {
				if prevState == StatePendingConnect || prevState == StatePendingDisconnect {
					s.onResult(errTimedOut)
				}

				s.onResult = nil
			}

			return out, true, errTimedOut
		}

		retry, err := s.retryFrame()
		if err != nil {
			return out, false, err
		}

		out = append(out, retry...)
		s.T1.Start(s.Params.AckTimeout)
	}

	return out, false, nil
}

func (s *Socket) retryFrame() ([][]byte, error) {
	switch s.State {
	case StatePendingConnect:
		// Once the XID exchange has completed the pending frame is the
		// SABM/SABME awaiting its UA; before that it is the XID itself.
		if s.sentSABM {
			return s.encodeSetupFrame()
		}

		return s.encodeXIDRequestFrames()
	case StatePendingAccept:
		return s.encodeXIDRequestFrames()
	case StatePendingDisconnect:
		f := Frame{Dest: s.Remote, Src: s.Local, Repeaters: s.Repeaters, Type: FrameDISC, CR: true, PF: true}
		buf := make([]byte, 32)

		n, err := EncodeFrame(buf, f)
		if err != nil {
			return nil, err
		}

		return [][]byte{buf[:n]}, nil
	case StateEstablished:
		return s.retransmitFromVA()
	default:
		return nil, nil
	}
}

func (s *Socket) encodeXIDRequestFrames() ([][]byte, error) {
	out, err := s.encodeXIDRequest()
	if err != nil {
		return nil, err
	}

	return [][]byte{out}, nil
}

func (s *Socket) encodeSetupFrame() ([][]byte, error) {
	f := Frame{
		Dest:      s.Remote,
		Src:       s.Local,
		Repeaters: s.Repeaters,
		Type:      FrameSABM,
		CR:        true,
		PF:        true,
	}
	if s.Mode == ModeSABME {
		f.Type = FrameSABME
	}

	buf := make([]byte, 64)

	n, err := EncodeFrame(buf, f)
	if err != nil {
		return nil, err
	}

	return [][]byte{buf[:n]}, nil
}

func (s *Socket) retransmitFromVA() ([][]byte, error) {
	return s.retransmitFrom(s.VA)
}
