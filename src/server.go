package patty

/*------------------------------------------------------------------
 *
 * Purpose:	The server event loop: a single-threaded reactor that
 *		multiplexes the local-domain control socket, connected
 *		clients, interfaces, and every connection socket's pty
 *		and timers against one readiness wait.
 *
 * Description:	One iteration snapshots monotonic time, waits up to a
 *		second for readiness on the watched fd set, then services
 *		in fixed order: socket timers and pty reads, client
 *		calls, interface traffic, and finally new client
 *		connections. Frame dispatch matches the (local,remote)
 *		address pair first and falls back to a listening socket
 *		on the destination alone for link-setup frames.
 *
 *---------------------------------------------------------------*/

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/rs/xid"
	"golang.org/x/sys/unix"
)

type pairKey struct {
	local, remote Hash
}

// Server is the engine's single owner of every interface, route, client,
// and connection socket. All mutation happens from within Run's loop
// goroutine; there is no other synchronization.
type Server struct {
	SockPath string
	listenFD int

	watchedIface  map[int]*Interface
	watchedClient map[int]int // client fd -> itself, just a set

	ifaces []*Interface
	Routes *RouteTable

	sockets  map[xid.ID]*Socket
	byPTYFD  map[int]*Socket
	byLocal  map[Hash][]*Socket
	byPair   map[pairKey]*Socket
	byClient map[int]map[xid.ID]bool

	lastTick time.Time

	Metrics *Metrics
}

// NewServer creates and binds the local-domain control socket at path,
// removing a stale socket file left behind by a previous run.
func NewServer(sockPath string) (*Server, error) {
	_ = os.Remove(sockPath)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("create control socket: %w", err)
	}

	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: sockPath}); err != nil {
		_ = unix.Close(fd)

		return nil, fmt.Errorf("bind control socket %s: %w", sockPath, err)
	}

	if err := unix.Listen(fd, 16); err != nil {
		_ = unix.Close(fd)

		return nil, fmt.Errorf("listen on control socket: %w", err)
	}

	return &Server{
		SockPath:      sockPath,
		listenFD:      fd,
		watchedIface:  make(map[int]*Interface),
		watchedClient: make(map[int]int),
		Routes:        NewRouteTable(),
		sockets:       make(map[xid.ID]*Socket),
		byPTYFD:       make(map[int]*Socket),
		byLocal:       make(map[Hash][]*Socket),
		byPair:        make(map[pairKey]*Socket),
		byClient:      make(map[int]map[xid.ID]bool),
		lastTick:      time.Now(),
	}, nil
}

// Close releases the listening socket and every owned interface.
func (s *Server) Close() {
	_ = unix.Close(s.listenFD)
	_ = os.Remove(s.SockPath)

	for _, iface := range s.ifaces {
		_ = iface.Driver.Close()
	}
}

// AddInterface registers an interface and starts watching its driver fd.
func (s *Server) AddInterface(iface *Interface) {
	iface.Status = IfaceUp
	s.ifaces = append(s.ifaces, iface)
	s.watchedIface[iface.FD()] = iface
}

func pairOf(local, remote Addr) pairKey {
	return pairKey{local: local.Hash(), remote: remote.Hash()}
}

func (s *Server) indexSocket(sock *Socket) {
	s.sockets[sock.ID] = sock

	if sock.PTYMaster != nil {
		if f, ok := sock.PTYMaster.(*os.File); ok {
			s.byPTYFD[int(f.Fd())] = sock
		}
	}

	if sock.OwnerClient != 0 {
		if s.byClient[sock.OwnerClient] == nil {
			s.byClient[sock.OwnerClient] = make(map[xid.ID]bool)
		}

		s.byClient[sock.OwnerClient][sock.ID] = true
	}
}

func (s *Server) indexListening(sock *Socket) {
	key := sock.Local.Hash()
	s.byLocal[key] = append(s.byLocal[key], sock)
}

func (s *Server) indexEstablished(sock *Socket) {
	s.byPair[pairOf(sock.Local, sock.Remote)] = sock
}

func (s *Server) dropSocket(sock *Socket) {
	delete(s.sockets, sock.ID)
	delete(s.byPair, pairOf(sock.Local, sock.Remote))

	if sock.PTYMaster != nil {
		if f, ok := sock.PTYMaster.(*os.File); ok {
			delete(s.byPTYFD, int(f.Fd()))
		}

		_ = sock.PTYMaster.Close()
	}

	if clients, ok := s.byClient[sock.OwnerClient]; ok {
		delete(clients, sock.ID)
	}

	// The byLocal scan is unconditional: a listener being dropped may have
	// already left LISTENING (a Close call rewrites the state first).
	key := sock.Local.Hash()
	list := s.byLocal[key]

	for i, c := range list {
		if c == sock {
			s.byLocal[key] = append(list[:i], list[i+1:]...)

			break
		}
	}

	if sock.Iface != nil && sock.State == StatePromisc {
		sock.Iface.PromiscDelete(sock.ptyFD())
	}
}

// allocatePTY opens a fresh pty pair for sock, storing the master side and
// subordinate path on the socket.
func allocatePTY(sock *Socket) error {
	master, sub, err := pty.Open()
	if err != nil {
		return fmt.Errorf("allocate pty: %w", err)
	}

	sock.PTYMaster = master
	sock.PTYPath = sub.Name()
	_ = sub.Close()

	return nil
}

// Run drives the event loop until stop is closed or a fatal error occurs
// setting up the readiness wait itself.
func (s *Server) Run(stop <-chan struct{}) error {
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		if err := s.iterate(); err != nil {
			return err
		}
	}
}

// iterate performs one full pass of the event loop.
func (s *Server) iterate() error {
	before := time.Now()

	readSet, maxFD := s.buildReadSet()

	timeout := unix.NsecToTimeval(int64(time.Second))

	n, err := unix.Select(maxFD+1, readSet, nil, nil, &timeout)
	if err != nil && err != unix.EINTR {
		return fmt.Errorf("select: %w", err)
	}

	after := time.Now()
	elapsed := after.Sub(before)
	s.lastTick = after

	// Timers tick on every iteration, signaled fds or not; a select
	// timeout must still expire T1/T2/T3.
	s.tickSockets(elapsed, readSet)

	if s.Metrics != nil {
		s.Metrics.Snapshot(s)
	}

	if n <= 0 {
		return nil
	}

	s.serviceClients(readSet)
	s.serviceInterfaces(readSet)
	s.serviceListener(readSet)

	return nil
}

func (s *Server) buildReadSet() (*unix.FdSet, int) {
	set := &unix.FdSet{}
	maxFD := s.listenFD

	fdSetAdd(set, s.listenFD)

	for fd := range s.watchedClient {
		fdSetAdd(set, fd)

		if fd > maxFD {
			maxFD = fd
		}
	}

	for fd := range s.watchedIface {
		fdSetAdd(set, fd)

		if fd > maxFD {
			maxFD = fd
		}
	}

	for fd, sock := range s.byPTYFD {
		if sock.FlowReady() || (sock.Type == SockRaw && sock.State == StatePromisc) {
			fdSetAdd(set, fd)

			if fd > maxFD {
				maxFD = fd
			}
		}
	}

	return set, maxFD
}

func fdSetAdd(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
}

func fdSetHas(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/64]&(1<<(uint(fd)%64)) != 0
}

// tickSockets advances every socket's timers and, for flow-ready
// established sockets whose pty was reported readable, pulls one write's
// worth of payload and transmits it.
func (s *Server) tickSockets(elapsed time.Duration, readSet *unix.FdSet) {
	for _, sock := range s.sockets {
		out, closedNow, _ := sock.Tick(elapsed)

		for _, frame := range out {
			s.transmit(sock, frame)
		}

		if closedNow {
			s.dropSocket(sock)

			continue
		}

		// A listener's not-yet-accepted children live only on its
		// pendingAccepts list until established, so their XID-resend
		// timers are driven from here.
		if sock.State == StateListening {
			s.tickPendingAccepts(sock, elapsed)
		}
	}

	for fd, sock := range s.byPTYFD {
		if !fdSetHas(readSet, fd) {
			continue
		}

		switch {
		case sock.Type == SockRaw && sock.State == StatePromisc:
			s.serviceRawSocket(sock)

		case sock.State == StateEstablished && sock.FlowReady():
			buf := make([]byte, sock.Params.MaxLenTX)

			n, err := sock.PTYMaster.Read(buf)
			if err != nil || n == 0 {
				continue
			}

			frames, err := sock.Write(buf[:n])
			if err != nil {
				continue
			}

			for _, frame := range frames {
				s.transmit(sock, frame)
			}
		}
	}
}

func (s *Server) tickPendingAccepts(listener *Socket, elapsed time.Duration) {
	kept := listener.pendingAccepts[:0]

	for _, child := range listener.pendingAccepts {
		out, closedNow, _ := child.Tick(elapsed)

		for _, frame := range out {
			s.transmit(child, frame)
		}

		if !closedNow {
			kept = append(kept, child)
		}
	}

	listener.pendingAccepts = kept
}

// serviceRawSocket pulls KISS-framed writes from a promiscuous raw socket's
// pty and transmits each decoded frame, unaltered, out the bound interface.
func (s *Server) serviceRawSocket(sock *Socket) {
	if sock.RawDec == nil || sock.Iface == nil {
		return
	}

	buf := make([]byte, 4096)

	n, err := sock.PTYMaster.Read(buf)
	if err != nil || n == 0 {
		return
	}

	for _, c := range buf[:n] {
		if err := sock.RawDec.Feed(c); err != nil {
			continue
		}

		if sock.RawDec.Pending() {
			_, frame := sock.RawDec.Flush()
			s.transmit(sock, frame)
		}
	}
}

// transmit sends one encoded AX.25 frame out sock's bound interface,
// marking the interface down on failure rather than aborting the loop.
func (s *Server) transmit(sock *Socket, frame []byte) {
	if sock.Iface == nil {
		return
	}

	if err := sock.Iface.Send(frame); err != nil {
		sock.Iface.Status = IfaceError
	}
}

func (s *Server) serviceClients(readSet *unix.FdSet) {
	for fd := range s.watchedClient {
		if !fdSetHas(readSet, fd) {
			continue
		}

		if !s.serviceOneClient(fd) {
			s.closeClient(fd)
		}
	}
}

// serviceOneClient reads and dispatches one call. Returns false when the
// client's connection is gone (EOF or error) and should be torn down.
func (s *Server) serviceOneClient(fd int) bool {
	conn := fdConn{fd}

	tag, err := ReadTag(conn)
	if err != nil {
		return false
	}

	req, err := ReadRequest(conn)
	if err != nil {
		return false
	}

	s.dispatch(fd, tag, req)

	return true
}

func (s *Server) writeResponse(clientFD int, resp Response) {
	_ = WriteResponse(fdConn{clientFD}, resp)
}

func errResponse(errno syscall.Errno) Response {
	return Response{Ret: -1, Errno: int32(errno)}
}

func okResponse(fd int32) Response {
	return Response{Ret: 0, Fd: fd}
}

// dispatch routes one call to its handler. SendTo/RecvFrom are answered
// with EOPNOTSUPP: STREAM/DGRAM payload always flows through the pty and
// RAW payload flows through the bound interface directly, so neither call
// has any work to do on this side.
func (s *Server) dispatch(clientFD int, tag CallTag, req Request) {
	switch tag {
	case CallPing:
		s.writeResponse(clientFD, Response{Ret: 1})
	case CallSocket:
		s.handleSocket(clientFD, req)
	case CallSetSockOpt:
		s.handleSetSockOpt(clientFD, req)
	case CallBind:
		s.handleBind(clientFD, req)
	case CallListen:
		s.handleListen(clientFD, req)
	case CallAccept:
		s.handleAccept(clientFD, req)
	case CallConnect:
		s.handleConnect(clientFD, req)
	case CallClose:
		s.handleClose(clientFD, req)
	case CallSendTo, CallRecvFrom:
		s.writeResponse(clientFD, errResponse(syscall.EOPNOTSUPP))
	default:
		s.writeResponse(clientFD, errResponse(syscall.EINVAL))
	}
}

func (s *Server) handleSocket(clientFD int, req Request) {
	sock := NewSocket(SockType(req.Type))
	sock.OwnerClient = clientFD

	if err := allocatePTY(sock); err != nil {
		s.writeResponse(clientFD, errResponse(syscall.EIO))

		return
	}

	s.indexSocket(sock)

	resp := okResponse(int32(sock.ptyFD()))
	resp.PTYPath = ptyPathBytes(sock.PTYPath)
	s.writeResponse(clientFD, resp)
}

// ptyFD returns the pty master fd used as this socket's opaque client
// handle, or -1 if none is allocated.
func (s *Socket) ptyFD() int {
	if f, ok := s.PTYMaster.(*os.File); ok {
		return int(f.Fd())
	}

	return -1
}

func (s *Server) lookupByHandle(fd int32) (*Socket, bool) {
	sock, ok := s.byPTYFD[int(fd)]

	return sock, ok
}

// IfaceByName returns the named interface, or nil.
func (s *Server) IfaceByName(name string) *Interface {
	for _, iface := range s.ifaces {
		if iface.Name == name {
			return iface
		}
	}

	return nil
}

func (s *Server) handleSetSockOpt(clientFD int, req Request) {
	sock, ok := s.lookupByHandle(req.Fd)
	if !ok {
		s.writeResponse(clientFD, errResponse(syscall.EBADF))

		return
	}

	switch req.OptName {
	case SockOptIface:
		// Bind a raw socket to an interface, optionally entering
		// promiscuous mode so every frame the interface sees is
		// KISS-framed onto this socket's pty.
		if sock.Type != SockRaw {
			s.writeResponse(clientFD, errResponse(syscall.EINVAL))

			return
		}

		iface := s.IfaceByName(ifaceNameOf(req.IfaceName))
		if iface == nil {
			s.writeResponse(clientFD, errResponse(syscall.ENODEV))

			return
		}

		sock.Iface = iface

		if SockState(req.OptValue) == StatePromisc {
			sock.State = StatePromisc
			sock.RawDec = NewKissDecoder(tncDefaultBufSize)
			iface.PromiscAdd(sock.ptyFD(), sock.PTYMaster)
		}

		s.writeResponse(clientFD, Response{Ret: 0})

	default:
		// Negotiated parameters (N1/N2/N_ack/N_retry) are set via XID
		// exchange, not setsockopt, matching the reference
		// implementation's limited option set.
		s.writeResponse(clientFD, errResponse(syscall.EINVAL))
	}
}

func (s *Server) handleBind(clientFD int, req Request) {
	sock, ok := s.lookupByHandle(req.Fd)
	if !ok {
		s.writeResponse(clientFD, errResponse(syscall.EBADF))

		return
	}

	if sock.State != StateClosed {
		s.writeResponse(clientFD, errResponse(syscall.EINVAL))

		return
	}

	sock.Local = req.Local
	s.writeResponse(clientFD, Response{Ret: 0})
}

func (s *Server) handleListen(clientFD int, req Request) {
	sock, ok := s.lookupByHandle(req.Fd)
	if !ok {
		s.writeResponse(clientFD, errResponse(syscall.EBADF))

		return
	}

	if sock.Local.IsZero() {
		s.writeResponse(clientFD, errResponse(syscall.EINVAL))

		return
	}

	route, ok := s.Routes.Find(sock.Local)
	if !ok {
		s.writeResponse(clientFD, errResponse(syscall.ENETDOWN))

		return
	}

	if err := sock.Listen(route.Iface, sock.Local); err != nil {
		s.writeResponse(clientFD, errResponse(ErrnoOf(err)))

		return
	}

	s.indexListening(sock)
	s.writeResponse(clientFD, Response{Ret: 0})
}

func (s *Server) handleAccept(clientFD int, req Request) {
	sock, ok := s.lookupByHandle(req.Fd)
	if !ok {
		s.writeResponse(clientFD, errResponse(syscall.EBADF))

		return
	}

	if sock.State != StateListening {
		s.writeResponse(clientFD, errResponse(syscall.EINVAL))

		return
	}
	// Phase one: acknowledge the listening fd is valid. Phase two (the
	// accept_message carrying the new connection) is delivered over this
	// socket's own pty asynchronously, once a peer completes handshake
	// (see notifyAccept).
	s.writeResponse(clientFD, Response{Ret: 0})
}

func (s *Server) handleConnect(clientFD int, req Request) {
	sock, ok := s.lookupByHandle(req.Fd)
	if !ok {
		s.writeResponse(clientFD, errResponse(syscall.EBADF))

		return
	}

	if sock.State != StateClosed {
		s.writeResponse(clientFD, errResponse(syscall.EINVAL))

		return
	}

	route, ok := s.Routes.Find(req.Remote)
	if !ok {
		s.writeResponse(clientFD, errResponse(syscall.ENETDOWN))

		return
	}

	local := sock.Local
	if local.IsZero() {
		local = route.Iface.Addr
	}

	repeaters := route.Repeaters
	if req.NumRptrs > 0 {
		repeaters = req.Repeaters[:req.NumRptrs]
	}

	handle := int32(sock.ptyFD())

	onResult := func(err error) {
		if err != nil {
			s.writeResponse(clientFD, errResponse(ErrnoOf(err)))
			s.dropSocket(sock)

			return
		}

		s.writeResponse(clientFD, okResponse(handle))
	}

	out, err := sock.Connect(route.Iface, local, req.Remote, repeaters, ModeSABM, onResult)
	if err != nil {
		s.writeResponse(clientFD, errResponse(ErrnoOf(err)))

		return
	}

	// Indexed by address pair immediately so the peer's XID/UA/DM replies
	// route back to this socket while the attempt is still pending.
	s.indexEstablished(sock)
	s.transmit(sock, out)
	// No immediate response: deferred to onResult once UA/DM/ETIMEDOUT
	// resolves the attempt.
}

func (s *Server) handleClose(clientFD int, req Request) {
	sock, ok := s.lookupByHandle(req.Fd)
	if !ok {
		s.writeResponse(clientFD, errResponse(syscall.EBADF))

		return
	}

	handle := int32(sock.ptyFD())

	onResult := func(error) {
		s.writeResponse(clientFD, Response{Ret: 0, Fd: handle})
		s.dropSocket(sock)
	}

	out, err := sock.Close(onResult)
	if err != nil {
		s.writeResponse(clientFD, errResponse(ErrnoOf(err)))

		return
	}

	if out != nil {
		s.transmit(sock, out[0])

		return
	}
	// Already closed/never connected: Close returned no DISC to send and
	// did not arm onResult, so reply immediately.
	s.writeResponse(clientFD, Response{Ret: 0, Fd: handle})
	s.dropSocket(sock)
}

// closeClient tears down every socket owned by clientFD:
// each is shut down gracefully first, then removed if already closed.
func (s *Server) closeClient(clientFD int) {
	delete(s.watchedClient, clientFD)
	_ = unix.Close(clientFD)

	owned := s.byClient[clientFD]
	delete(s.byClient, clientFD)

	for id := range owned {
		sock, ok := s.sockets[id]
		if !ok {
			continue
		}

		if sock.State == StateEstablished {
			if out, err := sock.Close(func(error) { s.dropSocket(sock) }); err == nil && out != nil {
				s.transmit(sock, out[0])

				continue
			}
		}

		s.dropSocket(sock)
	}
}

func (s *Server) serviceInterfaces(readSet *unix.FdSet) {
	for fd, iface := range s.watchedIface {
		if !fdSetHas(readSet, fd) {
			continue
		}

		s.drainInterface(iface)
	}
}

// drainInterface pulls and dispatches every complete frame currently
// buffered by iface's driver via the fill/drain/pending/flush loop,
// resetting the driver on any fill error, end of file included, and taking
// the interface out of the watched set if that reset fails.
func (s *Server) drainInterface(iface *Interface) {
	for {
		frame, err := iface.Recv()
		if err != nil {
			if rerr := iface.Reset(); rerr != nil {
				s.removeInterface(iface)
			}

			return
		}

		if frame == nil {
			return
		}

		s.handleIncomingFrame(iface, frame)
	}
}

func (s *Server) removeInterface(iface *Interface) {
	iface.Status = IfaceDown

	for fd, w := range s.watchedIface {
		if w == iface {
			delete(s.watchedIface, fd)
		}
	}
}

// isControlType reports whether a frame type may address a listening
// socket directly (new-connection setup).
func isControlType(t FrameType) bool {
	return t == FrameXID || t == FrameSABM || t == FrameSABME
}

func (s *Server) lookupSocket(dest, src Addr, ftype FrameType) *Socket {
	if sock, ok := s.byPair[pairOf(dest, src)]; ok {
		return sock
	}

	if !isControlType(ftype) {
		return nil
	}

	for _, sock := range s.byLocal[dest.Hash()] {
		if sock.State == StateListening {
			return sock
		}
	}

	return nil
}

func (s *Server) handleIncomingFrame(iface *Interface, raw []byte) {
	f, err := DecodeFrame(raw, FormatNormal)
	if err != nil {
		iface.Drop()

		return
	}

	sock := s.lookupSocket(f.Dest, f.Src, f.Type)
	if sock == nil {
		iface.Drop()

		return
	}

	// Two-byte control in extended mode (DESIGN NOTES): re-decode once
	// the owning socket (and hence its negotiated mode) is known.
	if sock.format() == FormatExtended && (f.Type == FrameI || isSFrame(f.Type)) {
		f2, err := DecodeFrame(raw, FormatExtended)
		if err != nil {
			iface.Drop()

			return
		}

		f = f2
	}

	responses, established, err := sock.HandleFrame(f)
	if err != nil {
		iface.Drop()

		return
	}

	for _, resp := range responses {
		s.transmit(sock, resp)
	}

	if established != nil {
		s.onEstablished(established)
	}
}

func isSFrame(t FrameType) bool {
	switch t {
	case FrameRR, FrameRNR, FrameREJ, FrameSREJ:
		return true
	default:
		return false
	}
}

// onEstablished indexes a socket that just reached ESTABLISHED and, if it
// is a freshly accepted child of a listening socket, allocates its pty and
// delivers the second phase of accept, an accept_message, over the
// listener's pty.
func (s *Server) onEstablished(sock *Socket) {
	if sock.State != StateEstablished {
		return
	}

	// Active-open path (PENDING_CONNECT -> ESTABLISHED on UA): already
	// indexed, pty allocated by handleSocket.
	if sock.parent == nil {
		s.indexEstablished(sock)

		return
	}

	listener := sock.parent
	sock.OwnerClient = listener.OwnerClient

	if err := allocatePTY(sock); err != nil {
		return
	}

	s.indexSocket(sock)
	s.indexEstablished(sock)

	msg := AcceptMessage{
		RemoteFd: int32(sock.ptyFD()),
		Peer:     sock.Remote,
		PTYPath:  ptyPathBytes(sock.PTYPath),
	}

	if listener.PTYMaster != nil {
		_ = WriteAcceptMessage(listener.PTYMaster, msg)
	}
}

func (s *Server) serviceListener(readSet *unix.FdSet) {
	if !fdSetHas(readSet, s.listenFD) {
		return
	}

	nfd, _, err := unix.Accept(s.listenFD)
	if err != nil {
		return
	}

	// Left blocking deliberately: select() only certifies the first byte
	// is ready, and a fixed-layout request/response pair is small enough
	// that blocking for the rest of one record is an acceptable pause in
	// this single-threaded loop, versus the complexity of buffering
	// partial reads across iterations.
	s.watchedClient[nfd] = nfd
}

// fdConn adapts a raw file descriptor to io.Reader/io.Writer using direct
// syscalls, bypassing the Go runtime's netpoller so it composes cleanly
// with this package's own select-based readiness wait.
type fdConn struct{ fd int }

func (c fdConn) Read(p []byte) (int, error) {
	n, err := unix.Read(c.fd, p)
	if n == 0 && err == nil {
		return 0, fmt.Errorf("%w: eof on fd %d", ErrDecode, c.fd)
	}

	return n, err
}

func (c fdConn) Write(p []byte) (int, error) {
	return unix.Write(c.fd, p)
}
