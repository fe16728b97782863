package patty

/*------------------------------------------------------------------
 *
 * Purpose:	The client-side library: dial the control socket,
 *		marshal calls through protocol.go's wire records, and
 *		open the pty handed back by socket()/accept() for data.
 *
 * Description:	Calls mirror the BSD sockets API: socket, bind,
 *		listen, accept, connect, close. The server hands back a
 *		pty path for each data-carrying socket; the returned
 *		Conn wraps both the control-socket handle and the pty
 *		opened in raw mode.
 *
 *---------------------------------------------------------------*/

import (
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/pkg/term"
)

// Client is a connection to a running Server's control socket. One Client
// may own many Sockets.
type Client struct {
	conn net.Conn
}

// Dial connects to the control socket at sockPath.
func Dial(sockPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", sockPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial control socket %s: %w", sockPath, err)
	}

	return &Client{conn: conn}, nil
}

// Close closes the control connection. The server then shuts down every
// socket this client owns: established connections are sent DISC and
// dropped once the disconnect resolves, the rest are dropped at once along
// with their ptys.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Ping round-trips a no-op call, useful as a liveness check.
func (c *Client) Ping() error {
	if err := WriteTag(c.conn, CallPing); err != nil {
		return err
	}

	if err := WriteRequest(c.conn, Request{}); err != nil {
		return err
	}

	_, err := ReadResponse(c.conn)

	return err
}

func (c *Client) call(tag CallTag, req Request) (Response, error) {
	if err := WriteTag(c.conn, tag); err != nil {
		return Response{}, err
	}

	if err := WriteRequest(c.conn, req); err != nil {
		return Response{}, err
	}

	resp, err := ReadResponse(c.conn)
	if err != nil {
		return Response{}, err
	}

	if resp.Ret < 0 {
		return resp, fmt.Errorf("patty: %w", errnoError(resp.Errno))
	}

	return resp, nil
}

func errnoError(errno int32) error {
	return syscall.Errno(errno)
}

// Conn is a client handle for one connection socket: its control-socket
// handle plus the pty opened, in raw mode, for its data plane.
type Conn struct {
	client  *Client
	handle  int32
	pty     *term.Term
	ptyPath string
}

func openPTY(path string) (*term.Term, error) {
	t, err := term.Open(path, term.RawMode)
	if err != nil {
		return nil, fmt.Errorf("open pty %s: %w", path, err)
	}

	return t, nil
}

// PTYPath returns the path of the pty opened for this connection's data
// plane, for tools (tncd) that hand it off to another process.
func (conn *Conn) PTYPath() string {
	return conn.ptyPath
}

// Socket allocates a new socket of the given type on the server, opening
// its pty for data I/O.
func (c *Client) Socket(typ SockType) (*Conn, error) {
	resp, err := c.call(CallSocket, Request{Type: int32(typ)})
	if err != nil {
		return nil, err
	}

	path := ptyPathOf(resp.PTYPath)

	f, err := openPTY(path)
	if err != nil {
		return nil, err
	}

	return &Conn{client: c, handle: resp.Fd, pty: f, ptyPath: path}, nil
}

// SetSockOptIface binds a raw socket to the named interface; promisc
// additionally subscribes it to every frame that interface sees, delivered
// KISS-framed over the socket's pty.
func (conn *Conn) SetSockOptIface(name string, promisc bool) error {
	req := Request{Fd: conn.handle, OptName: SockOptIface, IfaceName: ifaceNameBytes(name)}

	if promisc {
		req.OptValue = int32(StatePromisc)
	}

	_, err := conn.client.call(CallSetSockOpt, req)

	return err
}

// Bind assigns conn's local address before Listen or Connect.
func (conn *Conn) Bind(local Addr) error {
	_, err := conn.client.call(CallBind, Request{Fd: conn.handle, Local: local})

	return err
}

// Listen marks conn as a listening socket for its bound local address.
func (conn *Conn) Listen(backlog int) error {
	_, err := conn.client.call(CallListen, Request{Fd: conn.handle, Backlog: int32(backlog)})

	return err
}

// Accept acknowledges readiness to accept, then blocks reading conn's own
// pty for the asynchronous accept_message delivered once a peer completes
// the handshake, opening and returning the new connection's pty.
func (conn *Conn) Accept() (*Conn, error) {
	if _, err := conn.client.call(CallAccept, Request{Fd: conn.handle}); err != nil {
		return nil, err
	}

	msg, err := ReadAcceptMessage(conn.pty)
	if err != nil {
		return nil, fmt.Errorf("read accept_message: %w", err)
	}

	path := ptyPathOf(msg.PTYPath)

	f, err := openPTY(path)
	if err != nil {
		return nil, err
	}

	return &Conn{client: conn.client, handle: msg.RemoteFd, pty: f, ptyPath: path}, nil
}

// Connect actively opens a connection to remote via repeaters (nil for a
// direct path), blocking until the server reports the attempt resolved.
func (conn *Conn) Connect(remote Addr, repeaters []Addr) error {
	req := Request{Fd: conn.handle, Remote: remote}

	if n := len(repeaters); n > 0 {
		if n > len(req.Repeaters) {
			return fmt.Errorf("%w: repeater path longer than %d", ErrOverflow, len(req.Repeaters))
		}

		copy(req.Repeaters[:], repeaters)
		req.NumRptrs = int32(n)
	}

	_, err := conn.client.call(CallConnect, req)

	return err
}

// Close gracefully disconnects (if established) and releases the socket
// and its pty. Blocks until the server confirms teardown.
func (conn *Conn) Close() error {
	_, err := conn.client.call(CallClose, Request{Fd: conn.handle})

	_ = conn.pty.Close()

	return err
}

// Read receives payload from the connection's data plane.
func (conn *Conn) Read(p []byte) (int, error) {
	return conn.pty.Read(p)
}

// Write sends payload over the connection's data plane, segmenting
// transparently on the server side if it exceeds the negotiated MaxLenTX.
func (conn *Conn) Write(p []byte) (int, error) {
	return conn.pty.Write(p)
}

// SendTo and RecvFrom are client-side-only pty wrappers for SOCK_DGRAM /
// SOCK_RAW use; both simply move bytes across the pty already opened by
// Socket/Accept, so neither involves a control-socket round trip.
func (conn *Conn) SendTo(p []byte) (int, error) {
	return conn.Write(p)
}

func (conn *Conn) RecvFrom(p []byte) (int, error) {
	return conn.Read(p)
}
