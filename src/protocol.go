package patty

/*------------------------------------------------------------------
 *
 * Purpose:	The local-domain control-socket wire protocol: call
 *		tags, fixed-layout request/response records, and the
 *		two-phase accept_message delivered over a listening
 *		socket's own pty.
 *
 * Description:	A client writes a 32-bit little-endian call tag
 *		followed by a fixed-layout request record; the server
 *		replies with a fixed-layout response carrying {ret,
 *		errno} and, for socket/accept, a NUL-padded pty path.
 *
 *---------------------------------------------------------------*/

import (
	"encoding/binary"
	"fmt"
	"io"
)

// CallTag identifies one control-socket RPC.
type CallTag uint32

const (
	CallNone CallTag = iota
	CallPing
	CallSocket
	CallSetSockOpt
	CallBind
	CallListen
	CallAccept
	CallConnect
	CallClose
	CallSendTo
	CallRecvFrom
	callCount
)

// PTYPathMax is the fixed width of a NUL-padded pty path in a response
// record.
const PTYPathMax = 256

// Socket options for CallSetSockOpt.
const (
	// SockOptIface binds a raw socket to a named interface; an OptValue
	// equal to the PROMISC state additionally registers the socket as a
	// promiscuous observer of that interface.
	SockOptIface int32 = 1
)

// Request is the fixed-layout record a client sends after the tag. Unused
// fields for a given tag are simply left zero; the wire encoding is always
// the full struct so the layout stays fixed regardless of tag.
type Request struct {
	Fd        int32
	Type      int32 // SockType, for CallSocket
	Backlog   int32 // for CallListen
	Local     Addr
	Remote    Addr
	Repeaters [8]Addr
	NumRptrs  int32
	IfaceName [32]byte
	OptName   int32
	OptValue  int32
}

// Response is the fixed-layout record the server sends back. Ret/Errno
// follow BSD-syscall convention: ret>=0 on success (a new server-side fd,
// where there is one, travels in Fd), ret==-1 with Errno set on failure.
type Response struct {
	Ret     int32
	Errno   int32
	Fd      int32
	PTYPath [PTYPathMax]byte
	Remote  Addr
}

// AcceptMessage is the second phase of accept, written to a listening
// socket's pty when a peer completes the SABM/SABME handshake against it.
// A client blocked reading that pty decodes one of these and then opens
// PTYPath itself.
type AcceptMessage struct {
	RemoteFd int32
	Peer     Addr
	PTYPath  [PTYPathMax]byte
}

func ifaceNameBytes(name string) [32]byte {
	var out [32]byte
	copy(out[:], name)

	return out
}

func ifaceNameOf(b [32]byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}

	return string(b[:n])
}

func ptyPathBytes(path string) [PTYPathMax]byte {
	var out [PTYPathMax]byte
	copy(out[:], path)

	return out
}

func ptyPathOf(b [PTYPathMax]byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}

	return string(b[:n])
}

// byteOrder is the wire byte order for every record, tag included.
var byteOrder = binary.LittleEndian

// WriteTag writes a call tag as a 32-bit little-endian word.
func WriteTag(w io.Writer, tag CallTag) error {
	return binary.Write(w, byteOrder, uint32(tag))
}

// ReadTag reads a 32-bit little-endian call tag.
func ReadTag(r io.Reader) (CallTag, error) {
	var v uint32
	if err := binary.Read(r, byteOrder, &v); err != nil {
		return CallNone, err
	}

	if v >= uint32(callCount) {
		return CallNone, fmt.Errorf("%w: unknown call tag %d", ErrNotSupp, v)
	}

	return CallTag(v), nil
}

// WriteRequest writes a fixed-layout Request record.
func WriteRequest(w io.Writer, req Request) error {
	return binary.Write(w, byteOrder, req)
}

// ReadRequest reads a fixed-layout Request record.
func ReadRequest(r io.Reader) (Request, error) {
	var req Request
	err := binary.Read(r, byteOrder, &req)

	return req, err
}

// WriteResponse writes a fixed-layout Response record.
func WriteResponse(w io.Writer, resp Response) error {
	return binary.Write(w, byteOrder, resp)
}

// ReadResponse reads a fixed-layout Response record.
func ReadResponse(r io.Reader) (Response, error) {
	var resp Response
	err := binary.Read(r, byteOrder, &resp)

	return resp, err
}

// WriteAcceptMessage writes a fixed-layout AcceptMessage record.
func WriteAcceptMessage(w io.Writer, msg AcceptMessage) error {
	return binary.Write(w, byteOrder, msg)
}

// ReadAcceptMessage reads a fixed-layout AcceptMessage record.
func ReadAcceptMessage(r io.Reader) (AcceptMessage, error) {
	var msg AcceptMessage
	err := binary.Read(r, byteOrder, &msg)

	return msg, err
}
