package patty

import (
	"errors"
	"fmt"
	"syscall"
)

// Sentinel errors returned by the link-layer engine. Callers check these
// with errors.Is; they are plain errors, and ErrnoOf maps each of them to
// the client-facing errno.

var (
	ErrOverflow  = errors.New("patty: buffer too small")
	ErrDecode    = errors.New("patty: malformed frame")
	ErrState     = errors.New("patty: operation not valid in current socket state")
	ErrNotSupp   = errors.New("patty: operation not supported")
	ErrUnreach   = errors.New("patty: no route to destination")
	ErrAddrInUse = errors.New("patty: address already in use")
	ErrDuplicate = errors.New("patty: duplicate entry")
)

// errTimedOut and errConnRefused wrap the errno a client-facing response
// record carries for retry exhaustion and DM-during-connect respectively.
var (
	errTimedOut    = fmt.Errorf("patty: %w", syscall.ETIMEDOUT)
	errConnRefused = fmt.Errorf("patty: %w", syscall.ECONNREFUSED)
)

// ErrnoOf maps an error produced anywhere in this package to the errno a
// control-socket client should see in a response record. Unrecognized
// errors map to EIO.
func ErrnoOf(err error) syscall.Errno {
	if err == nil {
		return 0
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}

	switch {
	case errors.Is(err, ErrOverflow):
		return syscall.EOVERFLOW
	case errors.Is(err, ErrDecode):
		return syscall.EIO
	case errors.Is(err, ErrState):
		return syscall.EINVAL
	case errors.Is(err, ErrNotSupp):
		return syscall.ENOTSUP
	case errors.Is(err, ErrUnreach):
		return syscall.ENETDOWN
	case errors.Is(err, ErrAddrInUse):
		return syscall.EADDRINUSE
	case errors.Is(err, ErrDuplicate):
		return syscall.EEXIST
	case errors.Is(err, syscall.ETIMEDOUT):
		return syscall.ETIMEDOUT
	case errors.Is(err, syscall.ECONNREFUSED):
		return syscall.ECONNREFUSED
	default:
		return syscall.EIO
	}
}
