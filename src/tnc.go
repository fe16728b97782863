package patty

/*------------------------------------------------------------------
 *
 * Purpose:	KISS-TNC driver: opens a serial device, a PTY-backed
 *		virtual TNC, or a UNIX-domain socket, applies termios
 *		flow control, and implements the Driver trait in terms
 *		of the KISS framer.
 *
 * Description:	The device string selects the backend:
 *
 *		/dev/tty...	serial port, raw mode, optional baud
 *				and hardware/software flow control
 *		pty:		a fresh pseudo-terminal pair; the
 *				subordinate path is published for
 *				another process to attach to
 *		unix:PATH	a connected UNIX-domain stream socket
 *
 *---------------------------------------------------------------*/

import (
	"bufio"
	"fmt"
	"net"
	"strings"

	"github.com/creack/pty"
	"github.com/pkg/term"
	"golang.org/x/sys/unix"
)

type TNCFlow int

const (
	FlowNone TNCFlow = iota
	FlowCRTSCTS
	FlowXONXOFF
)

type TNCConfig struct {
	Device string // "/dev/ttyUSB0", "pty:", "unix:/path/to/sock"
	Baud   int
	Flow   TNCFlow
	MaxLen int // max KISS frame size, defaults to 4096 (PATTY_KISS_TNC_BUFSZ)
}

const tncDefaultBufSize = 4096

type rawPort interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	Fd() uintptr
}

// TNCDriver implements Driver over a KISS byte stream.
type TNCDriver struct {
	cfg  TNCConfig
	port rawPort
	r    *bufio.Reader
	dec  *KissDecoder

	PTYPath   string // set when Device=="pty:"; subordinate side clients open
	lastFrame []byte
	carry     []byte // bytes read but not yet fed past a frame boundary
}

// Linux termios ioctl numbers; golang.org/x/sys/unix does not export a
// platform-neutral constant for these.
const (
	ioctlGetTermios = unix.TCGETS
	ioctlSetTermios = unix.TCSETS
)

func NewTNCDriver(cfg TNCConfig) (*TNCDriver, error) {
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = tncDefaultBufSize
	}

	d := &TNCDriver{cfg: cfg, dec: NewKissDecoder(cfg.MaxLen)}

	if err := d.open(); err != nil {
		return nil, err
	}

	return d, nil
}

func (d *TNCDriver) open() error {
	switch {
	case d.cfg.Device == "pty:":
		master, sub, err := pty.Open()
		if err != nil {
			return fmt.Errorf("open pty: %w", err)
		}

		d.port = master
		d.PTYPath = sub.Name()
		_ = sub.Close()

	case strings.HasPrefix(d.cfg.Device, "unix:"):
		path := strings.TrimPrefix(d.cfg.Device, "unix:")

		conn, err := net.Dial("unix", path)
		if err != nil {
			return fmt.Errorf("dial unix socket %s: %w", path, err)
		}

		uc, ok := conn.(*net.UnixConn)
		if !ok {
			return fmt.Errorf("%w: unexpected connection type for unix socket", ErrNotSupp)
		}

		f, err := uc.File()
		if err != nil {
			_ = uc.Close()

			return fmt.Errorf("unix socket fd: %w", err)
		}

		_ = uc.Close()
		d.port = f

	default:
		t, err := term.Open(d.cfg.Device, term.RawMode)
		if err != nil {
			return fmt.Errorf("open serial port %s: %w", d.cfg.Device, err)
		}

		if err := applyBaud(t, d.cfg.Baud); err != nil {
			return err
		}

		if err := applyFlowControl(int(t.Fd()), d.cfg.Flow); err != nil {
			return err
		}

		d.port = t
	}

	d.r = bufio.NewReader(d.port)

	return nil
}

func applyBaud(t *term.Term, baud int) error {
	switch baud {
	case 0:
		return nil
	case 1200, 2400, 4800, 9600, 19200, 38400, 57600, 115200:
		return t.SetSpeed(baud)
	default:
		return t.SetSpeed(4800)
	}
}

func applyFlowControl(fd int, flow TNCFlow) error {
	if flow == FlowNone {
		return nil
	}

	attr, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		return fmt.Errorf("get termios: %w", err)
	}

	switch flow {
	case FlowCRTSCTS:
		attr.Cflag |= unix.CRTSCTS
	case FlowXONXOFF:
		attr.Iflag |= unix.IXON | unix.IXOFF
	}

	if err := unix.IoctlSetTermios(fd, ioctlSetTermios, attr); err != nil {
		return fmt.Errorf("set termios: %w", err)
	}

	return nil
}

func (d *TNCDriver) FD() int {
	return int(d.port.Fd())
}

func (d *TNCDriver) Ready(readable bool) bool {
	return readable
}

func (d *TNCDriver) Reset() error {
	_ = d.port.Close()
	d.carry = nil

	return d.open()
}

// Fill reads whatever is immediately available and feeds it through the
// KISS decoder, stopping at each frame boundary so that a read containing
// several back-to-back frames surfaces every one of them across successive
// Fill calls rather than only the last. Callers only invoke Fill after the
// fd has been reported readable by the event loop's select.
func (d *TNCDriver) Fill() (int, error) {
	if d.dec.Pending() {
		return 0, nil
	}

	if len(d.carry) > 0 {
		n := kissFeed(d.dec, d.carry)
		d.carry = d.carry[n:]

		return n, nil
	}

	avail := d.r.Buffered()
	if avail == 0 {
		avail = 1 // force at least one read attempt
	}

	buf := make([]byte, avail)

	n, err := d.r.Read(buf)
	if n == 0 {
		return 0, err
	}

	consumed := kissFeed(d.dec, buf[:n])
	if consumed < n {
		d.carry = append(d.carry[:0], buf[consumed:n]...)
	}

	return n, nil
}

func (d *TNCDriver) Pending() bool {
	return d.dec.Pending()
}

func (d *TNCDriver) Flush() int {
	_, frame := d.dec.Flush()
	d.lastFrame = frame

	return len(frame)
}

func (d *TNCDriver) Drain(buf []byte) int {
	return copy(buf, d.lastFrame)
}

func (d *TNCDriver) Send(frame []byte) error {
	return KissEncodeFrame(d.port, frame, 0, KissData)
}

func (d *TNCDriver) Close() error {
	return d.port.Close()
}
