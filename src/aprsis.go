package patty

/*------------------------------------------------------------------
 *
 * Purpose:	APRS-IS driver: a TCP text-line uplink presented to the
 *		rest of the engine as a Driver, translating TNC2 text
 *		lines to and from AX.25 UI frames.
 *
 * Description:	On connect, the driver writes the standard login line
 *
 *			user X pass Y vers A B filter F
 *
 *		then translates each received TNC2 monitor line
 *		(SRC>DST[,RPTR]*:BODY) into a binary UI frame, and each
 *		outbound UI frame back into a TNC2 line.
 *
 *---------------------------------------------------------------*/

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

type APRSISConfig struct {
	Host    string
	Port    int
	User    string
	Pass    string
	AppName string
	Version string
	Filter  string
}

const aprsisMaxReconnect = 3

// APRSISDriver implements Driver over an APRS-IS TCP login session.
type APRSISDriver struct {
	cfg     APRSISConfig
	conn    net.Conn
	file    *os.File
	r       *bufio.Reader
	pending []byte
	retries int
}

func NewAPRSISDriver(cfg APRSISConfig) (*APRSISDriver, error) {
	d := &APRSISDriver{cfg: cfg}

	var err error
	for try := 0; try < aprsisMaxReconnect; try++ {
		if err = d.connect(); err == nil {
			return d, nil
		}
	}

	return nil, err
}

func (d *APRSISDriver) connect() error {
	addr := fmt.Sprintf("%s:%d", d.cfg.Host, d.cfg.Port)

	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("aprs-is connect %s: %w", addr, err)
	}

	login := fmt.Sprintf("user %s pass %s vers %s %s", d.cfg.User, d.cfg.Pass, d.cfg.AppName, d.cfg.Version)
	if d.cfg.Filter != "" {
		login += " filter " + d.cfg.Filter
	}

	login += "\r\n"

	if _, err := conn.Write([]byte(login)); err != nil {
		_ = conn.Close()

		return fmt.Errorf("aprs-is login: %w", err)
	}

	if d.file != nil {
		_ = d.file.Close()
		d.file = nil
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		f, err := tc.File()
		if err != nil {
			_ = conn.Close()

			return fmt.Errorf("aprs-is fd: %w", err)
		}

		d.file = f
	}

	d.conn = conn
	d.r = bufio.NewReader(conn)

	return nil
}

func (d *APRSISDriver) FD() int {
	if d.file == nil {
		return -1
	}

	return int(d.file.Fd())
}

func (d *APRSISDriver) Ready(readable bool) bool { return readable }

func (d *APRSISDriver) Reset() error {
	_ = d.conn.Close()
	d.retries = 0

	return d.connect()
}

// Fill reads one text line and, if it parses as a TNC2 packet, buffers it
// as a pending binary AX.25 UI frame.
func (d *APRSISDriver) Fill() (int, error) {
	line, err := d.r.ReadString('\n')
	if err != nil {
		if d.retries >= aprsisMaxReconnect {
			return 0, fmt.Errorf("aprs-is: giving up after %d reconnects: %w", d.retries, err)
		}

		d.retries++

		if rerr := d.connect(); rerr != nil {
			return 0, rerr
		}

		return 0, nil
	}

	d.retries = 0

	frame, ok := parseTNC2Line(strings.TrimRight(line, "\r\n"))
	if !ok {
		return len(line), nil
	}

	buf := make([]byte, 512)

	n, err := EncodeFrame(buf, frame)
	if err != nil {
		return len(line), nil //nolint:nilerr // malformed line, not a link error
	}

	d.pending = buf[:n]

	return len(line), nil
}

func (d *APRSISDriver) Pending() bool { return len(d.pending) > 0 }

func (d *APRSISDriver) Flush() int { return len(d.pending) }

func (d *APRSISDriver) Drain(buf []byte) int {
	n := copy(buf, d.pending)
	d.pending = nil

	return n
}

// Send re-encodes a UI frame as a TNC2 text line and writes it.
func (d *APRSISDriver) Send(frameBytes []byte) error {
	f, err := DecodeFrame(frameBytes, FormatNormal)
	if err != nil {
		return err
	}

	if f.Type != FrameUI {
		return fmt.Errorf("%w: aprs-is can only send UI frames", ErrNotSupp)
	}

	line := tnc2HeaderOf(f) + ":" + string(f.Info) + "\r\n"
	_, err = d.conn.Write([]byte(line))

	return err
}

func (d *APRSISDriver) Close() error {
	if d.file != nil {
		_ = d.file.Close()
	}

	return d.conn.Close()
}

// parseTNC2Line implements the four-state TNC2 line parser: HEADER (src,
// dest, repeater path up to the ':'), then BODY. COMMENT lines (leading '#')
// are skipped.
func parseTNC2Line(line string) (Frame, bool) {
	if line == "" || strings.HasPrefix(line, "#") {
		return Frame{}, false
	}

	header, body, ok := strings.Cut(line, ":")
	if !ok {
		return Frame{}, false
	}

	srcPart, rest, ok := strings.Cut(header, ">")
	if !ok {
		return Frame{}, false
	}

	src, err := ParseAddr(srcPart)
	if err != nil {
		return Frame{}, false
	}

	hops := strings.Split(rest, ",")

	dest, err := ParseAddr(hops[0])
	if err != nil {
		return Frame{}, false
	}

	var repeaters []Addr

	for _, hop := range hops[1:] {
		hop = strings.TrimSuffix(hop, "*")

		r, err := ParseAddr(hop)
		if err != nil {
			return Frame{}, false
		}

		repeaters = append(repeaters, r)
	}

	return Frame{
		Dest:      dest,
		Src:       src,
		Repeaters: repeaters,
		Type:      FrameUI,
		CR:        true,
		PID:       PIDNoLayer3,
		Info:      []byte(body),
	}, true
}

func tnc2HeaderOf(f Frame) string {
	var b strings.Builder

	b.WriteString(f.Src.String())
	b.WriteByte('>')
	b.WriteString(f.Dest.String())

	for _, r := range f.Repeaters {
		b.WriteByte(',')
		b.WriteString(r.String())
	}

	return b.String()
}
