package patty

/*------------------------------------------------------------------
 *
 * Purpose:	A read-only Driver that replays a captured KISS byte
 *		stream from a file: backs `ax25dump FILE` and gives
 *		tests a deterministic, non-timing-sensitive Driver.
 *
 *---------------------------------------------------------------*/

import (
	"fmt"
	"os"
)

// ReplayDriver implements Driver over a file containing a raw KISS byte
// stream (FEND-delimited frames), for replay tooling and tests.
type ReplayDriver struct {
	f   *os.File
	dec *KissDecoder
	eof bool

	lastFrame []byte
	carry     []byte // bytes read but not yet fed past a frame boundary
	sent      [][]byte
}

// NewReplayDriver opens path and prepares to decode it as a KISS byte
// stream. maxFrame bounds the KISS decoder's frame buffer.
func NewReplayDriver(path string, maxFrame int) (*ReplayDriver, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open replay file %s: %w", path, err)
	}

	if maxFrame <= 0 {
		maxFrame = tncDefaultBufSize
	}

	return &ReplayDriver{f: f, dec: NewKissDecoder(maxFrame)}, nil
}

// FD exposes the capture file's descriptor; regular files are always
// select()-readable, so the event loop calls Fill on every iteration until
// EOF.
func (d *ReplayDriver) FD() int {
	return int(d.f.Fd())
}

func (d *ReplayDriver) Ready(readable bool) bool {
	return readable && !d.eof
}

func (d *ReplayDriver) Reset() error {
	return nil
}

// Fill reads one chunk from the capture file and feeds it to the KISS
// decoder, stopping at each frame boundary so that a chunk holding several
// back-to-back frames surfaces every one of them across successive Fill
// calls. A malformed escape sequence only drops that one frame (mirroring
// TNCDriver.Fill), not the whole replay. At end of file Fill keeps
// returning 0 with a nil error; Done reports that the file is exhausted.
func (d *ReplayDriver) Fill() (int, error) {
	if d.dec.Pending() {
		return 0, nil
	}

	if len(d.carry) > 0 {
		n := kissFeed(d.dec, d.carry)
		d.carry = d.carry[n:]

		return n, nil
	}

	if d.eof {
		return 0, nil
	}

	buf := make([]byte, 4096)

	n, err := d.f.Read(buf)

	consumed := kissFeed(d.dec, buf[:n])
	if consumed < n {
		d.carry = append(d.carry[:0], buf[consumed:n]...)
	}

	if err != nil {
		d.eof = true
	}

	return n, nil
}

func (d *ReplayDriver) Pending() bool {
	return d.dec.Pending()
}

// Done reports whether the capture file is fully consumed, nothing is held
// back before a frame boundary, and no frame is left buffered, so a caller
// driving Recv() in a loop knows when to stop.
func (d *ReplayDriver) Done() bool {
	return d.eof && len(d.carry) == 0 && !d.dec.Pending()
}

func (d *ReplayDriver) Flush() int {
	_, frame := d.dec.Flush()
	d.lastFrame = frame

	return len(frame)
}

func (d *ReplayDriver) Drain(buf []byte) int {
	return copy(buf, d.lastFrame)
}

// Send records the frame rather than transmitting it; a replay source has
// nowhere to send outbound traffic, but tests can inspect Sent().
func (d *ReplayDriver) Send(frame []byte) error {
	cp := append([]byte(nil), frame...)
	d.sent = append(d.sent, cp)

	return nil
}

// Sent returns every frame given to Send, in order.
func (d *ReplayDriver) Sent() [][]byte {
	return d.sent
}

func (d *ReplayDriver) Close() error {
	return d.f.Close()
}
