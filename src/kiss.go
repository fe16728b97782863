package patty

/*------------------------------------------------------------------
 *
 * Purpose:	KISS framing: byte-stuffed encoder and a four-state
 *		decoder for a KISS byte stream that may multiplex
 *		several ports.
 *
 *---------------------------------------------------------------*/

import (
	"fmt"
	"io"
)

const (
	KissFEND  = 0xc0
	KissFESC  = 0xdb
	KissTFEND = 0xdc
	KissTFESC = 0xdd
)

type KissCommand byte

const (
	KissData        KissCommand = 0x00
	KissTXDelay     KissCommand = 0x01
	KissPersistence KissCommand = 0x02
	KissSlotTime    KissCommand = 0x03
	KissTXTail      KissCommand = 0x04
	KissFullDuplex  KissCommand = 0x05
	KissHWSet       KissCommand = 0x06
	KissReturn      KissCommand = 0xff
)

func kissCommandKnown(c KissCommand) bool {
	switch c {
	case KissData, KissTXDelay, KissPersistence, KissSlotTime, KissTXTail, KissFullDuplex, KissHWSet, KissReturn:
		return true
	default:
		return false
	}
}

// KissEncodeFrame writes a complete KISS frame (FEND, command/port byte,
// byte-stuffed payload, FEND) to w.
func KissEncodeFrame(w io.Writer, buf []byte, port int, cmd KissCommand) error {
	if _, err := w.Write([]byte{KissFEND, byte((port&0x0f)<<4) | byte(cmd&0x0f)}); err != nil {
		return err
	}

	start := 0

	for i, c := range buf {
		var escape []byte

		switch c {
		case KissFEND:
			escape = []byte{KissFESC, KissTFEND}
		case KissFESC:
			escape = []byte{KissFESC, KissTFESC}
		default:
			continue
		}

		if i > start {
			if _, err := w.Write(buf[start:i]); err != nil {
				return err
			}
		}

		if _, err := w.Write(escape); err != nil {
			return err
		}

		start = i + 1
	}

	if start < len(buf) {
		if _, err := w.Write(buf[start:]); err != nil {
			return err
		}
	}

	_, err := w.Write([]byte{KissFEND})

	return err
}

// kissState is the decoder's FSM state.
type kissState int

const (
	kissStateNone kissState = iota
	kissStateCommand
	kissStateBody
	kissStateEscape
)

// KissDecoder consumes a raw byte stream and reassembles KISS frames. It is
// not safe for concurrent use.
type KissDecoder struct {
	state   kissState
	command KissCommand
	port    int
	buf     []byte
	n       int
	dropped uint64
}

// NewKissDecoder allocates a decoder with the given maximum frame size.
func NewKissDecoder(maxFrame int) *KissDecoder {
	return &KissDecoder{buf: make([]byte, maxFrame)}
}

// Dropped returns the count of frames discarded due to buffer overflow.
func (d *KissDecoder) Dropped() uint64 {
	return d.dropped
}

// Pending reports whether a complete port-0 DATA frame is ready for Flush.
// Frames on other ports are never surfaced; their bytes sit in the buffer
// until the next frame's header overwrites them.
func (d *KissDecoder) Pending() bool {
	return d.state == kissStateCommand && d.n > 0 && d.command == KissData && d.port == 0
}

// Flush returns the accumulated frame (port, payload) and resets for the
// next frame. Only valid to call when Pending is true.
func (d *KissDecoder) Flush() (port int, frame []byte) {
	port = d.port
	frame = append([]byte(nil), d.buf[:d.n]...)
	d.n = 0

	return port, frame
}

// Feed processes one incoming byte. It returns an error only for an
// unknown command nibble or a malformed escape sequence; all other
// ill-formed input is either ignored (pre-FEND noise) or recorded via
// Dropped (overflow).
func (d *KissDecoder) Feed(c byte) error {
	switch d.state {
	case kissStateNone:
		if c == KissFEND {
			d.state = kissStateCommand
		}

	case kissStateCommand:
		if c == KissFEND {
			// A second FEND in a row: empty frame, stay here.
			return nil
		}

		cmd := KissCommand(c & 0x0f)
		if !kissCommandKnown(cmd) {
			return fmt.Errorf("%w: unknown KISS command nibble 0x%x", ErrDecode, cmd)
		}

		d.command = cmd
		d.port = int((c >> 4) & 0x0f)
		d.n = 0
		d.state = kissStateBody

	case kissStateBody:
		switch c {
		case KissFEND:
			d.state = kissStateCommand
		case KissFESC:
			d.state = kissStateEscape
		default:
			d.appendByte(c)
		}

	case kissStateEscape:
		switch c {
		case KissTFEND:
			d.appendByte(KissFEND)
			d.state = kissStateBody
		case KissTFESC:
			d.appendByte(KissFESC)
			d.state = kissStateBody
		default:
			d.state = kissStateNone

			return fmt.Errorf("%w: invalid KISS escape byte 0x%02x", ErrDecode, c)
		}
	}

	return nil
}

// kissFeed pushes bytes into dec, stopping after the byte that completes a
// frame so a batch containing several back-to-back frames is surfaced one
// at a time rather than each overwriting the last. Malformed escapes drop
// the current frame and are counted against the decoder. Returns the
// number of bytes consumed.
func kissFeed(dec *KissDecoder, buf []byte) int {
	for i, c := range buf {
		if err := dec.Feed(c); err != nil {
			dec.dropped++
		}

		if dec.Pending() {
			return i + 1
		}
	}

	return len(buf)
}

func (d *KissDecoder) appendByte(c byte) {
	if d.n >= len(d.buf) {
		d.dropped++
		d.state = kissStateNone
		d.n = 0

		return
	}

	if d.command == KissData {
		d.buf[d.n] = c
		d.n++
	}
}
