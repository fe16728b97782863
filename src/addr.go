package patty

/*------------------------------------------------------------------
 *
 * Purpose:	Encode and decode AX.25 station addresses: the 7-octet
 *		wire form (six shifted-ASCII callsign bytes plus an SSID
 *		byte carrying the C/R role, the has-been-repeated flag,
 *		and the end-of-address bit) and its human text form
 *		("CALL-SSID").
 *
 *---------------------------------------------------------------*/

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	AddrWireLen = 7

	addrSSIDShift   = 1
	addrSSIDMask    = 0x0f
	addrReservedBit = 0x60 // bits 5-6, always set per the AX.25 standard
	addrCRBit       = 0x80 // C/R role (dest/src) or has-been-repeated (repeater)
	addrEndBit      = 0x01 // set on the final station in the address field
)

// Addr is a single AX.25 station address: a callsign of up to 6 printable
// characters (blank-padded) and an SSID in [0,15].
type Addr struct {
	Call [6]byte
	SSID uint8
}

// ParseAddr parses the text form "CALL" or "CALL-SSID". Lowercase and other
// printable characters are accepted even though real amateur callsigns are
// uppercase alphanumeric; this implementation is deliberately broader than
// the standard.
func ParseAddr(text string) (Addr, error) {
	var a Addr

	call, ssidStr, hasSSID := strings.Cut(text, "-")

	if len(call) == 0 || len(call) > 6 {
		return a, fmt.Errorf("%w: callsign %q must be 1-6 characters", ErrDecode, call)
	}

	for i := range call {
		if call[i] < 0x20 || call[i] > 0x7e {
			return a, fmt.Errorf("%w: callsign %q has non-printable byte", ErrDecode, call)
		}
	}

	copy(a.Call[:], strings.Repeat(" ", 6))
	copy(a.Call[:], call)

	if hasSSID {
		ssid, err := strconv.Atoi(ssidStr)
		if err != nil || ssid < 0 || ssid > 15 {
			return a, fmt.Errorf("%w: SSID %q must be 0-15", ErrDecode, ssidStr)
		}

		a.SSID = uint8(ssid)
	}

	return a, nil
}

// String renders the canonical text form, omitting a "-0" SSID.
func (a Addr) String() string {
	call := strings.TrimRight(string(a.Call[:]), " ")

	if a.SSID == 0 {
		return call
	}

	return fmt.Sprintf("%s-%d", call, a.SSID)
}

// Hash returns the Jenkins hash of the callsign bytes and SSID, used as the
// route-table and socket-index key.
func (a Addr) Hash() Hash {
	h := HashInit().Data(a.Call[:])
	h = h.Data([]byte{a.SSID})

	return h.End()
}

// Equal compares callsign and SSID only; wire-only bits (C/R, end-of-address)
// never participate in address identity.
func (a Addr) Equal(b Addr) bool {
	return a.Call == b.Call && a.SSID == b.SSID
}

// IsZero reports whether this is the all-blank, SSID-0 address used as the
// default-route key.
func (a Addr) IsZero() bool {
	return a.Equal(Addr{Call: [6]byte{' ', ' ', ' ', ' ', ' ', ' '}})
}

// PutWire writes the 7-byte wire form of a into buf, OR-ing extraFlags
// (addrCRBit and/or addrEndBit as appropriate for the station's role and
// position) into the SSID byte. buf must be at least AddrWireLen long.
func (a Addr) PutWire(buf []byte, extraFlags byte) error {
	if len(buf) < AddrWireLen {
		return fmt.Errorf("%w: address buffer", ErrOverflow)
	}

	for i := 0; i < 6; i++ {
		buf[i] = a.Call[i] << 1
	}

	buf[6] = (a.SSID << addrSSIDShift) | addrReservedBit | extraFlags

	return nil
}

// GetWire decodes a 7-byte wire-form address, returning the address plus
// the two flag bits carried in the SSID byte.
func GetWire(buf []byte) (addr Addr, cr bool, end bool, err error) {
	if len(buf) < AddrWireLen {
		return addr, false, false, fmt.Errorf("%w: address buffer", ErrDecode)
	}

	for i := 0; i < 6; i++ {
		c := buf[i] >> 1

		if c < 0x20 || c > 0x7e {
			return addr, false, false, fmt.Errorf("%w: address byte %d not printable", ErrDecode, i)
		}

		addr.Call[i] = c
	}

	addr.SSID = (buf[6] >> addrSSIDShift) & addrSSIDMask
	cr = buf[6]&addrCRBit != 0
	end = buf[6]&addrEndBit != 0

	return addr, cr, end, nil
}
