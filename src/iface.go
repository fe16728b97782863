package patty

/*------------------------------------------------------------------
 *
 * Purpose:	The interface driver trait (capability interface) and
 *		the Interface type that wraps a driver with addressing,
 *		promiscuous-observer fan-out, and stats.
 *
 * Description:	A Driver moves bytes and frames over one concrete link
 *		(serial KISS TNC, APRS-IS uplink, capture replay); the
 *		Interface wraps it with the station address, aliases,
 *		promiscuous observers, and traffic counters the rest of
 *		the engine works against.
 *
 *---------------------------------------------------------------*/

import (
	"fmt"
	"io"
)

// IfaceStatus is the up/down/error lifecycle of an Interface.
type IfaceStatus int

const (
	IfaceDown IfaceStatus = iota
	IfaceUp
	IfaceError
)

// Driver is the uniform surface every link implementation (KISS-TNC,
// APRS-IS, replay-from-file) exposes to the server event loop.
type Driver interface {
	FD() int
	Ready(readable bool) bool
	Reset() error
	// Fill pulls raw bytes from the link into the driver's internal
	// buffer. Returns the number of bytes read; 0 with a nil error
	// means no data was available right now, not EOF.
	Fill() (int, error)
	// Drain pushes decoded bytes into buf, returning bytes written.
	Drain(buf []byte) int
	// Pending reports whether a complete frame is buffered.
	Pending() bool
	// Flush commits the pending frame and returns its length.
	Flush() int
	// Send encodes and writes one frame to the link.
	Send(frame []byte) error
	Close() error
}

// IfaceStats mirrors the Data Model's Interface stats block.
type IfaceStats struct {
	RxFrames uint64
	TxFrames uint64
	RxBytes  uint64
	TxBytes  uint64
	Dropped  uint64
}

// Interface is one configured link: a driver plus addressing and stats.
type Interface struct {
	Name    string
	Driver  Driver
	Addr    Addr
	Aliases []Addr
	MTU     int
	MRU     int
	Status  IfaceStatus

	promisc map[int]io.Writer

	Stats IfaceStats
}

func NewInterface(name string, driver Driver, addr Addr, mtu, mru int) *Interface {
	return &Interface{
		Name:    name,
		Driver:  driver,
		Addr:    addr,
		MTU:     mtu,
		MRU:     mru,
		promisc: make(map[int]io.Writer),
	}
}

// AddrAdd registers an alias address for this interface. Aliases match on
// callsign alone, so the SSID is forced to 0.
func (i *Interface) AddrAdd(a Addr) error {
	a.SSID = 0

	if i.AddrMatch(a) {
		return fmt.Errorf("%w: alias %s on interface %s", ErrAddrInUse, a, i.Name)
	}

	i.Aliases = append(i.Aliases, a)

	return nil
}

// AddrDelete removes a previously added alias, if present.
func (i *Interface) AddrDelete(a Addr) {
	a.SSID = 0

	for idx := 0; idx < len(i.Aliases); idx++ {
		if i.Aliases[idx].Equal(a) {
			i.Aliases = append(i.Aliases[:idx], i.Aliases[idx+1:]...)

			return
		}
	}
}

// AddrMatch reports whether addr (by callsign only, ignoring SSID-carried
// wire flags) is this interface's primary address or one of its aliases.
func (i *Interface) AddrMatch(addr Addr) bool {
	if i.Addr.Call == addr.Call {
		return true
	}

	for _, alias := range i.Aliases {
		if alias.Call == addr.Call {
			return true
		}
	}

	return false
}

// PromiscAdd registers a promiscuous observer keyed by fd; every frame the
// interface receives or sends is additionally KISS-framed onto w, so the
// observer (typically a raw socket's pty) sees the same byte stream a
// directly attached TNC would produce.
func (i *Interface) PromiscAdd(fd int, w io.Writer) {
	i.promisc[fd] = w
}

// PromiscDelete removes a promiscuous observer.
func (i *Interface) PromiscDelete(fd int) {
	delete(i.promisc, fd)
}

func (i *Interface) fanOut(frame []byte) {
	for _, w := range i.promisc {
		_ = KissEncodeFrame(w, frame, 0, KissData)
	}
}

// Drop records a discarded frame (malformed decode, oversized reassembly,
// etc).
func (i *Interface) Drop() {
	i.Stats.Dropped++
}

// FD exposes the underlying driver's fd for readiness registration.
func (i *Interface) FD() int {
	return i.Driver.FD()
}

// Reset asks the driver to reinitialize, marking the interface Up on
// success or Error on failure.
func (i *Interface) Reset() error {
	if err := i.Driver.Reset(); err != nil {
		i.Status = IfaceError

		return err
	}

	i.Status = IfaceUp

	return nil
}

// Recv pulls and reassembles the next complete frame from the driver, if
// any is ready. Returns nil, nil when nothing is available yet.
func (i *Interface) Recv() ([]byte, error) {
	if _, err := i.Driver.Fill(); err != nil {
		return nil, err
	}

	if !i.Driver.Pending() {
		return nil, nil
	}

	n := i.Driver.Flush()
	if n <= 0 {
		return nil, nil
	}

	buf := make([]byte, n)
	i.Driver.Drain(buf)

	i.Stats.RxFrames++
	i.Stats.RxBytes += uint64(n)
	i.fanOut(buf)

	return buf, nil
}

// Send writes one frame to the link, updating stats and fanning the frame
// out to promiscuous observers.
func (i *Interface) Send(frame []byte) error {
	if err := i.Driver.Send(frame); err != nil {
		return err
	}

	i.Stats.TxFrames++
	i.Stats.TxBytes += uint64(len(frame))
	i.fanOut(frame)

	return nil
}
