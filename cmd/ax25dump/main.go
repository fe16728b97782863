package main

/*------------------------------------------------------------------
 *
 * Purpose:	Print decoded AX.25 frames from a running daemon's
 *		promiscuous interface feed, a directly attached KISS
 *		device, or a captured KISS byte stream file.
 *
 * Usage:	ax25dump -s SOCK -i IFNAME
 *		ax25dump DEVICE [baud N] [flow crtscts|xonxoff]
 *		ax25dump FILE
 *
 *---------------------------------------------------------------*/

import (
	"fmt"
	"os"
	"strconv"

	patty "github.com/kb9vty/patty/src"
	"github.com/spf13/pflag"
)

const (
	exitOK    = 0
	exitUsage = 64
	exitError = 1
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		sockPath = pflag.StringP("sock", "s", "", "control socket of a running pattyd")
		ifName   = pflag.StringP("interface", "i", "", "interface name to monitor")
	)

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -s SOCK -i IFNAME\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "       %s DEVICE [baud N] [flow crtscts|xonxoff]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "       %s FILE\n", os.Args[0])
		pflag.PrintDefaults()
	}

	pflag.Parse()

	if *sockPath != "" {
		if *ifName == "" {
			fmt.Fprintln(os.Stderr, "ax25dump -s requires -i IFNAME")

			return exitUsage
		}

		return dumpDaemon(*sockPath, *ifName)
	}

	args := pflag.Args()
	if len(args) == 0 {
		pflag.Usage()

		return exitUsage
	}

	info, err := os.Stat(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)

		return exitError
	}

	if info.Mode()&os.ModeCharDevice != 0 {
		return dumpDevice(args[0], args[1:])
	}

	if len(args) != 1 {
		pflag.Usage()

		return exitUsage
	}

	return dumpFile(args[0])
}

// dumpDaemon attaches a promiscuous raw socket to a running daemon's
// interface and prints every frame the daemon KISS-frames onto the pty.
func dumpDaemon(sockPath, ifName string) int {
	client, err := patty.Dial(sockPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)

		return exitError
	}
	defer client.Close()

	conn, err := client.Socket(patty.SockRaw)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)

		return exitError
	}
	defer conn.Close()

	if err := conn.SetSockOptIface(ifName, true); err != nil {
		fmt.Fprintln(os.Stderr, err)

		return exitError
	}

	dec := patty.NewKissDecoder(4096)
	buf := make([]byte, 4096)

	for {
		n, err := conn.Read(buf)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)

			return exitError
		}

		for _, c := range buf[:n] {
			if err := dec.Feed(c); err != nil {
				continue
			}

			if dec.Pending() {
				_, frame := dec.Flush()
				printRaw(frame)
			}
		}
	}
}

// dumpDevice attaches directly to a serial KISS TNC and prints frames as
// they arrive.
func dumpDevice(device string, tioargs []string) int {
	cfg := patty.TNCConfig{Device: device, Baud: 9600}

	for i := 0; i < len(tioargs); i++ {
		if i+1 >= len(tioargs) {
			fmt.Fprintf(os.Stderr, "tioarg %q requires a value\n", tioargs[i])

			return exitUsage
		}

		switch tioargs[i] {
		case "baud":
			n, err := strconv.Atoi(tioargs[i+1])
			if err != nil {
				fmt.Fprintln(os.Stderr, "baud:", err)

				return exitUsage
			}

			cfg.Baud = n
		case "flow":
			switch tioargs[i+1] {
			case "crtscts":
				cfg.Flow = patty.FlowCRTSCTS
			case "xonxoff":
				cfg.Flow = patty.FlowXONXOFF
			default:
				fmt.Fprintln(os.Stderr, "flow: expected crtscts|xonxoff")

				return exitUsage
			}
		default:
			fmt.Fprintf(os.Stderr, "unrecognized tioarg %q\n", tioargs[i])

			return exitUsage
		}

		i++
	}

	drv, err := patty.NewTNCDriver(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)

		return exitError
	}
	defer drv.Close()

	iface := patty.NewInterface(device, drv, patty.Addr{}, 256, 256)

	for {
		raw, err := iface.Recv()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)

			return exitError
		}

		if raw != nil {
			printRaw(raw)
		}
	}
}

func dumpFile(path string) int {
	drv, err := patty.NewReplayDriver(path, 0)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)

		return exitError
	}
	defer drv.Close()

	iface := patty.NewInterface(path, drv, patty.Addr{}, 256, 256)

	count := 0

	for !drv.Done() {
		raw, err := iface.Recv()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)

			return exitError
		}

		if raw == nil {
			continue
		}

		printRaw(raw)
		count++
	}

	if count == 0 {
		fmt.Fprintln(os.Stderr, "no frames decoded")
	}

	return exitOK
}

func printRaw(raw []byte) {
	f, err := patty.DecodeFrame(raw, patty.FormatNormal)
	if err != nil {
		fmt.Fprintf(os.Stderr, "malformed frame: %v\n", err)

		return
	}

	printFrame(f)
}

func printFrame(f patty.Frame) {
	fmt.Printf("%s>%s", f.Src, f.Dest)

	for _, r := range f.Repeaters {
		fmt.Printf(",%s", r)
	}

	fmt.Printf(" %s", f.Type)

	if f.Type == patty.FrameI || f.Type == patty.FrameUI {
		fmt.Printf(" N(S)=%d N(R)=%d: %q\n", f.NS, f.NR, string(f.Info))
	} else {
		fmt.Println()
	}
}
