package main

/*------------------------------------------------------------------
 *
 * Purpose:	Open a raw socket against a running pattyd and print
 *		the pty path it was handed, then hold the connection
 *		open so another process can read and write KISS-framed
 *		traffic through that pty.
 *
 * Usage:	tncd -s SOCK -i IFNAME
 *
 *---------------------------------------------------------------*/

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

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
		ifName   = pflag.StringP("interface", "i", "", "interface name to bind")
	)

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -s SOCK -i IFNAME\n", os.Args[0])
		pflag.PrintDefaults()
	}

	pflag.Parse()

	if *sockPath == "" || *ifName == "" {
		pflag.Usage()

		return exitUsage
	}

	client, err := patty.Dial(*sockPath)
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

	if err := conn.SetSockOptIface(*ifName, true); err != nil {
		fmt.Fprintln(os.Stderr, err)

		return exitError
	}

	fmt.Println(conn.PTYPath())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	if err := conn.Close(); err != nil {
		fmt.Fprintln(os.Stderr, err)

		return exitError
	}

	return exitOK
}
