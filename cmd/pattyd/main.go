package main

/*------------------------------------------------------------------
 *
 * Purpose:	Main program for pattyd, the AX.25 link-layer daemon.
 *
 * Usage:	pattyd [-f] [-c config]
 *		pattyd -s SOCK CALL DEVICE [-baud N] [-flow crtscts|xonxoff]
 *
 *		The first form reads a full configuration file. The
 *		second is a shortcut for one KISS-TNC interface with no
 *		routing beyond the default route, for quick command-line
 *		use without writing a config file.
 *
 *---------------------------------------------------------------*/

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
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
		configPath = pflag.StringP("config", "c", "", "configuration file path")
		sockPath   = pflag.StringP("sock", "s", "", "control socket path (shortcut mode)")
		logLevel   = pflag.String("log-level", "info", "log level: debug, info, warn, error")
		foreground = pflag.BoolP("foreground", "f", false, "stay in the foreground")
	)

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [-f] [-c config]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "       %s -s SOCK CALL DEVICE [kissopts...]\n", os.Args[0])
		pflag.PrintDefaults()
	}

	pflag.CommandLine.SetInterspersed(false)
	pflag.Parse()
	patty.SetLogLevel(*logLevel)

	_ = foreground // daemonization is left to the caller's process supervisor

	var cfg *patty.Config

	switch {
	case *sockPath != "":
		args := pflag.Args()

		c, err := shortcutConfig(*sockPath, args)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			pflag.Usage()

			return exitUsage
		}

		cfg = c

	case *configPath != "":
		c, err := patty.ParseConfigFile(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)

			return exitUsage
		}

		cfg = c

	default:
		pflag.Usage()

		return exitUsage
	}

	srv, err := cfg.BuildServer()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)

		return exitError
	}
	defer srv.Close()

	if cfg.MetricsTo != "" {
		srv.Metrics = patty.NewMetrics()

		if err := srv.Metrics.Serve(cfg.MetricsTo); err != nil {
			fmt.Fprintln(os.Stderr, err)

			return exitError
		}
	}

	var mdns *patty.MDNSAnnouncer

	if cfg.MDNS {
		mdns, err = patty.AnnounceMDNS("pattyd", 0, cfg.SockPath)
		if err != nil {
			patty.Log.Warn("mdns announce failed", "err", err)
		}
	}

	if mdns != nil {
		defer mdns.Stop()
	}

	if cfg.PIDPath != "" {
		if err := os.WriteFile(cfg.PIDPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
			patty.Log.Warn("could not write pidfile", "path", cfg.PIDPath, "err", err)
		} else {
			defer os.Remove(cfg.PIDPath)
		}
	}

	stop := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sig
		close(stop)
	}()

	patty.Log.Info("pattyd starting", "sock", cfg.SockPath)

	if err := srv.Run(stop); err != nil {
		fmt.Fprintln(os.Stderr, err)

		return exitError
	}

	return exitOK
}

// shortcutConfig builds a one-interface Config from "pattyd -s SOCK CALL
// DEVICE [-baud N] [-flow crtscts|xonxoff]" without requiring a config file.
func shortcutConfig(sockPath string, args []string) (*patty.Config, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("pattyd -s requires CALL and DEVICE arguments")
	}

	addr, err := patty.ParseAddr(args[0])
	if err != nil {
		return nil, err
	}

	device := args[1]

	kiss := &patty.TNCConfig{Device: device, Baud: 9600}

	rest := args[2:]
	for i := 0; i < len(rest); i++ {
		if i+1 >= len(rest) {
			return nil, fmt.Errorf("kissopt %q requires a value", rest[i])
		}

		switch rest[i] {
		case "-baud":
			n, err := strconv.Atoi(rest[i+1])
			if err != nil {
				return nil, fmt.Errorf("-baud: %w", err)
			}

			kiss.Baud = n
		case "-flow":
			switch rest[i+1] {
			case "crtscts":
				kiss.Flow = patty.FlowCRTSCTS
			case "xonxoff":
				kiss.Flow = patty.FlowXONXOFF
			default:
				return nil, fmt.Errorf("-flow: expected crtscts|xonxoff")
			}
		default:
			return nil, fmt.Errorf("unrecognized kissopt %q", rest[i])
		}

		i++
	}

	cfg := &patty.Config{
		SockPath: sockPath,
		Interfaces: []patty.IfaceSpec{
			{Name: "if0", Addr: addr, KISS: kiss},
		},
		Routes: []patty.RouteSpec{
			{Default: true, IfaceName: "if0"},
		},
	}

	return cfg, nil
}
