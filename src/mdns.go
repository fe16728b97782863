package patty

/*------------------------------------------------------------------
 *
 * Purpose:	Announce the control socket over mDNS/DNS-SD so mobile
 *		and desktop clients on the same LAN can discover it
 *		without a hardcoded path or address.
 *
 *---------------------------------------------------------------*/

import (
	"context"
	"fmt"

	"github.com/brutella/dnssd"
)

// MDNSServiceType is the DNS-SD service type this daemon advertises.
const MDNSServiceType = "_patty-ax25._tcp"

// MDNSAnnouncer holds the running responder so it can be stopped on
// shutdown.
type MDNSAnnouncer struct {
	cancel context.CancelFunc
}

// AnnounceMDNS advertises name/port with the control socket path carried as
// TXT metadata, and starts responding to queries in the background. Call
// Stop to withdraw the announcement.
func AnnounceMDNS(name string, port int, sockPath string) (*MDNSAnnouncer, error) {
	cfg := dnssd.Config{
		Name: name,
		Type: MDNSServiceType,
		Port: port,
		Text: map[string]string{"sock": sockPath},
	}

	sv, err := dnssd.NewService(cfg)
	if err != nil {
		return nil, fmt.Errorf("mdns: create service: %w", err)
	}

	rp, err := dnssd.NewResponder()
	if err != nil {
		return nil, fmt.Errorf("mdns: create responder: %w", err)
	}

	if _, err := rp.Add(sv); err != nil {
		return nil, fmt.Errorf("mdns: add service: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		if err := rp.Respond(ctx); err != nil && ctx.Err() == nil {
			Log.Error("mdns responder stopped", "err", err)
		}
	}()

	Log.Info("mdns: announcing", "name", name, "type", MDNSServiceType, "port", port)

	return &MDNSAnnouncer{cancel: cancel}, nil
}

// Stop withdraws the announcement and stops responding to queries.
func (a *MDNSAnnouncer) Stop() {
	if a == nil || a.cancel == nil {
		return
	}

	a.cancel()
}
