package patty

/*------------------------------------------------------------------
 *
 * Purpose:	Prometheus exposition of per-interface and per-socket
 *		counters. Off by default; enabled with a metrics listen
 *		address in the config file ("metrics ADDR").
 *
 * Description:	A custom prometheus.Collector fed by per-iteration
 *		snapshots, rather than one pre-registered gauge per
 *		dynamic label value.
 *
 *---------------------------------------------------------------*/

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ifaceSnapshot is one interface's counters as of the last Snapshot call.
type ifaceSnapshot struct {
	name string
	IfaceStats
}

// Metrics is a prometheus.Collector fed by periodic snapshots from the
// event loop. The HTTP scrape handler runs on its own goroutine, so Collect
// must never touch the Server's live maps directly; Snapshot is the one
// safe crossing point, called once per iterate() under the collector's own
// lock.
type Metrics struct {
	mu        sync.Mutex
	ifaces    []ifaceSnapshot
	sockCount map[SockState]int

	rxFrames *prometheus.Desc
	txFrames *prometheus.Desc
	rxBytes  *prometheus.Desc
	txBytes  *prometheus.Desc
	dropped  *prometheus.Desc
	sockets  *prometheus.Desc

	httpSrv *http.Server
}

// NewMetrics builds an unbound collector. Call Serve to expose it and
// Snapshot each event loop iteration to keep it current.
func NewMetrics() *Metrics {
	return &Metrics{
		rxFrames: prometheus.NewDesc("patty_iface_rx_frames_total",
			"AX.25 frames received on an interface.", []string{"iface"}, nil),
		txFrames: prometheus.NewDesc("patty_iface_tx_frames_total",
			"AX.25 frames transmitted on an interface.", []string{"iface"}, nil),
		rxBytes: prometheus.NewDesc("patty_iface_rx_bytes_total",
			"Bytes received on an interface.", []string{"iface"}, nil),
		txBytes: prometheus.NewDesc("patty_iface_tx_bytes_total",
			"Bytes transmitted on an interface.", []string{"iface"}, nil),
		dropped: prometheus.NewDesc("patty_iface_dropped_frames_total",
			"Frames dropped on an interface (decode failure or overflow).", []string{"iface"}, nil),
		sockets: prometheus.NewDesc("patty_sockets",
			"Connection sockets currently in each state.", []string{"state"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(descs chan<- *prometheus.Desc) {
	descs <- m.rxFrames
	descs <- m.txFrames
	descs <- m.rxBytes
	descs <- m.txBytes
	descs <- m.dropped
	descs <- m.sockets
}

// Snapshot records the current interface stats and socket-state counts.
// Called once per event loop iteration, from the loop's own goroutine.
func (m *Metrics) Snapshot(s *Server) {
	ifaces := make([]ifaceSnapshot, 0, len(s.ifaces))
	for _, iface := range s.ifaces {
		ifaces = append(ifaces, ifaceSnapshot{name: iface.Name, IfaceStats: iface.Stats})
	}

	counts := make(map[SockState]int)
	for _, sock := range s.sockets {
		counts[sock.State]++
	}

	m.mu.Lock()
	m.ifaces = ifaces
	m.sockCount = counts
	m.mu.Unlock()
}

// Collect implements prometheus.Collector, reporting the most recent
// Snapshot. Runs on the scrape handler's own goroutine.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.mu.Lock()
	ifaces := m.ifaces
	counts := m.sockCount
	m.mu.Unlock()

	for _, iface := range ifaces {
		ch <- prometheus.MustNewConstMetric(m.rxFrames, prometheus.CounterValue, float64(iface.RxFrames), iface.name)
		ch <- prometheus.MustNewConstMetric(m.txFrames, prometheus.CounterValue, float64(iface.TxFrames), iface.name)
		ch <- prometheus.MustNewConstMetric(m.rxBytes, prometheus.CounterValue, float64(iface.RxBytes), iface.name)
		ch <- prometheus.MustNewConstMetric(m.txBytes, prometheus.CounterValue, float64(iface.TxBytes), iface.name)
		ch <- prometheus.MustNewConstMetric(m.dropped, prometheus.CounterValue, float64(iface.Dropped), iface.name)
	}

	for state, n := range counts {
		ch <- prometheus.MustNewConstMetric(m.sockets, prometheus.GaugeValue, float64(n), state.String())
	}
}

// Serve starts an HTTP server exposing /metrics on addr, listening on addr
// exactly as given. The server starts in the background and Serve does not
// wait for the bind: it reports a listen error only if one has already
// arrived when it returns. Shutdown stops it.
func (m *Metrics) Serve(addr string) error {
	reg := prometheus.NewRegistry()
	if err := reg.Register(m); err != nil {
		return fmt.Errorf("metrics: register collector: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	m.httpSrv = &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)

	go func() {
		errCh <- m.httpSrv.ListenAndServe()
	}()

	Log.Info("metrics: serving", "addr", addr)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics: listen: %w", err)
		}

		return nil
	default:
		return nil
	}
}

// Shutdown stops the metrics HTTP server, if running.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.httpSrv == nil {
		return nil
	}

	return m.httpSrv.Shutdown(ctx)
}
