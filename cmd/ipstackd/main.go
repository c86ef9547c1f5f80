//go:build linux

// Command ipstackd runs the userspace IPv4 stack over a Linux TAP
// device. It is grounded on the teacher's cmd/doublezerod/main.go:
// flag-parsed configuration, a slog logger, an optional prometheus
// metrics endpoint, and graceful shutdown via signal.NotifyContext.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/google/gopacket/layers"
	"github.com/jonboulle/clockwork"

	"github.com/quietstack/ipstack/internal/driver/tap"
	"github.com/quietstack/ipstack/internal/ip4"
	"github.com/quietstack/ipstack/internal/stack"
)

// relayFrame is one inbound Ethernet frame handed from the TAP
// device's own reading goroutine (internal/driver/tap.Driver.Run) to
// the single event-loop goroutine that owns the stack, since the
// stack itself makes no concurrency guarantees beyond "call in from
// one goroutine at a time" (spec.md §5).
type relayFrame struct {
	ethType layers.EthernetType
	src     net.HardwareAddr
	payload []byte
}

// frameRelay implements driver.FrameSink by forwarding every delivery
// onto a channel the event loop drains; it never calls into the stack
// itself.
type frameRelay struct {
	ch chan relayFrame
}

func (r *frameRelay) RecvFrame(ethType layers.EthernetType, src net.HardwareAddr, payload []byte) {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	r.ch <- relayFrame{ethType: ethType, src: src, payload: cp}
}

var (
	tapName       = flag.String("tap-name", "ipstack0", "name of the TAP device to open (created if absent)")
	localAddr     = flag.String("local-addr", "", "local IPv4 address for the TAP interface, required")
	localMask     = flag.String("local-mask", "255.255.255.0", "subnet mask for the TAP interface")
	gateway       = flag.String("gateway", "", "default gateway address; empty means no default route")
	metricsEnable = flag.Bool("metrics-enable", false, "enable the prometheus metrics endpoint")
	metricsAddr   = flag.String("metrics-addr", "localhost:0", "address to listen on for prometheus metrics")
	verbose       = flag.Bool("v", false, "enable verbose (debug) logging")
)

func main() {
	flag.Parse()

	logger := newLogger(*verbose)
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("ipstackd: fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	if *localAddr == "" {
		return fmt.Errorf("-local-addr is required")
	}
	parsedAddr := net.ParseIP(*localAddr)
	if parsedAddr == nil {
		return fmt.Errorf("-local-addr %q is not a valid IPv4 address", *localAddr)
	}
	parsedMask := net.ParseIP(*localMask)
	if parsedMask == nil {
		return fmt.Errorf("-local-mask %q is not a valid IPv4 address", *localMask)
	}
	addr := ip4.FromNetIP(parsedAddr)
	mask := ip4.FromNetIP(parsedMask)

	if *metricsEnable {
		go serveMetrics(logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clk := clockwork.NewRealClock()
	st := stack.New(stack.Config{Log: logger}, clk)

	drv, err := tap.Open(*tapName)
	if err != nil {
		return fmt.Errorf("open tap device %s: %w", *tapName, err)
	}
	defer drv.Close()

	_, sink, err := st.AddInterface(*tapName, stack.InterfaceConfig{Addr: addr, Mask: ip4.Mask(mask)}, drv)
	if err != nil {
		return fmt.Errorf("attach interface: %w", err)
	}
	if *gateway != "" {
		parsedGW := net.ParseIP(*gateway)
		if parsedGW == nil {
			return fmt.Errorf("-gateway %q is not a valid IPv4 address", *gateway)
		}
		st.AddRoute(ip4.Zero, ip4.Mask{}, ip4.FromNetIP(parsedGW), *tapName)
	}

	logger.Info("ipstackd: interface ready", "name", *tapName, "addr", addr.String(), "mask", mask.String())

	relay := &frameRelay{ch: make(chan relayFrame, 256)}
	drv.Attach(relay)

	errCh := make(chan error, 1)
	go func() { errCh <- drv.Run() }()

	ticker := time.NewTicker(stack.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("ipstackd: shutting down")
			return nil
		case err := <-errCh:
			return fmt.Errorf("tap device closed: %w", err)
		case f := <-relay.ch:
			sink.RecvFrame(f.ethType, f.src, f.payload)
		case now := <-ticker.C:
			st.Tick(now)
		}
	}
}

func serveMetrics(logger *slog.Logger) {
	listener, err := net.Listen("tcp", *metricsAddr)
	if err != nil {
		logger.Error("ipstackd: failed to start prometheus metrics listener", "error", err)
		os.Exit(1)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("ipstackd: prometheus metrics server started", "address", listener.Addr().String())
	if err := http.Serve(listener, mux); err != nil {
		logger.Error("ipstackd: prometheus metrics server stopped", "error", err)
	}
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(a.Value.Time().UTC().Format(time.RFC3339))
			}
			return a
		},
	}))
}
