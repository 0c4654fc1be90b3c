// Chatd — the chat relay daemon.
//
// It serves one transport per process: `chatd udp` runs the datagram relay
// with reliable delivery (ack/retransmit/dedupe), `chatd tcp` runs the stream
// relay with an optional WebSocket gateway. Defaults come from the
// environment (CHAT_* variables); flags override.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/1ureka/1ureka.net.chat/internal/config"
	"github.com/1ureka/1ureka.net.chat/internal/metrics"
	"github.com/1ureka/1ureka.net.chat/internal/relay"
	"github.com/1ureka/1ureka.net.chat/internal/stream"
	"github.com/1ureka/1ureka.net.chat/internal/util"
)

var version = "dev"

func main() {
	if err := newRoot().Execute(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

func newRoot() *cobra.Command {
	var (
		addr        string
		wsAddr      string
		metricsAddr string
		debug       bool
	)

	root := &cobra.Command{
		Use:           "chatd",
		Short:         "multi-user chat relay daemon",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&addr, "addr", "", "listen address (overrides CHAT_*_ADDR)")
	root.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Prometheus /metrics listen address (overrides CHAT_METRICS_ADDR)")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	udp := &cobra.Command{
		Use:   "udp",
		Short: "run the datagram relay (reliable delivery over UDP)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, ctx, err := setup(debug, metricsAddr)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.DatagramAddr = addr
			}
			return relay.New(cfg).Run(ctx)
		},
	}

	tcp := &cobra.Command{
		Use:   "tcp",
		Short: "run the stream relay (TCP, optional WebSocket gateway)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, ctx, err := setup(debug, metricsAddr)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.StreamAddr = addr
			}
			if wsAddr != "" {
				cfg.WSAddr = wsAddr
			}
			return stream.New(cfg).Run(ctx)
		},
	}
	tcp.Flags().StringVar(&wsAddr, "ws-addr", "", "WebSocket gateway listen address (overrides CHAT_WS_ADDR)")

	root.AddCommand(udp, tcp)
	return root
}

// setup loads the configuration and starts the shared machinery: signal
// handling, the stats reporter and the optional metrics listener.
func setup(debug bool, metricsAddr string) (*config.Config, context.Context, error) {
	if debug {
		util.EnableDebug()
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}

	ctx, _ := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	util.StartStatsReporter(ctx)

	if cfg.MetricsAddr != "" {
		metrics.Register()
		go serveMetrics(ctx, cfg.MetricsAddr)
	}

	return cfg, ctx, nil
}

// serveMetrics exposes the Prometheus registry. A metrics bind failure is
// logged, not fatal: the relay keeps serving chat.
func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	util.LogInfo("metrics listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.LogWarning("metrics listener: %v", err)
	}
}
