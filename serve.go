package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shenjiangwei/kalloc/logger"
	"github.com/shenjiangwei/kalloc/rpc"
	"github.com/shenjiangwei/kalloc/stats"
	"github.com/shenjiangwei/kalloc/tagalloc"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the allocator over RPC and its metrics over HTTP",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, settings.Listen, settings.MetricsListen)
	},
}

func serve(ctx context.Context, listen, metricsListen string) error {
	registry := tagalloc.NewRegistry(allocator)

	gather := prometheus.NewRegistry()
	gather.MustRegister(collectors.NewGoCollector())
	if _, err := stats.Register(gather, allocator, registry); err != nil {
		return errors.Wrap(err, "registering metrics")
	}

	server, err := rpc.NewServer(allocator, registry)
	if err != nil {
		return err
	}
	listener, err := net.Listen("tcp", listen)
	if err != nil {
		return errors.Wrap(err, "failed to start server")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gather, promhttp.HandlerOpts{}))
	metrics := &http.Server{Addr: metricsListen, Handler: mux}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(listener)
	})
	g.Go(func() error {
		logger.Info("Serving metrics on %s", metricsListen)
		if err := metrics.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down")
		if err := server.Close(); err != nil {
			logger.Warning("Closing RPC server: %v", err)
		}
		return metrics.Close()
	})
	return g.Wait()
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
