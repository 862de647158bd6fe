// Command pgwire-mockd runs the mock PostgreSQL server: it loads a config
// file, wires the demo SQL dialect into a wire.Server, exposes Prometheus
// metrics, and serves client connections until asked to stop.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	wire "github.com/pgwiremock/pgwiremock"
	"github.com/pgwiremock/pgwiremock/config"
	"github.com/pgwiremock/pgwiremock/dispatcher"
	"github.com/pgwiremock/pgwiremock/metrics"
	"github.com/pgwiremock/pgwiremock/stats"
)

func main() {
	configPath := flag.String("config", "pgwire-mockd.ini", "path to the configuration file")
	metricsAddr := flag.String("metrics-addr", ":9090", "address the /metrics endpoint listens on")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if err := run(logger, *configPath, *metricsAddr); err != nil {
		logger.Error("pgwire-mockd exited with an error", "err", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, configPath, metricsAddr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	collector := stats.New(
		stats.WithSlowQueryThreshold(cfg.SlowQueryThresh),
	)
	recorder := metrics.New(collector, cfg.IdleTimeout)

	sweepStop := make(chan struct{})
	go collector.RunSweeper(sweepStop, time.Minute)
	defer close(sweepStop)

	serverOpts := []wire.OptionFn{
		wire.WithLogger(logger),
		wire.WithVersion(cfg.ServerVersion),
		wire.WithBufferedMsgSize(cfg.MaxMessageBytes),
		wire.WithMaxConnections(cfg.MaxConnections),
		wire.WithIdleTimeout(cfg.IdleTimeout),
		wire.WithShutdownGrace(cfg.ShutdownGrace),
		wire.WithSlowQueryThreshold(cfg.SlowQueryThresh),
	}
	if cfg.StatsEnabled {
		serverOpts = append(serverOpts, wire.WithStats(recorder))
	}

	srv, err := wire.NewServer(dispatcher.New().Parse, serverOpts...)
	if err != nil {
		return fmt.Errorf("constructing server: %w", err)
	}

	srv.Auth = authStrategy(cfg)

	if cfg.StatsEnabled {
		go serveMetrics(logger, metricsAddr, recorder)
	}

	listener, err := net.Listen("tcp", cfg.Address())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Address(), err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("shutdown signal received, draining connections")
		if err := srv.Close(); err != nil {
			logger.Error("error while closing server", "err", err)
		}
	}()

	logger.Info("listening for client connections", slog.String("addr", cfg.Address()))
	if err := srv.Serve(listener); err != nil {
		return fmt.Errorf("serving: %w", err)
	}

	return nil
}

func authStrategy(cfg *config.Config) wire.AuthStrategy {
	switch cfg.AuthMethod {
	case config.AuthCleartext:
		return wire.ClearTextPassword(func(username, password string) (bool, error) {
			want, ok := cfg.Users[username]
			return ok && want == password, nil
		})
	case config.AuthMD5:
		return wire.MD5Password(func(username string) (string, bool, error) {
			password, ok := cfg.Users[username]
			return password, ok, nil
		})
	default:
		return wire.Trust()
	}
}

func serveMetrics(logger *slog.Logger, addr string, recorder *metrics.Recorder) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())

	logger.Info("serving metrics", slog.String("addr", addr))
	srv := &http.Server{Addr: addr, Handler: mux}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server exited", "err", err)
	}
}
