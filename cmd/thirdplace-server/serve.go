package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/thirdplace/server/internal/httpapi"
	"github.com/thirdplace/server/internal/thirdplace/service"
)

const shutdownTimeout = 5 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the expiry reaper and the revocation dispatcher",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	a.dispatcher.Start(ctx)
	defer a.dispatcher.Stop()

	reaper := service.NewExpiryReaper(a.envelopes, cfg.SweepInterval, log)
	reaper.Start(ctx)
	defer reaper.Stop()

	healthSrv, err := startHealth(cfg.HealthAddr, log)
	if err != nil {
		return err
	}
	if healthSrv != nil {
		defer healthSrv.Stop()
	}

	srv := httpapi.NewServer(httpapi.Dependencies{
		Logger:    log,
		Addr:      cfg.HTTPAddr,
		Quotes:    a.quotes,
		Envelopes: a.envelopes,
		Access:    a.access,
	})

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.HTTPAddr, "store", cfg.StoreDriver, "env", cfg.Env)
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			log.Error("server error", "error", err)
			stop()
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	// Deliver what the last requests queued before the dispatcher stops.
	if n, _, err := a.dispatcher.Drain(shutdownCtx); err != nil {
		log.Warn("final revocation flush", "error", err)
	} else if n > 0 {
		log.Info("final revocation flush", "delivered", n)
	}
	return nil
}

// startHealth serves the standard gRPC health service on addr.  An empty
// addr disables it.
func startHealth(addr string, log *slog.Logger) (*grpc.Server, error) {
	if addr == "" {
		return nil, nil
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("health listen %s: %w", addr, err)
	}

	gs := grpc.NewServer()
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)

	go func() {
		if err := gs.Serve(lis); err != nil {
			log.Error("health server stopped", "error", err)
		}
	}()
	log.Info("grpc health listening", "addr", addr)
	return gs, nil
}
