package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/thirdplace/server/internal/config"
	"github.com/thirdplace/server/internal/db"
	"github.com/thirdplace/server/internal/logger"
	"github.com/thirdplace/server/internal/thirdplace/catalog"
	"github.com/thirdplace/server/internal/thirdplace/lockgw"
	"github.com/thirdplace/server/internal/thirdplace/service"
	"github.com/thirdplace/server/internal/thirdplace/store"
	"github.com/thirdplace/server/internal/thirdplace/store/memory"
	"github.com/thirdplace/server/internal/thirdplace/store/sqlite"
	"github.com/thirdplace/server/internal/thirdplace/types"
)

type referenceStore interface {
	store.ReferenceStore
	store.ReferenceWriter
}

// app is the wired process: stores, lock gateways, the revocation
// dispatcher and the services on top of them.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	refs       referenceStore
	coverage   store.CoverageStore
	registry   *lockgw.Registry
	queue      lockgw.Queue
	dispatcher *lockgw.Dispatcher

	quotes    *service.QuoteService
	envelopes *service.EnvelopeService
	access    *service.AccessService

	closers []func()
}

func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return config.Config{}, nil, err
	}
	log, _, err := logger.New(logger.Options{
		Level:     cfg.LogLevel,
		Format:    cfg.LogFormat,
		Output:    cfg.LogOutput,
		SourceAll: !cfg.IsProd(),
	})
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("logger: %w", err)
	}
	return cfg, log, nil
}

func newApp(ctx context.Context, cfg config.Config, log *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: log}

	if err := a.openStores(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if cfg.SeedOnStart {
		if err := a.seed(ctx, cfg.CatalogPath); err != nil {
			a.Close()
			return nil, err
		}
	}
	if err := a.buildGateways(); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.buildQueue(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.dispatcher = lockgw.NewDispatcher(a.registry, a.queue, lockgw.DispatcherConfig{
		MaxAttempts: cfg.RevocationMaxAttempts,
		Backoff:     cfg.RevocationBackoff,
	}, log)

	deps := service.Deps{
		References:         a.refs,
		Coverage:           a.coverage,
		Gateways:           a.registry,
		Revocations:        a.dispatcher,
		Logger:             log,
		CertificateBaseURL: cfg.CertificateBaseURL,
	}
	a.quotes = service.NewQuoteService(a.refs)
	a.envelopes = service.NewEnvelopeService(deps)
	a.access = service.NewAccessService(deps)
	return a, nil
}

func (a *app) openStores(ctx context.Context) error {
	if a.cfg.StoreDriver == "memory" {
		a.logger.Warn("using in-memory store, coverage state is lost on exit")
		a.refs = memory.NewReferenceStore()
		a.coverage = memory.NewCoverageStore()
		return nil
	}

	sqlDB, err := db.Open(ctx, db.Config{Path: a.cfg.DBPath, Env: a.cfg.Env})
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	a.closers = append(a.closers, func() { _ = sqlDB.Close() })

	writer := db.NewWorker(sqlDB)
	a.closers = append(a.closers, writer.Close)

	a.refs = sqlite.NewReferenceStore(sqlDB, writer)
	a.coverage = sqlite.NewCoverageStore(writer)
	a.logger.Info("sqlite store opened", "path", a.cfg.DBPath)
	return nil
}

func (a *app) seed(ctx context.Context, path string) error {
	cat, err := catalog.Load(path)
	if err != nil {
		return err
	}
	if err := cat.Seed(ctx, a.refs); err != nil {
		return fmt.Errorf("seed catalog: %w", err)
	}
	a.logger.Info("reference data seeded",
		"categories", len(cat.Categories), "spaces", len(cat.Spaces), "policies", len(cat.Policies))
	return nil
}

func (a *app) buildGateways() error {
	qr, err := lockgw.NewGenericQR(a.cfg.QRSigningSecret, time.Now)
	if err != nil {
		return err
	}
	gateways := map[string]lockgw.Gateway{
		types.GenericVendor: qr,
		"kisi":              lockgw.NewKisi(a.cfg.KisiAPIKey, time.Now),
		"schlage":           lockgw.NewSchlage(a.cfg.SchlageAPIKey, time.Now),
	}
	if a.cfg.KisiAPIKey == "" {
		a.logger.Warn("THIRDPLACE_KISI_API_KEY not set, kisi grants will fail to provision")
	}
	if a.cfg.SchlageAPIKey == "" {
		a.logger.Warn("THIRDPLACE_SCHLAGE_API_KEY not set, schlage grants will fail to provision")
	}

	if len(a.cfg.BridgeVendors) > 0 {
		conn, err := grpc.NewClient(a.cfg.LockBridgeAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return fmt.Errorf("lock bridge: %w", err)
		}
		a.closers = append(a.closers, func() { _ = conn.Close() })
		bridge := lockgw.NewBridge(conn)
		for _, vendor := range a.cfg.BridgeVendors {
			gateways[vendor] = bridge
		}
		a.logger.Info("lock bridge configured", "addr", a.cfg.LockBridgeAddr, "vendors", a.cfg.BridgeVendors)
	}

	reg, err := lockgw.NewRegistry(gateways)
	if err != nil {
		return err
	}
	a.registry = reg
	return nil
}

func (a *app) buildQueue(ctx context.Context) error {
	if a.cfg.RevocationQueue != "redis" {
		a.queue = lockgw.NewMemoryQueue()
		if a.cfg.IsProd() {
			a.logger.Warn("revocation queue is in memory, undelivered revocations are lost on exit; set THIRDPLACE_REVOCATION_QUEUE=redis")
		}
		return nil
	}

	client := redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr, DB: a.cfg.RedisDB})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("redis ping %s: %w", a.cfg.RedisAddr, err)
	}
	a.closers = append(a.closers, func() { _ = client.Close() })
	a.queue = lockgw.NewRedisQueue(client, "")
	a.logger.Info("revocation queue on redis", "addr", a.cfg.RedisAddr, "db", a.cfg.RedisDB)
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
