// Package app wires configuration, the sync engine and the operational
// HTTP surface into a runnable daemon.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"convosync/internal/sweeper"
	"convosync/pkg/backend"
	"convosync/pkg/config"
	"convosync/pkg/engine"
	"convosync/pkg/logger"
	"convosync/pkg/outbox"
	"convosync/pkg/realtime"
)

// App encapsulates the daemon components and lifecycle.
type App struct {
	cfg       *config.Config
	source    string
	version   string
	commit    string
	buildDate string

	store  *outbox.Store
	engine *engine.Engine
	srv    *http.Server
}

// New initializes resources that do not require a running context: the
// durable outbox store (running crash recovery), the backend clients and
// the engine. Call Run to start background work and block until shutdown.
func New(cfg *config.Config, source, version, commit, buildDate string) (*App, error) {
	_ = godotenv.Load(".env")

	store, err := outbox.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open outbox at %s: %w", cfg.Storage.DBPath, err)
	}

	client := backend.New(backend.Options{
		RecordStoreURL: cfg.Backend.RecordStoreURL,
		GatewayURL:     cfg.Backend.GatewayURL,
		APIKey:         cfg.Backend.APIKey,
		Timeout:        cfg.Backend.RequestTimeout.Duration(),
		RateRPS:        cfg.Backend.RateRPS,
		RateBurst:      cfg.Backend.RateBurst,
	})

	var src realtime.Source
	if cfg.Realtime.URL != "" {
		src = realtime.NewWebsocketSource(realtime.SourceOptions{
			URL:        cfg.Realtime.URL,
			Token:      cfg.Realtime.Token,
			Tenant:     cfg.Realtime.Tenant,
			Heartbeat:  cfg.Realtime.HeartbeatInterval.Duration(),
			MinBackoff: cfg.Realtime.ReconnectMin.Duration(),
			MaxBackoff: cfg.Realtime.ReconnectMax.Duration(),
		})
	}

	eng, err := engine.New(engine.Options{
		Store:                store,
		Records:              client,
		Gateway:              client,
		Source:               src,
		IsPermanent:          backend.IsPermanent,
		MaxRetries:           cfg.Outbox.MaxRetries,
		RetryBase:            cfg.Outbox.RetryBase.Duration(),
		DrainRPS:             cfg.Outbox.DrainRPS,
		DrainBurst:           cfg.Outbox.DrainBurst,
		MaxPayloadBytes:      cfg.Storage.MaxPayloadBytes.Int64(),
		ConversationDebounce: cfg.Realtime.ConversationDebounce.Duration(),
		TenantDebounce:       cfg.Realtime.TenantDebounce.Duration(),
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &App{
		cfg:       cfg,
		source:    source,
		version:   version,
		commit:    commit,
		buildDate: buildDate,
		store:     store,
		engine:    eng,
	}, nil
}

// Engine exposes the running engine (tests, embedding).
func (a *App) Engine() *engine.Engine { return a.engine }

// Run starts the engine, the sweeper and the operational HTTP server, and
// blocks until ctx is canceled or a fatal server error occurs.
func (a *App) Run(ctx context.Context) error {
	a.printBanner()

	if err := a.engine.Start(ctx); err != nil {
		return err
	}

	sweepCancel, err := sweeper.Start(ctx, a.cfg.Sweeper, a.engine)
	if err != nil {
		return err
	}
	defer sweepCancel()

	errCh := a.startHTTP()

	select {
	case <-ctx.Done():
		a.shutdown()
		return nil
	case err := <-errCh:
		a.shutdown()
		return err
	}
}

// shutdown stops background work and closes the store. Pending outbox
// entries stay durable for the next run.
func (a *App) shutdown() {
	if a.srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.srv.Shutdown(sctx)
		cancel()
	}
	a.engine.Stop()
	if err := a.store.Close(); err != nil {
		logger.Error("outbox_close_failed", "error", err.Error())
	}
	logger.Info("app_stopped")
}
