// Package sweeper runs periodic maintenance: pruning terminally failed
// outbox entries past their retention window and evicting cached threads
// of archived conversations.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"convosync/pkg/config"
	"convosync/pkg/engine"
	"convosync/pkg/logger"
	"convosync/pkg/models"
	"convosync/pkg/telemetry"
)

// Start launches the sweeper scheduler if enabled. Returns a cancel func.
func Start(ctx context.Context, cfg config.SweeperConfig, eng *engine.Engine) (context.CancelFunc, error) {
	if !cfg.Enabled {
		logger.Info("sweeper_disabled")
		return func() {}, nil
	}

	cronExpr := cfg.Cron
	if cronExpr == "" {
		cronExpr = "0 * * * *"
	}
	if !gronx.IsValid(cronExpr) {
		logger.Error("sweeper_invalid_cron", "cron", cfg.Cron)
		return nil, fmt.Errorf("invalid sweeper cron expression: %s", cfg.Cron)
	}

	logger.Info("sweeper_enabled", "cron", cronExpr, "retention", cfg.FailedRetention.Duration().String())
	ctx2, cancel := context.WithCancel(ctx)
	go runScheduler(ctx2, cfg, eng, cronExpr)
	return cancel, nil
}

// runScheduler uses gronx to compute the next tick for the configured cron
// expression and sleeps until that time.
func runScheduler(ctx context.Context, cfg config.SweeperConfig, eng *engine.Engine, cronExpr string) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("sweeper_scheduler_stopping")
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("sweeper_nexttick_failed", "cron", cronExpr, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		wait := time.Until(next)
		if wait < time.Second {
			wait = time.Second
		}
		select {
		case <-time.After(wait):
			if err := RunOnce(cfg, eng); err != nil {
				logger.Error("sweeper_run_error", "error", err)
			}
		case <-ctx.Done():
			logger.Info("sweeper_scheduler_stopping")
			return
		}
	}
}

// RunOnce performs a single sweep. Exported so the ops surface can trigger
// it on demand.
func RunOnce(cfg config.SweeperConfig, eng *engine.Engine) error {
	cutoff := time.Now().Add(-cfg.FailedRetention.Duration())
	pruned, err := eng.Outbox().PruneFailed(cutoff, cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("prune failed outbox entries: %w", err)
	}
	if pruned > 0 {
		telemetry.SweeperPruned.WithLabelValues("outbox_failed").Add(float64(pruned))
	}

	evicted := 0
	cache := eng.ThreadCache()
	for _, s := range cache.Summaries("") {
		if s.Status != models.ConversationArchived {
			continue
		}
		cache.DropThread(s.ID)
		evicted++
	}
	if evicted > 0 {
		telemetry.SweeperPruned.WithLabelValues("archived_threads").Add(float64(evicted))
	}

	logger.Info("sweeper_run_complete", "outbox_pruned", pruned, "threads_evicted", evicted)
	return nil
}
