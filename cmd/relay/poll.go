package main

import (
	"context"
	"strings"
	"sync"
	"time"

	cmdpkg "github.com/stupiduntilnot/chatrelay/internal/commander"
	"github.com/stupiduntilnot/chatrelay/internal/control"
	"github.com/stupiduntilnot/chatrelay/internal/db"
)

// startOffset resumes from the stored offset. On first run with
// TG_DROP_PENDING it skips updates older than the pending window.
func (a *app) startOffset(ctx context.Context) int64 {
	offset, err := db.LoadOffset(a.db)
	if err != nil {
		a.logger.Warn("failed to load offset", "err", err)
	}
	if offset == 0 && a.cfg.DropPending {
		bootstrapped, err := bootstrapOffset(ctx, a.commander, a.cfg.PendingWindowSeconds, time.Now())
		if err != nil {
			a.logger.Warn("bootstrap offset failed", "err", err)
		} else {
			offset = bootstrapped
		}
	}
	return offset
}

// bootstrapOffset returns the id of the oldest pending update inside the
// window, or one past the newest update when all are stale.
func bootstrapOffset(ctx context.Context, commander cmdpkg.Commander, windowSeconds int64, now time.Time) (int64, error) {
	updates, err := commander.GetUpdates(ctx, 0, 0)
	if err != nil {
		return 0, err
	}
	if len(updates) == 0 {
		return 0, nil
	}
	cutoff := now.Unix() - windowSeconds
	for _, u := range updates {
		if u.Message != nil && u.Message.Date >= cutoff {
			return u.UpdateID, nil
		}
	}
	return updates[len(updates)-1].UpdateID + 1, nil
}

// pollLoop reads updates until ctx is cancelled and hands each one to the
// worker pool. It returns after every in-flight relay has finished.
func (a *app) pollLoop(ctx context.Context, offset int64) {
	workers := a.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	var inflight sync.WaitGroup
	defer inflight.Wait()

	// In-flight relays finish even after shutdown starts.
	relayCtx := context.WithoutCancel(ctx)
	idle := time.Duration(a.cfg.SleepSeconds) * time.Second

	for ctx.Err() == nil {
		prev := a.circuit.State()
		if !a.circuit.Allow(time.Now()) {
			sleepCtx(ctx, idle)
			continue
		}
		if prev == control.CircuitOpen && a.circuit.State() == control.CircuitHalfOpen {
			a.logEvent(db.EventCircuitHalfOpen, map[string]any{"error_class": a.circuit.OpenedClass()})
		}

		updates, err := a.commander.GetUpdates(ctx, offset, a.cfg.Timeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			class := classifyError(err)
			a.logger.Warn("getUpdates failed", "err", err, "error_class", class)
			if a.circuit.RecordFailure(class, time.Now()) {
				a.logger.Error("circuit opened", "error_class", class)
				a.logEvent(db.EventCircuitOpened, map[string]any{
					"error_class":      class,
					"threshold":        a.circuit.Threshold,
					"cooldown_seconds": int(a.circuit.Cooldown.Seconds()),
				})
			}
			sleepCtx(ctx, idle)
			continue
		}
		if a.circuit.State() != control.CircuitClosed {
			a.circuit.RecordSuccess()
			a.logger.Info("circuit closed")
			a.logEvent(db.EventCircuitClosed, nil)
		}

		if len(updates) == 0 {
			if a.cfg.Timeout == 0 {
				sleepCtx(ctx, idle)
			}
			continue
		}

		for _, u := range updates {
			offset = u.UpdateID + 1
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			inflight.Add(1)
			go func(u cmdpkg.Update) {
				defer inflight.Done()
				defer func() { <-sem }()
				if err := a.handler.Handle(relayCtx, u); err != nil {
					a.logger.Error("relay failed", "update_id", u.UpdateID, "err", err)
				}
			}(u)
		}
		if err := db.SaveOffset(a.db, offset); err != nil {
			a.logger.Warn("failed to save offset", "offset", offset, "err", err)
		}
	}
}

// classifyError maps a poll error to a circuit-breaker class.
func classifyError(err error) string {
	if err == nil {
		return "unknown"
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "deadline exceeded"), strings.Contains(msg, "timeout"):
		return "timeout"
	case strings.Contains(msg, "telegram"), strings.Contains(msg, "commander"):
		return "command_source_api"
	case strings.Contains(msg, "sqlite"), strings.Contains(msg, "database"):
		return "db"
	default:
		return "unknown"
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
