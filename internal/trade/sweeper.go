package trade

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/papertrade/broker-engine/internal/market"
)

// Sweeper runs the scheduled background jobs: expiring DAY orders at
// session close and periodically re-evaluating resting orders against
// the latest quotes.
type Sweeper struct {
	svc     *Service
	cron    *cron.Cron
	closeAt time.Time
	done    chan struct{}
}

// NewSweeper builds a sweeper whose expiration schedule follows the
// calendar's session close.
func NewSweeper(svc *Service, cal *market.SessionCalendar) *Sweeper {
	closeAt := cal.SessionClose("NYSE", time.Now())
	return &Sweeper{
		svc:     svc,
		cron:    cron.New(cron.WithLocation(closeAt.Location())),
		closeAt: closeAt,
		done:    make(chan struct{}),
	}
}

// expireSpec is the cron schedule for the session-close sweep: weekdays
// at the calendar's close time.
func (sw *Sweeper) expireSpec() string {
	return fmt.Sprintf("%d %d * * 1-5", sw.closeAt.Minute(), sw.closeAt.Hour())
}

// Start registers the jobs and launches the scheduler.
func (sw *Sweeper) Start(ctx context.Context) error {
	// Session close on weekdays. DAY orders still resting are expired.
	if _, err := sw.cron.AddFunc(sw.expireSpec(), func() {
		slog.Info("session close sweep starting")
		sw.svc.ExpireDayOrders(ctx)
	}); err != nil {
		return err
	}
	sw.cron.Start()

	// Resting-order evaluation loop. Quote pushes already trigger
	// evaluation for their own symbol; this catches orders whose symbol
	// has not ticked, e.g. stops armed before a restart.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sw.evaluateAll(ctx)
			case <-sw.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	slog.Info("sweeper started")
	return nil
}

// Stop halts the scheduler and the evaluation loop.
func (sw *Sweeper) Stop() {
	close(sw.done)
	stopCtx := sw.cron.Stop()
	<-stopCtx.Done()
}

func (sw *Sweeper) evaluateAll(ctx context.Context) {
	open, err := sw.svc.store.ListAllOpenOrders(ctx)
	if err != nil {
		slog.Error("sweeper: list open orders failed", "err", err)
		return
	}
	seen := make(map[string]bool)
	for _, o := range open {
		if seen[o.Symbol] {
			continue
		}
		seen[o.Symbol] = true
		sw.svc.EvaluateSymbol(ctx, o.Symbol)
	}
}
