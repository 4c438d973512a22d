/*
scheduler.go - Automated monthly billing scheduler

PURPOSE:
  Periodically bills the current fiscal month on every track with a fixed
  charge (HOA dues). Water bills depend on meter readings and are billed
  through POST /api/billing-runs with explicit charges instead.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Resolves "now" to a fiscal period through the client's calendar
  - Remembers the last period billed per track to skip repeat runs; the
    billing run itself is also idempotent per unit and period
  - Per-unit failures are logged and retried on the next tick

USAGE:
  scheduler := NewBillingScheduler(service, clock, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunBilling endpoint (manual runs)
  - billing/billing_run.go: RunBilling
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/warp/unit-ledger/billing"
	"github.com/warp/unit-ledger/generic"
	"go.uber.org/zap"
)

// SchedulerActor is the actor id recorded on scheduled runs.
const SchedulerActor = "scheduler"

// BillingScheduler handles automated monthly billing.
type BillingScheduler struct {
	Service       *billing.Service
	Clock         generic.Clock
	Log           *zap.Logger
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex

	runMu  sync.Mutex
	billed map[generic.Track]generic.PeriodKey
}

// NewBillingScheduler creates a new scheduler.
func NewBillingScheduler(svc *billing.Service, clock generic.Clock, log *zap.Logger) *BillingScheduler {
	if clock == nil {
		clock = generic.SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &BillingScheduler{
		Service:       svc,
		Clock:         clock,
		Log:           log.Named("scheduler"),
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		billed:        make(map[generic.Track]generic.PeriodKey),
	}
}

// Start begins the scheduler.
func (bs *BillingScheduler) Start() {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if !bs.Enabled {
		bs.Log.Info("disabled, not starting")
		return
	}
	if bs.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	bs.cancel = cancel
	bs.ticker = time.NewTicker(bs.CheckInterval)
	bs.wg.Add(1)

	go bs.run(ctx)

	bs.Log.Info("started", zap.Duration("interval", bs.CheckInterval))
}

// Stop stops the scheduler and waits for an in-flight run.
func (bs *BillingScheduler) Stop() {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if bs.ticker != nil {
		bs.ticker.Stop()
		bs.cancel()
		bs.wg.Wait()
		bs.ticker = nil
		bs.Log.Info("stopped")
	}
}

func (bs *BillingScheduler) run(ctx context.Context) {
	defer bs.wg.Done()

	// Run immediately on start
	bs.checkAndProcess(ctx)

	for {
		select {
		case <-bs.ticker.C:
			bs.checkAndProcess(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (bs *BillingScheduler) checkAndProcess(ctx context.Context) []billing.BillingRunResult {
	bs.runMu.Lock()
	defer bs.runMu.Unlock()

	cfg := bs.Service.Config()
	calendar := cfg.Calendar()
	now := bs.Clock.Now()

	var results []billing.BillingRunResult
	for _, track := range cfg.ScheduledTracks() {
		key, err := calendar.PeriodKeyFor(now, track)
		if err != nil {
			bs.Log.Error("cannot resolve fiscal period", zap.String("track", string(track)), zap.Error(err))
			continue
		}
		if last, ok := bs.billed[track]; ok && last.SamePeriod(key) {
			continue
		}

		result, err := bs.Service.RunBilling(ctx, billing.BillingRunInput{
			Track:       track,
			FiscalYear:  key.FiscalYear,
			FiscalMonth: key.FiscalMonth,
			ActorID:     SchedulerActor,
		})
		if err != nil {
			bs.Log.Error("billing run aborted", zap.Stringer("period", key), zap.Error(err))
			continue
		}
		results = append(results, result)

		failed := len(result.Failed())
		if failed > 0 {
			bs.Log.Warn("billing run incomplete, retrying next tick",
				zap.Stringer("period", key),
				zap.Int("failed", failed),
			)
			continue
		}
		bs.billed[track] = key
		bs.Log.Info("billing run completed",
			zap.Stringer("period", key),
			zap.Int("units", len(result.Outcomes)),
		)
	}
	return results
}

// RunNow triggers an immediate check (for testing/admin).
func (bs *BillingScheduler) RunNow(ctx context.Context) []billing.BillingRunResult {
	return bs.checkAndProcess(ctx)
}

// GetNextRunTime returns when the next scheduled check will occur.
func (bs *BillingScheduler) GetNextRunTime() time.Time {
	return bs.Clock.Now().Add(bs.CheckInterval)
}
