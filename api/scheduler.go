/*
scheduler.go - Automated balance audit scheduler

PURPOSE:
  Periodically replays every account's transfers and compares the result
  with the stored balance. A mismatch means the ledger was written outside
  the engine or a store lost part of a transaction; it is logged at error
  level and exported as a gauge so it can alert.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Audits immediately on start, then on every tick
  - Never writes to the ledger; correction is a human decision

CONFIGURATION:
  - CheckInterval: How often to sweep (AUDIT_INTERVAL)
  - Enabled: Whether scheduler is active (false when AUDIT_INTERVAL is 0)

USAGE:
  scheduler := NewAuditScheduler(engine, logger, metrics, interval)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: AuditAccount endpoint (on-demand audit)
  - ledger/audit.go: AuditBalance / AuditAll
*/
package api

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/warp/stored-value/ledger"
	"go.uber.org/zap"
)

// AuditReport summarizes one sweep.
type AuditReport struct {
	Checked      int
	Inconsistent []ledger.BalanceAudit
	Err          error
}

// AuditScheduler runs ledger balance audits on a ticker.
type AuditScheduler struct {
	Engine        *ledger.Engine
	Logger        *zap.Logger
	Metrics       *Metrics
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	// lastTick is the unix-nano time of the most recent tick (or of Start).
	// It is written by the run goroutine, which never takes mu.
	lastTick atomic.Int64
}

// NewAuditScheduler creates a new scheduler. An interval of zero disables it.
func NewAuditScheduler(engine *ledger.Engine, logger *zap.Logger, metrics *Metrics, interval time.Duration) *AuditScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditScheduler{
		Engine:        engine,
		Logger:        logger.Named("audit"),
		Metrics:       metrics,
		CheckInterval: interval,
		Enabled:       interval > 0,
	}
}

// Start begins the scheduler.
func (as *AuditScheduler) Start() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if !as.Enabled {
		as.Logger.Info("scheduler disabled, not starting")
		return
	}
	if as.ticker != nil {
		return
	}

	as.lastTick.Store(time.Now().UnixNano())
	as.ticker = time.NewTicker(as.CheckInterval)
	as.stop = make(chan struct{})
	as.wg.Add(1)

	go as.run(as.ticker, as.stop)

	as.Logger.Info("scheduler started", zap.Duration("interval", as.CheckInterval))
}

// Stop stops the scheduler and waits for an in-flight sweep to finish.
func (as *AuditScheduler) Stop() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.ticker != nil {
		as.ticker.Stop()
		close(as.stop)
		as.wg.Wait()
		as.ticker = nil
		as.Logger.Info("scheduler stopped")
	}
}

func (as *AuditScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer as.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	// Run immediately on start
	as.sweep(ctx)

	for {
		select {
		case tick := <-ticker.C:
			as.lastTick.Store(tick.UnixNano())
			as.sweep(ctx)
		case <-stop:
			return
		}
	}
}

// RunNow triggers an immediate sweep (for testing/admin).
func (as *AuditScheduler) RunNow(ctx context.Context) AuditReport {
	return as.sweep(ctx)
}

// NextRunTime returns when the next scheduled sweep is due. ok is false
// while the scheduler is not running.
func (as *AuditScheduler) NextRunTime() (next time.Time, ok bool) {
	as.mu.Lock()
	running := as.ticker != nil
	as.mu.Unlock()
	if !running {
		return time.Time{}, false
	}
	return time.Unix(0, as.lastTick.Load()).Add(as.CheckInterval), true
}

func (as *AuditScheduler) sweep(ctx context.Context) AuditReport {
	start := time.Now()
	audits, err := as.Engine.AuditAll(ctx)

	report := AuditReport{Checked: len(audits), Err: err}
	for _, a := range audits {
		if a.Consistent() {
			continue
		}
		report.Inconsistent = append(report.Inconsistent, a)
		as.Logger.Error("balance does not match transfers",
			zap.String("code", string(a.Code)),
			zap.String("recorded", a.Recorded.String()),
			zap.String("computed", a.Computed.String()),
			zap.String("discrepancy", a.Discrepancy().String()),
			zap.Int("transfers", a.Transfers),
		)
	}

	if err != nil {
		as.Logger.Warn("audit sweep incomplete", zap.Int("checked", report.Checked), zap.Error(err))
		return report
	}
	if as.Metrics != nil {
		as.Metrics.observeAudit(len(report.Inconsistent))
	}
	as.Logger.Info("audit sweep completed",
		zap.Int("checked", report.Checked),
		zap.Int("inconsistent", len(report.Inconsistent)),
		zap.Duration("duration", time.Since(start)),
	)
	return report
}
