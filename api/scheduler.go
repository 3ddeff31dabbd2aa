/*
scheduler.go - Automated audit scheduler

PURPOSE:
  Periodically recomputes the aggregates from the transaction documents
  (ledger.Engine.Audit) and reports every product or vendor whose stored
  stock or balance disagrees. Nothing is repaired automatically; a
  discrepancy is logged at Error for an operator to look at.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start
  - Keeps the last run for GET /api/audit/last

CONFIGURATION:
  - CheckInterval: How often to check (AUDIT_INTERVAL, default: 1 hour)
  - Enabled: Whether scheduler is active (false when the interval is 0)

USAGE:
  scheduler := NewAuditScheduler(engine, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: Audit endpoint (manual check)
  - ledger/audit.go: The invariant check itself
*/
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/stock-ledger/ledger"
)

// schedulerCaller is the identity the scheduler's audits run under.
var schedulerCaller = ledger.Caller{ID: "system:audit-scheduler"}

// AuditRun is the outcome of one scheduled audit.
type AuditRun struct {
	StartedAt     time.Time            `json:"startedAt"`
	Duration      time.Duration        `json:"duration"`
	Discrepancies []ledger.Discrepancy `json:"discrepancies"`
	Error         string               `json:"error,omitempty"`
}

// AuditScheduler handles automated invariant checks.
type AuditScheduler struct {
	Engine        *ledger.Engine
	CheckInterval time.Duration
	Enabled       bool
	Timeout       time.Duration

	log    zerolog.Logger
	now    func() time.Time
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	lastMu sync.RWMutex
	last   *AuditRun
}

// NewAuditScheduler creates a new scheduler.
func NewAuditScheduler(engine *ledger.Engine, log zerolog.Logger) *AuditScheduler {
	return &AuditScheduler{
		Engine:        engine,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		Timeout:       5 * time.Minute,
		log:           log,
		now:           time.Now,
	}
}

// Start begins the scheduler.
func (as *AuditScheduler) Start() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if !as.Enabled || as.CheckInterval <= 0 {
		as.log.Info().Msg("audit scheduler disabled")
		return
	}
	if as.ticker != nil {
		return
	}

	as.ticker = time.NewTicker(as.CheckInterval)
	as.stop = make(chan struct{})
	as.wg.Add(1)

	go as.run(as.ticker, as.stop)

	as.log.Info().Dur("interval", as.CheckInterval).Msg("audit scheduler started")
}

// Stop stops the scheduler and waits for a running audit to finish.
func (as *AuditScheduler) Stop() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.ticker != nil {
		as.ticker.Stop()
		close(as.stop)
		as.wg.Wait()
		as.ticker = nil
		as.log.Info().Msg("audit scheduler stopped")
	}
}

func (as *AuditScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer as.wg.Done()

	// Run immediately on start
	as.RunOnce(context.Background())

	for {
		select {
		case <-ticker.C:
			as.RunOnce(context.Background())
		case <-stop:
			return
		}
	}
}

// RunOnce audits the ledger now and records the result.
func (as *AuditScheduler) RunOnce(ctx context.Context) AuditRun {
	ctx = ledger.WithCaller(ctx, schedulerCaller)
	if as.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, as.Timeout)
		defer cancel()
	}

	run := AuditRun{StartedAt: as.now()}
	d, err := as.Engine.Audit(ctx)
	run.Duration = as.now().Sub(run.StartedAt)
	run.Discrepancies = d

	switch {
	case err != nil:
		run.Error = err.Error()
		as.log.Warn().Err(err).Msg("scheduled audit failed")
	case len(d) > 0:
		for _, x := range d {
			as.log.Error().Str("kind", x.Kind).Str("id", x.ID).
				Str("stored", x.Stored).Str("computed", x.Computed).
				Msg("ledger discrepancy")
		}
	default:
		as.log.Debug().Dur("duration", run.Duration).Msg("scheduled audit clean")
	}

	as.lastMu.Lock()
	as.last = &run
	as.lastMu.Unlock()
	return run
}

// LastRun returns the most recent audit, or false before the first one.
func (as *AuditScheduler) LastRun() (AuditRun, bool) {
	as.lastMu.RLock()
	defer as.lastMu.RUnlock()
	if as.last == nil {
		return AuditRun{}, false
	}
	return *as.last, true
}

// LastAudit serves the scheduler's most recent run.
func (as *AuditScheduler) LastAudit(w http.ResponseWriter, r *http.Request) {
	if _, ok := ledger.CallerFrom(r.Context()); !ok {
		writeError(w, ledger.ErrUnauthorized)
		return
	}
	run, ok := as.LastRun()
	if !ok {
		writeJSON(w, http.StatusOK, Envelope{Success: true})
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Success: true, Data: run})
}
