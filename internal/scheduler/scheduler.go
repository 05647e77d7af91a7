// Package scheduler owns the tick loop. Tasks run strictly sequentially in a
// fixed order within each tick: clock, reconciliation, then the open- or
// closed-market passes. Daily tasks consult durable task state before running
// so a restart never repeats work that already placed orders.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"helmsman/internal/audit"
	"helmsman/internal/broker"
	"helmsman/internal/clock"
	"helmsman/internal/config"
	"helmsman/internal/exitintent"
	"helmsman/internal/ledger"
	"helmsman/internal/logger"
	"helmsman/internal/policy"
	"helmsman/internal/reconcile"
	"helmsman/internal/risk"
	"helmsman/internal/scaling"
	"helmsman/internal/signal"
)

// Task names used as durable state keys.
const (
	taskReconcile = "reconcile"
	taskMonitor   = "monitor"
	taskOrderPoll = "order_poll"
	taskHealth    = "health"
	taskExitExec  = "exit_execution"
	taskEntry     = "entry_generation"
	taskSwingExit = "swing_exit_decision"
	taskTraining  = "offline_training"
)

// Book is the ledger surface the scheduler mutates. All writes happen on the
// tick goroutine.
type Book interface {
	Get(ctx context.Context, symbol string) (*ledger.Position, error)
	List(ctx context.Context) ([]*ledger.Position, error)
	Save(ctx context.Context, pos *ledger.Position) error
	RemoveClosed(ctx context.Context, evt ledger.CloseEvent) error
}

// PolicyLookup resolves a scaling policy by id. Satisfied by the hot-reloading
// registry.
type PolicyLookup interface {
	Policy(id string) (policy.ScalingPolicy, bool)
}

// pendingOrder tracks an entry order awaiting its fill.
type pendingOrder struct {
	handle     broker.OrderHandle
	sig        signal.Signal
	riskAmount float64
}

// Deps carries every collaborator the scheduler drives.
type Deps struct {
	Clock      *clock.Gateway
	Port       broker.Port
	Prices     broker.PriceSource
	Reconciler *reconcile.Engine
	Decisions  *scaling.Engine
	Gate       *risk.Gate
	Exits      *exitintent.Executor
	Book       Book
	Signals    signal.Source
	Evaluators []signal.ExitEvaluator
	Training   signal.TrainingTrigger
	Policies   PolicyLookup
	Tasks      TaskStore
	Audit      *audit.Log
}

type Scheduler struct {
	cfg           config.ScheduleConfig
	defaultPolicy string
	session       *Session
	deps          Deps

	pending map[string]pendingOrder
	nowFn   func() time.Time

	// lastRecon is written on the tick goroutine and read by the ops API.
	reconMu   sync.RWMutex
	lastRecon reconcile.Result
}

func New(cfg config.ScheduleConfig, session *Session, defaultPolicy string, deps Deps) *Scheduler {
	return &Scheduler{
		cfg:           cfg,
		defaultPolicy: defaultPolicy,
		session:       session,
		deps:          deps,
		pending:       make(map[string]pendingOrder),
		nowFn:         time.Now,
	}
}

// Run drives the tick loop, aligned to the tick interval, until the context
// is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := time.Duration(s.cfg.TickSeconds) * time.Second
	if interval <= 0 {
		return fmt.Errorf("scheduler: invalid tick interval %ds", s.cfg.TickSeconds)
	}
	logger.Infof("scheduler: started, tick=%s", interval)

	for {
		now := s.nowFn().UTC()
		s.Tick(ctx, now)

		wakeAt := now.Truncate(interval).Add(interval)
		wait := wakeAt.Sub(s.nowFn().UTC())
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Infof("scheduler: ctx done, exit")
			return nil
		case <-timer.C:
		}
	}
}

// Tick runs one full pass. Exported so a dry-run harness can step the loop
// manually.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	cctx, cancel := s.callCtx(ctx)
	clk := s.deps.Clock.Clock(cctx)
	cancel()
	sessionDate := s.session.Date(now)
	if err := s.deps.Gate.Rollover(ctx, sessionDate); err != nil {
		logger.Errorf("scheduler: session rollover: %v", err)
	}

	// The book must stay accurate even on a degraded clock, so
	// reconciliation is gated only by its own interval.
	if s.intervalDue(ctx, taskReconcile, s.seconds(s.cfg.ReconcileSeconds), now) {
		s.runTask(ctx, taskReconcile, now, s.reconcilePass)
	}

	if clk.Synthetic {
		// Under a fabricated clock nothing that commits or releases capital
		// runs; only the health heartbeat continues.
		logger.Warnf("scheduler: synthetic clock, %d consecutive failures, trading passes suspended",
			s.deps.Clock.ConsecutiveFailures())
		s.healthPass(ctx, now, clk)
		return
	}

	if clk.IsOpen {
		s.openPasses(ctx, now, sessionDate)
	} else {
		s.closedPasses(ctx, now, sessionDate)
	}

	s.healthPass(ctx, now, clk)
}

func (s *Scheduler) openPasses(ctx context.Context, now time.Time, sessionDate string) {
	sessionOpen := s.session.OpenAt(now)
	elapsed := now.Sub(sessionOpen)

	execStart := time.Duration(s.cfg.ExecWindowStartMin) * time.Minute
	execEnd := time.Duration(s.cfg.ExecWindowEndMin) * time.Minute
	if elapsed >= execStart && elapsed <= execEnd && !s.dailyDone(ctx, taskExitExec, sessionDate) {
		if s.runTask(ctx, taskExitExec, now, func(ctx context.Context, now time.Time) error {
			n, err := s.deps.Exits.ExecutePending(ctx, now, sessionOpen)
			if err != nil {
				return err
			}
			if n > 0 {
				logger.Infof("scheduler: executed %d pending exit intents", n)
			}
			return nil
		}) {
			s.markDaily(ctx, taskExitExec, now, sessionDate)
		}
	}

	if s.intervalDue(ctx, taskMonitor, s.seconds(s.cfg.MonitorSeconds), now) {
		s.runTask(ctx, taskMonitor, now, s.monitorPass)
	}

	if len(s.pending) > 0 && s.intervalDue(ctx, taskOrderPoll, s.seconds(s.cfg.OrderPollSeconds), now) {
		s.runTask(ctx, taskOrderPoll, now, s.orderPollPass)
	}

	sessionClose := s.session.CloseAt(now)
	entryStart := sessionClose.Add(-time.Duration(s.cfg.EntryWindowMin) * time.Minute)
	if !now.Before(entryStart) && now.Before(sessionClose) && !s.dailyDone(ctx, taskEntry, sessionDate) {
		if s.runTask(ctx, taskEntry, now, s.entryPass) {
			s.markDaily(ctx, taskEntry, now, sessionDate)
		}
	}
}

func (s *Scheduler) closedPasses(ctx context.Context, now time.Time, sessionDate string) {
	if s.session.TradingDay(now) {
		swingAt := s.session.CloseAt(now).Add(time.Duration(s.cfg.SwingExitDelayMin) * time.Minute)
		if !now.Before(swingAt) && !s.dailyDone(ctx, taskSwingExit, sessionDate) {
			if s.runTask(ctx, taskSwingExit, now, s.swingExitPass) {
				s.markDaily(ctx, taskSwingExit, now, sessionDate)
			}
		}
	}

	if s.deps.Training != nil && !s.dailyDone(ctx, taskTraining, sessionDate) {
		if s.runTask(ctx, taskTraining, now, func(ctx context.Context, _ time.Time) error {
			return s.deps.Training(ctx)
		}) {
			s.markDaily(ctx, taskTraining, now, sessionDate)
		}
	}
}

// reconcilePass fetches the venue snapshot and aligns the ledger with it.
func (s *Scheduler) reconcilePass(ctx context.Context, now time.Time) error {
	cctx, cancel := s.callCtx(ctx)
	positions, err := s.deps.Port.GetPositions(cctx)
	cancel()
	if err != nil {
		return fmt.Errorf("fetch venue positions: %w", err)
	}
	res, err := s.deps.Reconciler.Reconcile(ctx, positions)
	if err != nil {
		return err
	}
	s.reconMu.Lock()
	s.lastRecon = res
	s.reconMu.Unlock()
	if len(res.Unreconciled) > 0 {
		logger.Warnf("scheduler: %d unreconciled symbols blocking new risk", len(res.Unreconciled))
	}
	return nil
}

// monitorPass checks open positions against live prices and fires immediate
// exits. Planned-urgency verdicts are left for the post-close decision pass.
func (s *Scheduler) monitorPass(ctx context.Context, now time.Time) error {
	positions, err := s.deps.Book.List(ctx)
	if err != nil {
		return err
	}
	for _, pos := range positions {
		price, err := s.lastPrice(ctx, pos.Symbol)
		if err != nil {
			logger.Warnf("scheduler: no price for %s, skip monitoring: %v", pos.Symbol, err)
			continue
		}
		es, err := s.evaluateExit(ctx, pos, price, now)
		if err != nil {
			logger.Errorf("scheduler: exit evaluation for %s: %v", pos.Symbol, err)
			continue
		}
		if es == nil || es.Urgency != signal.UrgencyImmediate {
			continue
		}
		if err := s.deps.Exits.RecordOrExecute(ctx, pos, *es); err != nil {
			logger.Errorf("scheduler: immediate exit for %s: %v", pos.Symbol, err)
		}
	}
	return nil
}

// swingExitPass evaluates every position once per session after close. EOD
// verdicts become durable intents; anything marked immediate fires now.
func (s *Scheduler) swingExitPass(ctx context.Context, now time.Time) error {
	positions, err := s.deps.Book.List(ctx)
	if err != nil {
		return err
	}
	for _, pos := range positions {
		price, err := s.lastPrice(ctx, pos.Symbol)
		if err != nil {
			logger.Warnf("scheduler: no price for %s, skip exit decision: %v", pos.Symbol, err)
			continue
		}
		es, err := s.evaluateExit(ctx, pos, price, now)
		if err != nil {
			logger.Errorf("scheduler: exit evaluation for %s: %v", pos.Symbol, err)
			continue
		}
		if es == nil {
			continue
		}
		if err := s.deps.Exits.RecordOrExecute(ctx, pos, *es); err != nil {
			logger.Errorf("scheduler: record exit for %s: %v", pos.Symbol, err)
		}
	}
	return nil
}

func (s *Scheduler) evaluateExit(ctx context.Context, pos *ledger.Position, price float64, now time.Time) (*signal.ExitSignal, error) {
	for _, ev := range s.deps.Evaluators {
		es, err := ev.Evaluate(ctx, pos, price, now)
		if err != nil {
			return nil, err
		}
		if es != nil {
			return es, nil
		}
	}
	return nil, nil
}

// entryPass pulls signals, runs each through the decision engine and the risk
// gate, and submits approved orders.
func (s *Scheduler) entryPass(ctx context.Context, now time.Time) error {
	cctx, cancel := s.callCtx(ctx)
	sigs, err := s.deps.Signals.Pull(cctx)
	cancel()
	if err != nil {
		return fmt.Errorf("pull signals: %w", err)
	}
	if len(sigs) == 0 {
		return nil
	}

	openHeat, existing, err := s.bookRisk(ctx)
	if err != nil {
		return err
	}

	for _, sig := range sigs {
		pol, ok := s.lookupPolicy(sig.PolicyID)
		if !ok {
			logger.Warnf("scheduler: no scaling policy for signal %s (%s), skipped", sig.ID, sig.Symbol)
			continue
		}
		pos, err := s.deps.Book.Get(ctx, sig.Symbol)
		if err != nil && !errors.Is(err, ledger.ErrNotFound) {
			logger.Errorf("scheduler: ledger lookup %s: %v", sig.Symbol, err)
			continue
		}

		recon := s.reconSnapshot()
		snap := scaling.BookSnapshot{
			Unreconciled:  recon.Unreconciled,
			BrokerQty:     recon.BrokerQty,
			PendingOrders: s.pendingSymbols(),
			Equity:        s.deps.Gate.State().Equity,
		}
		dec := s.deps.Decisions.Decide(ctx, sig, pos, pol, snap)
		if !dec.Actionable() {
			continue
		}

		perUnit := math.Abs(sig.PriceHint - sig.StopHint)
		verdict := s.deps.Gate.Evaluate(ctx, risk.ProposedTrade{
			Symbol:       sig.Symbol,
			EntryPrice:   sig.PriceHint,
			PerUnitRisk:  perUnit,
			Confidence:   sig.Confidence,
			ExistingRisk: existing[sig.Symbol],
		}, openHeat)
		if !verdict.Approved {
			continue
		}

		if err := s.submitEntry(ctx, sig, verdict, now); err != nil {
			logger.Errorf("scheduler: entry order for %s: %v", sig.Symbol, err)
			continue
		}
		openHeat += verdict.RiskAmount
		existing[sig.Symbol] += verdict.RiskAmount
	}
	return nil
}

// submitEntry places the approved order and either applies the fill right
// away or parks the order for the polling task.
func (s *Scheduler) submitEntry(ctx context.Context, sig signal.Signal, verdict risk.Verdict, now time.Time) error {
	req := broker.OrderRequest{
		Symbol:     sig.Symbol,
		Side:       sig.Side,
		Action:     "open",
		Quantity:   verdict.Size,
		Type:       broker.OrderTypeLimit,
		LimitPrice: sig.PriceHint,
		Tag:        "entry:" + sig.ID,
	}
	cctx, cancel := s.callCtx(ctx)
	handle, err := s.deps.Port.SubmitOrder(cctx, req)
	cancel()
	if err != nil {
		return err
	}
	s.auditEvent(ctx, audit.KindOrder, sig.Symbol, "entry order", map[string]any{
		"quantity": verdict.Size, "limit_price": sig.PriceHint, "risk_amount": verdict.RiskAmount,
	})
	if err := s.deps.Gate.OnTradeOpened(ctx); err != nil {
		logger.Errorf("scheduler: trade-opened update: %v", err)
	}

	status, err := s.pollOrder(ctx, handle)
	if err == nil && status.State == broker.OrderStateFilled {
		return s.applyEntryFill(ctx, sig, status, verdict.RiskAmount, now)
	}
	s.pending[sig.Symbol] = pendingOrder{handle: handle, sig: sig, riskAmount: verdict.RiskAmount}
	return nil
}

// orderPollPass advances every pending order. Fills flow into the ledger;
// terminal non-fills are dropped.
func (s *Scheduler) orderPollPass(ctx context.Context, now time.Time) error {
	for symbol, po := range s.pending {
		status, err := s.pollOrder(ctx, po.handle)
		if err != nil {
			logger.Warnf("scheduler: poll order %s for %s: %v", po.handle.ID, symbol, err)
			continue
		}
		switch {
		case status.State == broker.OrderStateFilled:
			if err := s.applyEntryFill(ctx, po.sig, status, po.riskAmount, now); err != nil {
				logger.Errorf("scheduler: apply fill for %s: %v", symbol, err)
				continue
			}
			delete(s.pending, symbol)
		case status.State.Terminal():
			logger.Warnf("scheduler: entry order %s for %s ended %s without filling", po.handle.ID, symbol, status.State)
			if err := s.deps.Gate.OnTradeAbandoned(ctx); err != nil {
				logger.Errorf("scheduler: trade-abandoned update: %v", err)
			}
			delete(s.pending, symbol)
		}
	}
	return nil
}

func (s *Scheduler) applyEntryFill(ctx context.Context, sig signal.Signal, status broker.OrderStatus, riskAmount float64, now time.Time) error {
	fill := ledger.EntryFill{
		Timestamp:  now,
		Price:      status.AvgFillPrice,
		Quantity:   status.FilledQty,
		Confidence: sig.Confidence,
		RiskAmount: riskAmount,
	}
	pos, err := s.deps.Book.Get(ctx, sig.Symbol)
	if errors.Is(err, ledger.ErrNotFound) {
		pos = ledger.NewPosition(sig.Symbol, sig.Side, fill)
	} else if err != nil {
		return err
	} else {
		if err := pos.AddFill(fill); err != nil {
			return err
		}
	}
	if err := s.deps.Book.Save(ctx, pos); err != nil {
		return err
	}
	logger.Infof("scheduler: %s entry filled qty=%v at %v (entry %d)", sig.Symbol, fill.Quantity, fill.Price, pos.EntryCount)
	return nil
}

// healthPass is the per-tick heartbeat, on its own interval.
func (s *Scheduler) healthPass(ctx context.Context, now time.Time, clk broker.Clock) {
	if !s.intervalDue(ctx, taskHealth, s.seconds(s.cfg.HealthSeconds), now) {
		return
	}
	s.runTask(ctx, taskHealth, now, func(ctx context.Context, _ time.Time) error {
		positions, err := s.deps.Book.List(ctx)
		if err != nil {
			return err
		}
		st := s.deps.Gate.State()
		logger.Infof("health: open=%v stale=%v synthetic=%v positions=%d pending_orders=%d unreconciled=%d equity=%.2f daily_pnl=%.2f",
			clk.IsOpen, clk.Stale, clk.Synthetic, len(positions), len(s.pending), len(s.reconSnapshot().Unreconciled), st.Equity, st.DailyPnL)
		return nil
	})
}

// runTask guards one task: a panic or error is logged and audited, and never
// aborts the tick. Interval state is advanced only on success.
func (s *Scheduler) runTask(ctx context.Context, name string, now time.Time, fn func(context.Context, time.Time) error) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			logger.Errorf("scheduler: task %s panicked: %v", name, r)
			s.auditEvent(ctx, audit.KindTaskError, "", name, map[string]any{"panic": fmt.Sprint(r)})
		}
	}()
	if err := fn(ctx, now); err != nil {
		logger.Errorf("scheduler: task %s: %v", name, err)
		s.auditEvent(ctx, audit.KindTaskError, "", name, map[string]any{"error": err.Error()})
		return false
	}
	if err := s.deps.Tasks.Put(ctx, TaskState{Name: name, LastRunAt: now}); err != nil {
		logger.Errorf("scheduler: persist task state %s: %v", name, err)
	}
	return true
}

// intervalDue consults durable task state so intervals survive a restart.
func (s *Scheduler) intervalDue(ctx context.Context, name string, every time.Duration, now time.Time) bool {
	if every <= 0 {
		return true
	}
	st, found, err := s.deps.Tasks.Get(ctx, name)
	if err != nil {
		logger.Errorf("scheduler: read task state %s: %v", name, err)
		return false
	}
	return !found || now.Sub(st.LastRunAt) >= every
}

func (s *Scheduler) dailyDone(ctx context.Context, name, sessionDate string) bool {
	st, found, err := s.deps.Tasks.Get(ctx, name)
	if err != nil {
		logger.Errorf("scheduler: read task state %s: %v", name, err)
		// Fail toward "already ran": re-running a daily task can place
		// duplicate orders, not running it cannot.
		return true
	}
	return found && st.LastDate == sessionDate
}

func (s *Scheduler) markDaily(ctx context.Context, name string, now time.Time, sessionDate string) {
	if err := s.deps.Tasks.Put(ctx, TaskState{Name: name, LastRunAt: now, LastDate: sessionDate}); err != nil {
		logger.Errorf("scheduler: persist task state %s: %v", name, err)
	}
}

// bookRisk sums at-risk capital across open positions, per symbol and total.
func (s *Scheduler) bookRisk(ctx context.Context) (openHeat float64, perSymbol map[string]float64, err error) {
	positions, err := s.deps.Book.List(ctx)
	if err != nil {
		return 0, nil, err
	}
	perSymbol = make(map[string]float64, len(positions))
	for _, pos := range positions {
		r := pos.TotalRisk()
		perSymbol[pos.Symbol] = r
		openHeat += r
	}
	return openHeat, perSymbol, nil
}

func (s *Scheduler) lookupPolicy(id string) (policy.ScalingPolicy, bool) {
	if id == "" {
		id = s.defaultPolicy
	}
	return s.deps.Policies.Policy(id)
}

func (s *Scheduler) reconSnapshot() reconcile.Result {
	s.reconMu.RLock()
	defer s.reconMu.RUnlock()
	return s.lastRecon
}

// UnreconciledSymbols lists the symbols quarantined by the latest
// reconciliation pass. Safe to call from other goroutines.
func (s *Scheduler) UnreconciledSymbols() []string {
	recon := s.reconSnapshot()
	out := make([]string, 0, len(recon.Unreconciled))
	for symbol := range recon.Unreconciled {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

func (s *Scheduler) pendingSymbols() map[string]bool {
	out := make(map[string]bool, len(s.pending))
	for symbol := range s.pending {
		out[symbol] = true
	}
	return out
}

func (s *Scheduler) lastPrice(ctx context.Context, symbol string) (float64, error) {
	cctx, cancel := s.callCtx(ctx)
	defer cancel()
	return s.deps.Prices.LastPrice(cctx, symbol)
}

func (s *Scheduler) pollOrder(ctx context.Context, handle broker.OrderHandle) (broker.OrderStatus, error) {
	cctx, cancel := s.callCtx(ctx)
	defer cancel()
	return s.deps.Port.PollOrder(cctx, handle)
}

// callCtx bounds one external call. Distinct from the clock gateway's retry
// policy: this guards the scheduler against a hung venue call.
func (s *Scheduler) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := time.Duration(s.cfg.CallTimeoutSeconds) * time.Second
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

func (s *Scheduler) seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func (s *Scheduler) auditEvent(ctx context.Context, kind, symbol, reason string, numbers map[string]any) {
	if s.deps.Audit == nil {
		return
	}
	if err := s.deps.Audit.Append(ctx, audit.Event{
		Kind: kind, Symbol: symbol, Reason: reason, Numbers: numbers, TS: s.nowFn().UnixMilli(),
	}); err != nil {
		logger.Warnf("scheduler: audit append failed: %v", err)
	}
}
