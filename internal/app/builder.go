package app

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"helmsman/internal/audit"
	"helmsman/internal/broker"
	"helmsman/internal/clock"
	"helmsman/internal/config"
	"helmsman/internal/exitintent"
	binancegw "helmsman/internal/gateway/binance"
	"helmsman/internal/ledger"
	"helmsman/internal/market"
	"helmsman/internal/policy"
	"helmsman/internal/reconcile"
	"helmsman/internal/risk"
	"helmsman/internal/scaling"
	"helmsman/internal/scheduler"
	"helmsman/internal/signal"
	opshttp "helmsman/internal/transport/http/ops"
)

// venue bundles the three broker-facing surfaces a mode must provide.
type venue struct {
	port   broker.Port
	prices broker.PriceSource
	bars   market.CandleSource
}

func build(cfg *config.Config) (*App, error) {
	ctx := context.Background()

	book, err := ledger.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store failed: %w", err)
	}
	journal, err := audit.Open(cfg.Store.AuditPath)
	if err != nil {
		book.Close()
		return nil, fmt.Errorf("opening audit log failed: %w", err)
	}

	session, err := scheduler.NewSession(cfg.Broker.Session)
	if err != nil {
		return nil, fmt.Errorf("building session calendar failed: %w", err)
	}
	v, err := buildVenue(cfg.Broker, session)
	if err != nil {
		return nil, err
	}
	clockGW := clock.NewGateway(v.port, clock.DefaultRetryPolicy())

	stateStore, err := risk.NewStateStore(book.DB())
	if err != nil {
		return nil, fmt.Errorf("preparing portfolio state store failed: %w", err)
	}
	gate, err := risk.NewGate(ctx, cfg.Risk, stateStore, journal)
	if err != nil {
		return nil, fmt.Errorf("building risk gate failed: %w", err)
	}

	intents, err := exitintent.NewStore(book.DB())
	if err != nil {
		return nil, fmt.Errorf("preparing exit intent store failed: %w", err)
	}
	tasks, err := scheduler.NewGormTaskStore(book.DB())
	if err != nil {
		return nil, fmt.Errorf("preparing task state store failed: %w", err)
	}

	policies, err := policy.NewRegistry(cfg.Policy.Path)
	if err != nil {
		return nil, fmt.Errorf("loading scaling policies failed: %w", err)
	}
	if _, ok := policies.Policy(cfg.Policy.Default); !ok {
		return nil, fmt.Errorf("default policy %q not found in %s", cfg.Policy.Default, cfg.Policy.Path)
	}
	signals, err := signal.NewFileSource(cfg.Signals.Dir)
	if err != nil {
		return nil, fmt.Errorf("building signal source failed: %w", err)
	}

	exits := exitintent.NewExecutor(intents, v.port, v.prices, book, gate, journal, exitintent.Window{
		StartMin: cfg.Schedule.ExecWindowStartMin,
		EndMin:   cfg.Schedule.ExecWindowEndMin,
	})

	sched := scheduler.New(cfg.Schedule, session, cfg.Policy.Default, scheduler.Deps{
		Clock:      clockGW,
		Port:       v.port,
		Prices:     v.prices,
		Reconciler: reconcile.NewEngine(book, journal),
		Decisions:  scaling.NewEngine(v.bars, journal),
		Gate:       gate,
		Exits:      exits,
		Book:       book,
		Signals:    signals,
		Evaluators: []signal.ExitEvaluator{
			signal.NewThresholdEvaluator(cfg.Exits.CatastrophicLossPct, cfg.Exits.StopLossPct, cfg.Exits.MaxHoldDays),
		},
		Training: trainingTrigger(cfg.Training),
		Policies: policies,
		Tasks:    tasks,
		Audit:    journal,
	})

	ops, err := opshttp.NewServer(opshttp.ServerConfig{
		Addr: cfg.App.HTTPAddr,
		Status: &statusProvider{
			env:   cfg.App.Env,
			mode:  cfg.Broker.Mode,
			clock: clockGW,
			gate:  gate,
			sched: sched,
		},
		Book:   book,
		Intent: intents,
		Audit:  journal,
	})
	if err != nil {
		return nil, fmt.Errorf("building ops server failed: %w", err)
	}

	return &App{
		cfg:     cfg,
		sched:   sched,
		ops:     ops,
		book:    book,
		journal: journal,
		Summary: newStartupSummary(cfg, ops.Addr(), policies),
	}, nil
}

func buildVenue(cfg config.BrokerConfig, session *scheduler.Session) (venue, error) {
	switch cfg.Mode {
	case "binance":
		adapter, err := binancegw.New(cfg, session)
		if err != nil {
			return venue{}, fmt.Errorf("building binance adapter failed: %w", err)
		}
		return venue{port: adapter, prices: adapter, bars: adapter}, nil
	case "paper":
		p := &paperVenue{Paper: broker.NewPaper(), session: session, nowFn: time.Now}
		return venue{port: p, prices: p.Paper, bars: noBars{}}, nil
	default:
		return venue{}, fmt.Errorf("unknown broker mode %q", cfg.Mode)
	}
}

// paperVenue derives the session clock locally instead of relying on the
// simulated venue, so a paper run follows real wall-clock sessions.
type paperVenue struct {
	*broker.Paper
	session *scheduler.Session
	nowFn   func() time.Time
}

func (p *paperVenue) GetClock(ctx context.Context) (broker.Clock, error) {
	now := p.nowFn()
	return broker.Clock{
		IsOpen:    p.session.IsOpen(now),
		Now:       now,
		NextOpen:  p.session.NextOpen(now),
		NextClose: p.session.NextClose(now),
	}, nil
}

// noBars serves paper mode, which keeps no candle history. Scale-in checks
// that need bars degrade to a skip.
type noBars struct{}

func (noBars) BarsSince(ctx context.Context, symbol string, since time.Time) ([]market.Candle, error) {
	return nil, nil
}

// trainingTrigger wraps the configured shell command. An empty command
// disables the daily trigger.
func trainingTrigger(cfg config.TrainingConfig) signal.TrainingTrigger {
	if cfg.Command == "" {
		return nil
	}
	return func(ctx context.Context) error {
		cmd := exec.CommandContext(ctx, "sh", "-c", cfg.Command)
		out, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("training command failed: %w (output: %s)", err, string(out))
		}
		return nil
	}
}

// statusProvider assembles the /status snapshot from live collaborators. It
// only reads: the clock comes from the gateway's last observation so an ops
// poller can never advance or reset the fail-closed state.
type statusProvider struct {
	env   string
	mode  string
	clock *clock.Gateway
	gate  *risk.Gate
	sched *scheduler.Scheduler
}

func (p *statusProvider) Status(ctx context.Context) (opshttp.Status, error) {
	clk := p.clock.LastClock()
	return opshttp.Status{
		Env:          p.env,
		BrokerMode:   p.mode,
		ClockOpen:    clk.IsOpen && !clk.Synthetic,
		ClockStale:   clk.Stale,
		Portfolio:    p.gate.State(),
		Unreconciled: p.sched.UnreconciledSymbols(),
	}, nil
}
