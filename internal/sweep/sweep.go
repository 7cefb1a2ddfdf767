// Package sweep fires approval and wait deadlines on a cron schedule.
package sweep

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/pitabwire/leadflow/internal/config"
	"github.com/pitabwire/leadflow/internal/observability"
	"github.com/pitabwire/leadflow/internal/orchestrator"
)

// Processor handles every overdue approval and wait in one pass.
// *orchestrator.Orchestrator satisfies it.
type Processor interface {
	ProcessTimeouts(ctx context.Context, limit int) (orchestrator.TimeoutReport, error)
}

// Sweep runs a Processor on a schedule. A run still in progress when the
// next one is due causes that tick to be skipped.
type Sweep struct {
	cron    *cron.Cron
	proc    Processor
	batch   int
	logger  *zap.Logger
	metrics *observability.Metrics

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a sweep from cfg. Schedule accepts standard five-field cron
// expressions and descriptors such as "@every 1m".
func New(cfg config.SweepConfig, proc Processor, logger *zap.Logger, metrics *observability.Metrics) (*Sweep, error) {
	logger = logger.Named("sweep")
	schedule, err := cron.ParseStandard(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("sweep: schedule %q: %w", cfg.Schedule, err)
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}

	s := &Sweep{
		proc:    proc,
		batch:   batch,
		logger:  logger,
		metrics: metrics,
	}
	s.cron = cron.New(cron.WithChain(
		cron.Recover(cronLogger{logger.Sugar()}),
		cron.SkipIfStillRunning(cronLogger{logger.Sugar()}),
	))
	s.cron.Schedule(schedule, cron.FuncJob(s.tick))
	return s, nil
}

// Start begins firing on the schedule. Runs use a context derived from
// ctx that Stop cancels.
func (s *Sweep) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("sweep started", zap.Int("batch_size", s.batch))
}

// Stop halts the schedule and waits for a running pass to return or ctx
// to expire.
func (s *Sweep) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweep) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	s.RunOnce(ctx)
}

// RunOnce performs a single pass.
func (s *Sweep) RunOnce(ctx context.Context) (orchestrator.TimeoutReport, error) {
	ctx, span := observability.StartSpan(ctx, "sweep.run")
	report, err := s.proc.ProcessTimeouts(ctx, s.batch)
	observability.EndSpanWithError(span, err)

	switch {
	case err != nil:
		s.metrics.RecordSweepRun("error")
		s.logger.Error("sweep failed", zap.Error(err))
	case report.Errors > 0:
		s.metrics.RecordSweepRun("partial")
	default:
		s.metrics.RecordSweepRun("ok")
	}
	return report, err
}

// cronLogger routes cron's internal logging to zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
