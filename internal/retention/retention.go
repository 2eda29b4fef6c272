// Package retention prunes the execution audit trail on a cron schedule.
// Each run deletes records older than the retention window and then runs
// any registered housekeeping hooks, such as dropping idle rate limit buckets.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/runbox/internal/audit"
)

// Pruner runs retention on a standard five-field cron schedule.
type Pruner struct {
	store     audit.Store
	retention time.Duration
	schedule  cron.Schedule
	expr      string
	metrics   *Metrics
	logger    *slog.Logger
	hooks     []func()
	now       func() time.Time
}

// New creates a Pruner. It fails on an invalid cron expression.
func New(store audit.Store, retention time.Duration, expr string, metrics *Metrics, logger *slog.Logger) (*Pruner, error) {
	sched, err := parseSchedule(expr)
	if err != nil {
		return nil, err
	}
	return &Pruner{
		store:     store,
		retention: retention,
		schedule:  sched,
		expr:      expr,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// AddHook registers fn to run after every prune. Not safe after Start.
func (p *Pruner) AddHook(fn func()) {
	p.hooks = append(p.hooks, fn)
}

// Start begins the retention loop. Returns a cancel function.
func (p *Pruner) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		p.logger.InfoContext(ctx, "retention job started",
			slog.String("schedule", p.expr),
			slog.String("retention", p.retention.String()),
		)

		for {
			next := p.schedule.Next(p.now())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				p.logger.Info("retention job stopped")
				return
			case <-timer.C:
				p.RunOnce(ctx)
			}
		}
	}()

	return cancel
}

// RunOnce prunes records older than the retention window and runs the hooks.
// It returns the number of records removed.
func (p *Pruner) RunOnce(ctx context.Context) int64 {
	start := time.Now()
	cutoff := p.now().UTC().Add(-p.retention)

	if p.metrics != nil {
		p.metrics.Runs.Inc()
	}

	pruned, err := p.store.PruneBefore(ctx, cutoff)
	if err != nil {
		p.logger.ErrorContext(ctx, "pruning execution records failed",
			slog.Time("cutoff", cutoff),
			slog.String("error", err.Error()),
		)
		if p.metrics != nil {
			p.metrics.Failures.Inc()
		}
	} else if pruned > 0 {
		p.logger.InfoContext(ctx, "pruned execution records",
			slog.Int64("count", pruned),
			slog.Time("cutoff", cutoff),
		)
		if p.metrics != nil {
			p.metrics.RecordsPruned.Add(float64(pruned))
		}
	}

	for _, hook := range p.hooks {
		hook()
	}

	if p.metrics != nil {
		p.metrics.RunDuration.Observe(time.Since(start).Seconds())
	}
	return pruned
}

// NextRun returns the next scheduled run after from.
func (p *Pruner) NextRun(from time.Time) time.Time {
	return p.schedule.Next(from)
}

func parseSchedule(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}
