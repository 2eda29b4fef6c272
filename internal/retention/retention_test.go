package retention

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/runbox/internal/audit"
)

type pruneStore struct {
	cutoffs []time.Time
	pruned  int64
	err     error
}

func (s *pruneStore) Append(context.Context, audit.Record) error { return nil }

func (s *pruneStore) Recent(context.Context, int) ([]audit.Record, error) { return nil, nil }

func (s *pruneStore) PruneBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.cutoffs = append(s.cutoffs, cutoff)
	return s.pruned, s.err
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew_InvalidSchedule(t *testing.T) {
	if _, err := New(&pruneStore{}, time.Hour, "not a cron", nil, discard()); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestNextRun(t *testing.T) {
	p, err := New(&pruneStore{}, time.Hour, "0 * * * *", nil, discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	from := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)
	want := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	if got := p.NextRun(from); !got.Equal(want) {
		t.Errorf("next run = %v, want %v", got, want)
	}
}

func TestRunOnce_PrunesWithCutoffAndRunsHooks(t *testing.T) {
	store := &pruneStore{pruned: 7}
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	p, err := New(store, 24*time.Hour, "@hourly", metrics, discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	var hookRuns int
	p.AddHook(func() { hookRuns++ })

	if got := p.RunOnce(context.Background()); got != 7 {
		t.Errorf("pruned = %d, want 7", got)
	}
	if len(store.cutoffs) != 1 || !store.cutoffs[0].Equal(now.Add(-24*time.Hour)) {
		t.Errorf("unexpected cutoff: %v", store.cutoffs)
	}
	if hookRuns != 1 {
		t.Errorf("hook ran %d times, want 1", hookRuns)
	}
	if got := counter(t, reg, "runbox_retention_records_pruned_total"); got != 7 {
		t.Errorf("records_pruned_total = %v, want 7", got)
	}
}

func TestRunOnce_FailureStillRunsHooks(t *testing.T) {
	store := &pruneStore{err: errors.New("db locked")}
	reg := prometheus.NewRegistry()
	p, err := New(store, time.Hour, "@hourly", NewMetrics(reg), discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var hookRuns int
	p.AddHook(func() { hookRuns++ })

	p.RunOnce(context.Background())
	if hookRuns != 1 {
		t.Errorf("hook ran %d times, want 1", hookRuns)
	}
	if got := counter(t, reg, "runbox_retention_failures_total"); got != 1 {
		t.Errorf("failures_total = %v, want 1", got)
	}
}

func TestStart_StopsOnCancel(t *testing.T) {
	p, err := New(&pruneStore{}, time.Hour, "@yearly", nil, discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cancel := p.Start(context.Background())
	cancel()
}

func counter(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			var total float64
			for _, m := range f.GetMetric() {
				total += metricValue(m)
			}
			return total
		}
	}
	return 0
}

func metricValue(m *dto.Metric) float64 {
	return m.GetCounter().GetValue()
}
