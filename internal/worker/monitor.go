package worker

import (
	"errors"
	"log/slog"
	"time"
)

const (
	defaultMemoryLimit  = 100 << 20
	defaultPollInterval = 100 * time.Millisecond
)

// ErrSamplingUnsupported is returned by samplers on platforms without RSS accounting.
var ErrSamplingUnsupported = errors.New("memory sampling not supported on this platform")

// Sampler returns the resident memory of pid in bytes.
type Sampler func(pid int) (uint64, error)

// Target is the process a Monitor watches.
type Target interface {
	Pid() int
	Done() <-chan struct{}
	Kill() error
}

// Monitor polls a worker's resident memory and kills it past a ceiling.
type Monitor struct {
	Limit    uint64
	Interval time.Duration
	Sample   Sampler
	Logger   *slog.Logger

	// OnBreach, when set, is called after a worker is killed for memory.
	OnBreach func()
}

// Watch polls target until it exits, flag is raised by someone else, or the
// memory ceiling is crossed. On a breach it raises flag with ReasonMemory,
// posts MemoryLimitMessage on results without blocking, and kills target.
func (m *Monitor) Watch(target Target, flag *Flag, results chan<- Message) {
	interval := m.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	limit := m.Limit
	if limit == 0 {
		limit = defaultMemoryLimit
	}
	sample := m.Sample
	if sample == nil {
		sample = sampleRSS
	}
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-target.Done():
			return
		case <-ticker.C:
		}

		if flag.Raised() {
			return
		}

		rss, err := sample(target.Pid())
		if err != nil {
			if errors.Is(err, ErrSamplingUnsupported) {
				logger.Warn("memory monitor disabled", slog.String("error", err.Error()))
			} else {
				logger.Debug("memory monitor stopped, worker gone",
					slog.Int("pid", target.Pid()),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		if rss <= limit {
			continue
		}
		if !flag.Raise(ReasonMemory) {
			return
		}

		logger.Warn("memory limit exceeded, killing worker",
			slog.Int("pid", target.Pid()),
			slog.Uint64("rss_bytes", rss),
			slog.Uint64("limit_bytes", limit),
		)
		select {
		case results <- Message{Error: MemoryLimitMessage}:
		default:
		}
		if err := target.Kill(); err != nil {
			logger.Warn("failed to kill worker over memory limit",
				slog.Int("pid", target.Pid()),
				slog.String("error", err.Error()),
			)
		}
		if m.OnBreach != nil {
			m.OnBreach()
		}
		return
	}
}
