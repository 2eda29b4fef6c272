// Package worker runs submitted code in a separate OS process and watches it.
//
// The parent side (Runner) re-executes the service binary in worker mode,
// ships the request on stdin and reads a single JSON Message back from stdout.
// The child side is Serve. Each worker is watched by a Monitor for the length
// of its life.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/jkaninda/runbox/internal/interp"
)

const (
	defaultMaxReplyBytes = 8 << 20
	maxDiagnosticBytes   = 64 << 10
)

// ErrNotReaped is returned when a worker survives termination past the reap timeout.
var ErrNotReaped = errors.New("worker not reaped")

// Config configures how workers are launched.
type Config struct {
	Path           string   // Worker binary. Empty = this executable.
	Args           []string // Default: ["worker"].
	Env            []string // Extra KEY=VALUE entries on top of the minimal environment.
	MemoryLimit    uint64   // Bytes. Default: 100 MB.
	PollInterval   time.Duration
	MaxOutputBytes int // Per captured stream.
	MaxReplyBytes  int
}

// Runner launches worker processes.
//
// Isolation guarantees:
//   - Each worker is a separate process in its own process group
//   - Each worker gets its own temp directory (removed after)
//   - No environment inheritance from the parent, only a minimal safe set
//   - The worker's reply is capped to prevent OOM in the parent
type Runner struct {
	path    string
	args    []string
	env     []string
	monitor Monitor
	cfg     Config
	logger  *slog.Logger
	active  atomic.Int64
}

// NewRunner resolves the worker binary and returns a Runner.
func NewRunner(cfg Config, logger *slog.Logger) (*Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	path := cfg.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolving worker executable: %w", err)
		}
		path = exe
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("worker executable %s: %w", path, err)
	}

	args := cfg.Args
	if args == nil {
		args = []string{"worker"}
	}
	if cfg.MaxReplyBytes <= 0 {
		cfg.MaxReplyBytes = defaultMaxReplyBytes
	}
	if _, err := sampleRSS(os.Getpid()); err != nil {
		logger.Warn("memory limit is not enforced, resident memory cannot be sampled",
			slog.Uint64("memory_limit_bytes", cfg.MemoryLimit),
			slog.String("error", err.Error()),
		)
	}

	return &Runner{
		path: path,
		args: args,
		env:  cfg.Env,
		monitor: Monitor{
			Limit:    cfg.MemoryLimit,
			Interval: cfg.PollInterval,
			Logger:   logger,
		},
		cfg:    cfg,
		logger: logger,
	}, nil
}

// OnMemoryBreach registers a callback invoked whenever a monitor kills a worker.
func (r *Runner) OnMemoryBreach(fn func()) {
	r.monitor.OnBreach = fn
}

// SetSampler replaces the memory sampler.
func (r *Runner) SetSampler(s Sampler) {
	r.monitor.Sample = s
}

// Path returns the worker binary path.
func (r *Runner) Path() string {
	return r.path
}

// Active returns the number of worker processes not yet reaped.
func (r *Runner) Active() int {
	return int(r.active.Load())
}

// Start launches a worker for code against a copy of execCtx. The memory
// monitor is running before the request reaches the worker. The reply is
// posted on the handle's result channel unless flag is raised by then.
func (r *Runner) Start(ctx context.Context, code string, execCtx *interp.Context, flag *Flag) (*Handle, error) {
	req, err := json.Marshal(Request{
		Code:           code,
		Context:        execCtx,
		MaxOutputBytes: r.cfg.MaxOutputBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding worker request: %w", err)
	}

	tmpDir, err := os.MkdirTemp("", "runbox-worker-*")
	if err != nil {
		return nil, fmt.Errorf("creating worker temp dir: %w", err)
	}

	cmd := exec.CommandContext(ctx, r.path, r.args...)
	cmd.Dir = tmpDir
	cmd.Env = buildEnv(tmpDir, r.env)
	cmd.SysProcAttr = procAttr()

	// Kill the entire process group when ctx is cancelled.
	cmd.Cancel = func() error {
		return killProcess(cmd.Process)
	}
	cmd.WaitDelay = time.Second

	h := &Handle{
		cmd:     cmd,
		flag:    flag,
		done:    make(chan struct{}),
		results: make(chan Message, 2),
	}
	cmd.Stdout = &limitedWriter{w: &h.stdout, remaining: r.cfg.MaxReplyBytes}
	cmd.Stderr = &limitedWriter{w: &h.stderr, remaining: maxDiagnosticBytes}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		_ = os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("opening worker stdin: %w", err)
	}

	if err := cmd.Start(); err != nil {
		_ = os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("starting worker: %w", err)
	}
	h.pid = cmd.Process.Pid
	h.started = time.Now()
	r.active.Add(1)

	r.logger.Debug("worker started",
		slog.Int("pid", h.pid),
		slog.Int("code_bytes", len(code)),
		slog.Int("context_bindings", execCtx.Len()),
	)

	go r.monitor.Watch(h, flag, h.results)

	go func() {
		defer stdin.Close()
		if _, err := stdin.Write(req); err != nil {
			r.logger.Debug("worker stdin closed early",
				slog.Int("pid", h.pid),
				slog.String("error", err.Error()),
			)
		}
	}()

	go r.collect(h, tmpDir)

	return h, nil
}

// collect waits for the worker, decodes its reply and posts it.
func (r *Runner) collect(h *Handle, tmpDir string) {
	defer close(h.done)
	defer r.active.Add(-1)

	waitErr := h.cmd.Wait()
	h.exitErr = waitErr

	if rmErr := os.RemoveAll(tmpDir); rmErr != nil {
		r.logger.Warn("failed to remove worker temp dir",
			slog.String("dir", tmpDir),
			slog.String("error", rmErr.Error()),
		)
	}

	if h.flag.Raised() {
		r.logger.Debug("worker reply discarded",
			slog.Int("pid", h.pid),
			slog.String("reason", h.flag.Reason().String()),
		)
		return
	}

	var msg Message
	if err := json.Unmarshal(bytes.TrimSpace(h.stdout.Bytes()), &msg); err != nil {
		attrs := []any{
			slog.Int("pid", h.pid),
			slog.Int("reply_bytes", h.stdout.Len()),
			slog.String("stderr", h.stderr.String()),
		}
		if waitErr != nil {
			attrs = append(attrs, slog.String("exit", waitErr.Error()))
		}
		r.logger.Warn("worker exited without a reply", attrs...)
		return
	}

	// The flag may have been raised while the reply was decoded.
	if h.flag.Raised() {
		return
	}
	select {
	case h.results <- msg:
	default:
	}

	r.logger.Debug("worker finished",
		slog.Int("pid", h.pid),
		slog.Duration("duration", time.Since(h.started)),
	)
}

// buildEnv constructs a minimal, safe environment.
// The parent process's environment is NEVER inherited.
func buildEnv(tmpDir string, extra []string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + tmpDir,
		"TMPDIR=" + tmpDir,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
	}
	return append(env, extra...)
}

// Handle is the parent's view of one running worker.
type Handle struct {
	cmd     *exec.Cmd
	pid     int
	flag    *Flag
	started time.Time
	done    chan struct{}
	results chan Message

	// Written by collect before done is closed.
	stdout  bytes.Buffer
	stderr  bytes.Buffer
	exitErr error
}

// Pid returns the worker's process id.
func (h *Handle) Pid() int {
	return h.pid
}

// Done is closed once the worker has been reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Alive reports whether the worker has not been reaped yet.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Results delivers the worker's reply or the monitor's verdict.
func (h *Handle) Results() <-chan Message {
	return h.results
}

// Flag returns the cancellation flag the worker was started with.
func (h *Handle) Flag() *Flag {
	return h.flag
}

// Poll returns a pending message without blocking.
func (h *Handle) Poll() (Message, bool) {
	select {
	case msg := <-h.results:
		return msg, true
	default:
		return Message{}, false
	}
}

// Kill force-kills the worker's process group.
func (h *Handle) Kill() error {
	if !h.Alive() {
		return nil
	}
	return killProcess(h.cmd.Process)
}

// Terminate asks the worker to stop, force-kills it after grace, and waits up
// to reap for it to be collected. It returns ErrNotReaped if the worker is
// still around after that.
func (h *Handle) Terminate(grace, reap time.Duration) error {
	if !h.Alive() {
		return nil
	}
	var errs []error
	if err := terminateProcess(h.cmd.Process); err != nil {
		errs = append(errs, fmt.Errorf("terminating worker %d: %w", h.pid, err))
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-h.done:
		return errors.Join(errs...)
	case <-timer.C:
	}

	if err := h.Kill(); err != nil {
		errs = append(errs, fmt.Errorf("killing worker %d: %w", h.pid, err))
	}

	timer.Reset(reap)
	select {
	case <-h.done:
		return errors.Join(errs...)
	case <-timer.C:
		return errors.Join(append(errs, fmt.Errorf("%w: pid %d", ErrNotReaped, h.pid))...)
	}
}

// Wait blocks until the worker is reaped or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
