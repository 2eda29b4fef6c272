package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/runbox/internal/interp"
	"github.com/jkaninda/runbox/internal/session"
	"github.com/jkaninda/runbox/internal/worker"
)

const (
	defaultTimeout     = 2 * time.Second
	defaultGracePeriod = 100 * time.Millisecond
	defaultReapTimeout = 500 * time.Millisecond

	// maxLaunchAttempts bounds reclaim-and-retry when the same session is
	// hammered by concurrent submissions.
	maxLaunchAttempts = 4
)

// Config bounds every submission.
type Config struct {
	Timeout      time.Duration
	GracePeriod  time.Duration
	ReapTimeout  time.Duration
	MaxCodeBytes int // 0 = unlimited.
}

// Controller orchestrates submissions against the session store.
type Controller struct {
	store    *session.Store
	launcher Launcher
	cfg      Config
	logger   *slog.Logger

	// OnSessionsChanged, when set, is called after sessions are created or removed.
	OnSessionsChanged func(n int)
}

var _ Handler = (*Controller)(nil)

// NewController creates a Controller.
func NewController(store *session.Store, launcher Launcher, cfg Config, logger *slog.Logger) *Controller {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	if cfg.ReapTimeout <= 0 {
		cfg.ReapTimeout = defaultReapTimeout
	}
	return &Controller{
		store:    store,
		launcher: launcher,
		cfg:      cfg,
		logger:   logger,
	}
}

// Store returns the session store.
func (c *Controller) Store() *session.Store {
	return c.store
}

// HandleSubmission runs one submission to a terminal state and returns the
// response body with its HTTP status.
func (c *Controller) HandleSubmission(ctx context.Context, sub Submission) (Response, int) {
	// VALIDATING
	code, ok := sub.CodeText()
	if !ok || strings.TrimSpace(code) == "" {
		return invalid(MsgInvalidCode), http.StatusBadRequest
	}
	if c.cfg.MaxCodeBytes > 0 && len(code) > c.cfg.MaxCodeBytes {
		return invalid(fmt.Sprintf("Code must not exceed %d bytes", c.cfg.MaxCodeBytes)), http.StatusBadRequest
	}

	// SESSION_RESOLVED
	var sess *session.Session
	if sub.ID == nil {
		sess = c.store.Create()
		c.sessionsChanged()
	} else {
		s, err := c.store.Get(*sub.ID)
		if err != nil {
			return notFound(*sub.ID), http.StatusBadRequest
		}
		sess = s
	}

	// RUNNING
	wctx := context.WithoutCancel(ctx)
	h, sess, err := c.launch(wctx, sess, code)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return notFound(sess.ID), http.StatusBadRequest
		}
		c.logger.Error("starting worker failed",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()),
		)
		c.store.Remove(sess)
		c.sessionsChanged()
		return Response{
			ID:      sess.ID,
			Error:   MsgInternalError,
			Outcome: OutcomeInternal,
			Err:     fmt.Errorf("%w: %w", ErrInternal, err),
		}, http.StatusInternalServerError
	}

	return c.await(sess, h)
}

// launch attaches a new worker to sess, reclaiming a live predecessor first.
// It returns the record the worker ended up attached to.
func (c *Controller) launch(ctx context.Context, sess *session.Session, code string) (*worker.Handle, *session.Session, error) {
	id := sess.ID
	for attempt := 0; attempt < maxLaunchAttempts; attempt++ {
		h, busy, err := sess.Launch(func(execCtx *interp.Context, flag *worker.Flag) (*worker.Handle, error) {
			return c.launcher.Start(ctx, code, execCtx, flag)
		})
		switch {
		case errors.Is(err, session.ErrRetired):
			next, getErr := c.store.Get(id)
			if getErr != nil {
				return nil, sess, getErr
			}
			sess = next
		case err != nil:
			return nil, sess, err
		case busy != nil:
			c.reclaim(id, busy)
			next, repErr := c.store.Replace(id, sess)
			if repErr != nil {
				return nil, sess, repErr
			}
			sess = next
		default:
			return h, sess, nil
		}
	}
	return nil, sess, fmt.Errorf("session %s changed %d times while launching", id, maxLaunchAttempts)
}

// reclaim stops a worker still running on a session a new submission wants.
func (c *Controller) reclaim(id string, h *worker.Handle) {
	h.Flag().Raise(worker.ReasonReclaimed)
	c.logger.Warn("reclaiming live worker before reuse",
		slog.String("session_id", id),
		slog.Int("pid", h.Pid()),
	)
	if err := h.Terminate(c.cfg.GracePeriod, c.cfg.ReapTimeout); err != nil {
		c.logger.Error("cleanup of reclaimed worker failed",
			slog.String("session_id", id),
			slog.Int("pid", h.Pid()),
			slog.String("error", err.Error()),
		)
	}
}

// await waits for h up to the timeout and reconciles the outcome in the
// order timeout, monitor, result, nothing.
func (c *Controller) await(sess *session.Session, h *worker.Handle) (Response, int) {
	timer := time.NewTimer(c.cfg.Timeout)
	defer timer.Stop()
	select {
	case <-h.Done():
	case <-timer.C:
	}

	flag := h.Flag()
	id := sess.ID

	if h.Alive() {
		flag.Raise(worker.ReasonTimeout)
		c.logger.Warn("execution timeout",
			slog.String("session_id", id),
			slog.Int("pid", h.Pid()),
			slog.Duration("timeout", c.cfg.Timeout),
		)
		c.teardown(sess, h)
		return fatal(id, MsgTimeout, OutcomeTimeout, ErrTimeout), http.StatusInternalServerError
	}

	switch flag.Reason() {
	case worker.ReasonMemory:
		c.logger.Warn("execution stopped by memory monitor",
			slog.String("session_id", id),
			slog.Int("pid", h.Pid()),
		)
		c.teardown(sess, h)
		return fatal(id, MsgMemoryLimit, OutcomeMemory, ErrMemoryLimit), http.StatusInternalServerError
	case worker.ReasonReclaimed:
		// The session now belongs to the submission that reclaimed it.
		return fatal(id, MsgSuperseded, OutcomeSuperseded, ErrSuperseded), http.StatusConflict
	case worker.ReasonTeardown:
		c.teardown(sess, h)
		return fatal(id, MsgShuttingDown, OutcomeShutdown, ErrShuttingDown), http.StatusServiceUnavailable
	}

	if msg, ok := h.Poll(); ok {
		if msg.Failed() {
			c.logger.Warn("worker reported an error",
				slog.String("session_id", id),
				slog.String("error", msg.Error),
			)
			c.teardown(sess, h)
			return fatal(id, msg.Error, OutcomeWorkerError, fmt.Errorf("%w: %s", ErrWorkerFailed, msg.Error)), http.StatusInternalServerError
		}

		if len(msg.Dropped) > 0 {
			c.logger.Warn("bindings could not be restored and were dropped",
				slog.String("session_id", id),
				slog.Any("bindings", msg.Dropped),
			)
		}
		if !sess.Commit(h, msg.Context) {
			c.logger.Warn("session context not updated, worker no longer attached",
				slog.String("session_id", id),
				slog.Int("pid", h.Pid()),
			)
		}
		flag.Raise(worker.ReasonTeardown)

		if msg.Stderr != "" {
			stderr := msg.Stderr
			return Response{ID: id, Stderr: &stderr, Outcome: OutcomeStderr}, http.StatusOK
		}
		stdout := msg.Stdout
		return Response{ID: id, Stdout: &stdout, Outcome: OutcomeStdout}, http.StatusOK
	}

	c.logger.Error("worker exited without a result",
		slog.String("session_id", id),
		slog.Int("pid", h.Pid()),
	)
	c.teardown(sess, h)
	return fatal(id, MsgUnexpected, OutcomeUnexpected, ErrUnexpected), http.StatusInternalServerError
}

// teardown raises the flag, stops the worker and removes the session once
// the worker is confirmed collected.
func (c *Controller) teardown(sess *session.Session, h *worker.Handle) {
	h.Flag().Raise(worker.ReasonTeardown)

	if err := h.Terminate(c.cfg.GracePeriod, c.cfg.ReapTimeout); err != nil {
		// The id stays reserved until the worker is gone, but nothing may
		// launch on the record again.
		sess.Retire()
		c.logger.Error("cleanup failed, session removal deferred until worker exits",
			slog.String("session_id", sess.ID),
			slog.Int("pid", h.Pid()),
			slog.String("error", err.Error()),
		)
		go func() {
			<-h.Done()
			sess.Detach(h)
			c.store.Remove(sess)
			c.sessionsChanged()
		}()
		return
	}

	sess.Detach(h)
	c.store.Remove(sess)
	c.sessionsChanged()
}

// Shutdown stops every live worker and drops all sessions.
func (c *Controller) Shutdown(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, sess := range c.store.List() {
		h := sess.Pending()
		if h == nil || !h.Alive() {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Flag().Raise(worker.ReasonTeardown)
			if err := h.Terminate(c.cfg.GracePeriod, c.cfg.ReapTimeout); err != nil {
				c.logger.Error("stopping worker on shutdown failed",
					slog.String("session_id", sess.ID),
					slog.String("error", err.Error()),
				)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for workers: %w", ctx.Err())
	}

	for _, sess := range c.store.List() {
		c.store.Remove(sess)
	}
	c.sessionsChanged()
	return nil
}

func (c *Controller) sessionsChanged() {
	if c.OnSessionsChanged != nil {
		c.OnSessionsChanged(c.store.Len())
	}
}

func invalid(msg string) Response {
	return Response{Error: msg, Outcome: OutcomeInvalid, Err: fmt.Errorf("%w: %s", ErrValidation, msg)}
}

func notFound(id string) Response {
	return Response{
		Error:   fmt.Sprintf("No session found with ID %s", id),
		Outcome: OutcomeNotFound,
		Err:     fmt.Errorf("%w: %s", ErrSessionNotFound, id),
	}
}

func fatal(id, msg string, outcome Outcome, err error) Response {
	return Response{ID: id, Error: msg, Outcome: outcome, Err: err}
}
