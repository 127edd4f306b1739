// SPDX-License-Identifier: MIT

// Package session implements the Session Controller (§4.5): the
// lifecycle state machine that owns a single active page, drives the
// fuzzy matcher and the active transcription backend, and applies the
// engine's retry/backoff, generation-discipline, and device-switch
// suppression policies.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/quillcast/teleprompter-engine/internal/backend"
	"github.com/quillcast/teleprompter-engine/internal/health"
	"github.com/quillcast/teleprompter-engine/internal/matcher"
	"github.com/quillcast/teleprompter-engine/internal/stream"
	"github.com/quillcast/teleprompter-engine/internal/util"
)

// State is the session's lifecycle state (§4.5).
type State int

const (
	StateIdle State = iota
	StateAuthorizing
	StateRunning
	StateRetrying
	StatePaused
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAuthorizing:
		return "authorizing"
	case StateRunning:
		return "running"
	case StateRetrying:
		return "retrying"
	case StatePaused:
		return "paused"
	case StateCompleted:
		return "completed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// deviceSwitchSuppressWindow is how long after a device switch transcript
// callbacks from the old generation are silently dropped instead of being
// surfaced as errors (§4.5, §5).
const deviceSwitchSuppressWindow = 2 * time.Second

// maxRetryCount is §4.5's retry policy ceiling: the first 10 consecutive
// unexplained backend exits are retried, and the 11th pauses the session.
const maxRetryCount = 10

// retryDelay is §4.5's backoff formula: min(retry_count*0.5s, 1.5s).
func retryDelay(retryCount int) time.Duration {
	d := time.Duration(retryCount) * 500 * time.Millisecond
	if d > 1500*time.Millisecond {
		d = 1500 * time.Millisecond
	}
	return d
}

// ErrNotRunning is returned by operations that require an active session.
var ErrNotRunning = errors.New("session: not running")

// Observer receives the published observable state (§6). The controller
// calls these synchronously on whichever goroutine delivered the event
// (the caller of a public method, a backend callback, or a timer); calls
// are not funnelled through one dedicated goroutine.
type Observer struct {
	OnCursor      func(recognizedCharCount, matchStart int)
	OnListening   func(isListening bool)
	OnError       func(err error)
	OnAdvancePage func()
	OnDismiss     func()
}

// Config configures a Controller.
type Config struct {
	Backend     backend.Backend
	BackendKind matcher.BackendKind
	Backoff     *stream.Backoff
	Logger      *slog.Logger
	Observer    Observer

	AutoNextPage      bool
	AutoNextPageDelay time.Duration
}

// Controller is the single-writer owner of a page's matcher engine and
// its backend's lifecycle. There is no dedicated serialization goroutine
// or command channel: public methods and backend callbacks run on the
// caller's goroutine, and state is guarded by the controller's mutex.
type Controller struct {
	cfg Config

	mu    sync.Mutex
	state State

	engine *matcher.Engine

	generation     uint64
	switchDeadline time.Time
	supervisor     *suture.Supervisor
	runnerToken    suture.ServiceToken
	runCtx         context.Context
	runCancel      context.CancelFunc

	pendingRestart        context.CancelFunc
	pendingBackendRestart context.CancelFunc
	retryCount            int
}

// NewController builds a controller for the given page text.
func NewController(cfg Config, pageText string) *Controller {
	return &Controller{
		cfg:    cfg,
		state:  StateIdle,
		engine: matcher.NewEngine(pageText, cfg.BackendKind),
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Cursor returns the matcher's current cursor.
func (c *Controller) Cursor() (recognizedCharCount, matchStart int) {
	return c.engine.Cursor()
}

// Start transitions Idle -> Authorizing -> Running and launches the
// backend under a suture supervision tree: the backend's run loop is
// registered as a suture.Service. suture supervises the ordinary
// shutdown/cancel path; the retry policy after an unexpected backend exit
// is this package's own (see handleBackendExit), since a backend exit
// returns from backendRunner.Serve without suture itself observing a
// restart-worthy failure.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle && c.state != StateCompleted {
		c.mu.Unlock()
		return fmt.Errorf("session: cannot start from state %s", c.state)
	}
	c.state = StateAuthorizing
	c.mu.Unlock()

	c.logf("authorizing")
	return c.launch(ctx)
}

// backendEvents builds the callback set a backend run is started with,
// closing over the generation it was launched under so stale callbacks
// are identifiable by the handlers (§5's generation discipline).
func (c *Controller) backendEvents(gen uint64) backend.Events {
	return backend.Events{
		OnTranscript: func(t backend.Transcript) { c.handleTranscript(gen, t) },
		OnError:      func(e backend.RuntimeError) { c.handleBackendError(gen, e) },
		OnExit:       func(ex backend.Exit) { c.handleBackendExit(gen, ex) },
	}
}

// launch is the shared mechanics behind Start and Resume: bump the
// generation, stand up a fresh supervision tree, and register the
// backend run under it. Callers are responsible for validating the
// precondition state before calling launch.
func (c *Controller) launch(ctx context.Context) error {
	c.mu.Lock()
	c.state = StateRunning
	c.generation++
	gen := c.generation
	c.mu.Unlock()

	c.notifyListening(true)

	sup := suture.New("session-backend", suture.Spec{
		EventHook: c.supervisorEventHook,
	})
	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.supervisor = sup
	c.runCtx = runCtx
	c.runCancel = cancel
	c.mu.Unlock()

	token := sup.Add(&backendRunner{
		backend:    c.cfg.Backend,
		events:     c.backendEvents(gen),
		generation: gen,
	})
	c.mu.Lock()
	c.runnerToken = token
	c.mu.Unlock()

	util.SafeGo("session-backend-supervisor", nil, func() {
		errCh := sup.ServeBackground(runCtx)
		<-errCh
	}, c.onBackgroundPanic("session-backend-supervisor"))

	return nil
}

// onBackgroundPanic builds a util.SafeGo panic callback that logs through
// this controller's own logger instead of an io.Writer, since a crashed
// supervision goroutine must not take the whole process down with it
// (§4.5: the controller is expected to run unattended for a full session).
func (c *Controller) onBackgroundPanic(name string) func(interface{}, []byte) {
	return func(r interface{}, stack []byte) {
		if c.cfg.Logger != nil {
			c.cfg.Logger.Error("recovered panic in background goroutine",
				"goroutine", name, "panic", r, "stack", string(stack))
		}
	}
}

// supervisorEventHook logs suture's own restart/backoff decisions using
// this package's structured-event convention.
func (c *Controller) supervisorEventHook(ev suture.Event) {
	if c.cfg.Logger != nil {
		c.cfg.Logger.Info("session_supervisor_event", "event", ev.String())
	}
}

// backendRunner adapts a single backend.Backend start/stop cycle into a
// suture.Service so the supervisor can restart it on an unrecoverable
// error return.
type backendRunner struct {
	backend    backend.Backend
	events     backend.Events
	generation uint64
}

func (r *backendRunner) Serve(ctx context.Context) error {
	if err := r.backend.Start(ctx, r.generation, r.events); err != nil {
		return err
	}
	<-ctx.Done()
	_ = r.backend.Stop()
	return ctx.Err()
}

// handleTranscript applies a backend transcript to the matcher engine,
// discarding callbacks from a stale generation (§5's generation
// discipline) and callbacks arriving inside the post-device-switch
// suppression window (§4.5).
func (c *Controller) handleTranscript(generation uint64, t backend.Transcript) {
	c.mu.Lock()
	if generation != c.generation {
		c.mu.Unlock()
		return
	}
	if !c.switchDeadline.IsZero() && time.Now().Before(c.switchDeadline) {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.mu.Lock()
	c.retryCount = 0
	c.mu.Unlock()
	if c.cfg.Backoff != nil {
		c.cfg.Backoff.Reset()
	}

	u := c.engine.Update(t.Text)

	if c.cfg.Observer.OnCursor != nil {
		c.cfg.Observer.OnCursor(u.RecognizedCharCount, u.MatchStart)
	}

	if c.cfg.AutoNextPage && u.RecognizedCharCount >= len([]rune(c.engine.Page())) {
		c.scheduleAutoAdvance()
	}
}

// scheduleAutoAdvance coalesces repeated end-of-page triggers into a
// single cancellable delayed callback, the same pattern the teacher uses
// for coalescing pending stream restarts: a new trigger cancels and
// replaces any still-pending one rather than stacking timers.
func (c *Controller) scheduleAutoAdvance() {
	c.mu.Lock()
	if c.pendingRestart != nil {
		c.pendingRestart()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.pendingRestart = cancel
	delay := c.cfg.AutoNextPageDelay
	c.mu.Unlock()

	util.SafeGo("session-auto-advance", nil, func() {
		select {
		case <-time.After(delay):
			c.mu.Lock()
			c.pendingRestart = nil
			c.mu.Unlock()
			if c.cfg.Observer.OnAdvancePage != nil {
				c.cfg.Observer.OnAdvancePage()
			}
		case <-ctx.Done():
		}
	}, c.onBackgroundPanic("session-auto-advance"))
}

// handleBackendError surfaces a non-fatal backend error if it belongs to
// the current generation.
func (c *Controller) handleBackendError(generation uint64, e backend.RuntimeError) {
	c.mu.Lock()
	current := c.generation
	c.mu.Unlock()
	if generation != current {
		return
	}
	if c.cfg.Observer.OnError != nil {
		c.cfg.Observer.OnError(fmt.Errorf("backend: %s", e.Line))
	}
}

// handleBackendExit applies §4.5's retry policy on an unexpected backend
// exit: retry_count < maxRetryCount schedules a restart after
// min(retry_count*0.5s, 1.5s); exhausting the ceiling pauses the session
// rather than completing it, since a paused session can still be resumed.
func (c *Controller) handleBackendExit(generation uint64, ex backend.Exit) {
	c.mu.Lock()
	if generation != c.generation {
		c.mu.Unlock()
		return
	}
	c.state = StateRetrying
	c.mu.Unlock()

	c.notifyListening(false)

	c.mu.Lock()
	if c.retryCount >= maxRetryCount {
		c.mu.Unlock()
		if c.cfg.Observer.OnError != nil {
			c.cfg.Observer.OnError(fmt.Errorf("backend: max restart attempts exceeded (code=%d)", ex.Code))
		}
		c.mu.Lock()
		c.state = StatePaused
		c.mu.Unlock()
		return
	}
	c.retryCount++
	retryCount := c.retryCount
	c.mu.Unlock()

	if c.cfg.Backoff != nil {
		c.cfg.Backoff.RecordFailure()
	}

	delay := retryDelay(retryCount)
	c.logf("backend exited (code=%d), retrying after %v (attempt %d/%d)", ex.Code, delay, retryCount, maxRetryCount)
	c.scheduleBackendRestart(delay)
}

// scheduleBackendRestart coalesces pending backend restarts into at most
// one outstanding timer (§4.5, §5: "scheduling a new restart cancels any
// prior pending one").
func (c *Controller) scheduleBackendRestart(delay time.Duration) {
	c.mu.Lock()
	if c.pendingBackendRestart != nil {
		c.pendingBackendRestart()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.pendingBackendRestart = cancel
	c.mu.Unlock()

	util.SafeGo("session-backend-restart", nil, func() {
		select {
		case <-time.After(delay):
			c.mu.Lock()
			c.pendingBackendRestart = nil
			c.mu.Unlock()
			c.restartBackend()
		case <-ctx.Done():
		}
	}, c.onBackgroundPanic("session-backend-restart"))
}

// restartBackend relaunches the backend under a freshly bumped
// generation (every restart increments the session generation, §4.5, §8)
// without tearing down the supervision tree itself.
func (c *Controller) restartBackend() {
	c.mu.Lock()
	if c.state != StateRetrying {
		c.mu.Unlock()
		return
	}
	runCtx := c.runCtx
	c.generation++
	gen := c.generation
	c.state = StateRunning
	c.mu.Unlock()

	if runCtx == nil {
		return
	}

	_ = c.cfg.Backend.Stop()
	if err := c.cfg.Backend.Start(runCtx, gen, c.backendEvents(gen)); err != nil {
		c.mu.Lock()
		c.state = StatePaused
		c.mu.Unlock()
		if c.cfg.Observer.OnError != nil {
			c.cfg.Observer.OnError(fmt.Errorf("backend: restart failed: %w", err))
		}
		return
	}
	c.notifyListening(true)
}

// JumpTo implements the jump_to operation: it bumps the generation (so any
// in-flight backend callbacks for the old generation are discarded),
// applies the jump to the matcher engine, and — if the session was
// actively running — restarts the backend from the new anchor.
func (c *Controller) JumpTo(ctx context.Context, charOffset int) error {
	c.mu.Lock()
	if c.state != StateRunning && c.state != StateRetrying {
		c.mu.Unlock()
		return ErrNotRunning
	}
	wasRunning := c.state == StateRunning
	runCtx := c.runCtx
	if c.pendingBackendRestart != nil {
		c.pendingBackendRestart()
		c.pendingBackendRestart = nil
	}
	c.generation++
	gen := c.generation
	c.mu.Unlock()

	c.engine.JumpTo(charOffset)

	if !wasRunning || runCtx == nil {
		return nil
	}

	_ = c.cfg.Backend.Stop()
	if err := c.cfg.Backend.Start(runCtx, gen, c.backendEvents(gen)); err != nil {
		return fmt.Errorf("session: jump_to restart: %w", err)
	}
	return nil
}

// SwitchDevice marks the start of a device hot-swap: it bumps the
// generation and opens a suppression window during which stale
// transcripts from the old device/generation are dropped rather than
// surfaced as errors (§4.5, S6).
func (c *Controller) SwitchDevice() {
	c.mu.Lock()
	c.generation++
	c.switchDeadline = time.Now().Add(deviceSwitchSuppressWindow)
	c.mu.Unlock()
}

// Pause suspends recognition without resetting the cursor.
func (c *Controller) Pause() {
	c.mu.Lock()
	if c.state == StateRunning || c.state == StateRetrying {
		c.state = StatePaused
	}
	c.mu.Unlock()
	c.notifyListening(false)
}

// Resume resumes a paused session under a fresh generation: match_start
// is reset up to recognized_char_count (so a jump-ahead guess made right
// before pausing doesn't linger across the gap) and the retry counter is
// cleared before recognition restarts at the current cursor (§4.5).
func (c *Controller) Resume(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StatePaused {
		c.mu.Unlock()
		return fmt.Errorf("session: cannot resume from state %s", c.state)
	}
	c.mu.Unlock()

	recognized, _ := c.engine.Cursor()
	c.engine.JumpTo(recognized)

	c.mu.Lock()
	c.retryCount = 0
	c.mu.Unlock()
	if c.cfg.Backoff != nil {
		c.cfg.Backoff.Reset()
	}

	c.logf("resuming")
	return c.launch(ctx)
}

// Stop gracefully tears down the backend and transitions to Completed.
func (c *Controller) Stop() error {
	c.mu.Lock()
	cancel := c.runCancel
	c.state = StateCompleted
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.notifyListening(false)
	return nil
}

// ForceStop immediately tears the backend down without waiting for a
// graceful exit, for the §4.5 "stuck backend" escape hatch.
func (c *Controller) ForceStop() error {
	_ = c.cfg.Backend.Stop()
	return c.Stop()
}

func (c *Controller) notifyListening(on bool) {
	if c.cfg.Observer.OnListening != nil {
		c.cfg.Observer.OnListening(on)
	}
}

// Services implements health.StatusProvider, reporting the single
// session as one named service so the engine's process can be probed
// by the same /healthz contract the teacher's stream daemon exposes.
func (c *Controller) Services() []health.ServiceInfo {
	c.mu.Lock()
	state := c.state
	retries := c.retryCount
	c.mu.Unlock()

	info := health.ServiceInfo{
		Name:     "teleprompter-session",
		State:    state.String(),
		Healthy:  state == StateRunning || state == StatePaused,
		Restarts: retries,
	}
	return []health.ServiceInfo{info}
}

func (c *Controller) logf(format string, args ...interface{}) {
	if c.cfg.Logger != nil {
		c.cfg.Logger.Info(fmt.Sprintf(format, args...))
	}
}
