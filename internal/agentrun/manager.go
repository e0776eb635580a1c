// ABOUTME: Manager for long-running agent calls: run registry, event streaming,
// ABOUTME: run ceiling, and a single terminal transition per run.

package agentrun

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/den-gateway/internal/events"
	"github.com/2389/den-gateway/internal/protocol"
)

// ErrRunActive indicates a session already has an in-flight run.
var ErrRunActive = errors.New("agent run already active for session")

// ErrNoActiveRun indicates there is nothing to abort for the session.
var ErrNoActiveRun = errors.New("no active agent run for session")

// DefaultCeiling bounds a run that the config does not bound.
const DefaultCeiling = 5 * time.Minute

// Runner is the external agent runtime. Run blocks until the agent finishes,
// calling emit for each intermediate chunk. Cancellation of ctx means the
// run was aborted or timed out; Run should return promptly.
type Runner interface {
	Run(ctx context.Context, sessionKey, message string, emit func(chunk string)) (Result, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, sessionKey, message string, emit func(chunk string)) (Result, error)

func (f RunnerFunc) Run(ctx context.Context, sessionKey, message string, emit func(chunk string)) (Result, error) {
	return f(ctx, sessionKey, message, emit)
}

// Result is the terminal payload of a run.
type Result struct {
	Reply string `json:"reply"`
}

// Outcome names how a run reached its terminal state. Exactly one outcome
// is recorded per run; whichever terminal cause lands first wins.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeAborted   Outcome = "aborted"
)

// EventPayload is the payload of an agent event.
type EventPayload struct {
	RunID      string `json:"runId"`
	SessionKey string `json:"sessionKey"`
	Kind       string `json:"kind"` // started | chunk | terminal
	Text       string `json:"text,omitempty"`
	Outcome    string `json:"outcome,omitempty"`
}

// Run is one in-flight or finished agent call. Runs are detached from the
// connection that started them: the caller waits via Wait, but dropping the
// wait does not stop the run.
type Run struct {
	ID         string
	SessionKey string

	mu       sync.Mutex
	terminal bool
	outcome  Outcome
	result   Result
	err      error
	done     chan struct{}
	cancel   context.CancelFunc
}

// Wait blocks until the run reaches its terminal state or ctx is done.
// Once terminal, every waiter observes the same outcome.
func (r *Run) Wait(ctx context.Context) (Result, Outcome, error) {
	select {
	case <-r.done:
	case <-ctx.Done():
		return Result{}, "", ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, r.outcome, r.err
}

// Done reports whether the run has reached a terminal state.
func (r *Run) Done() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// finish records the terminal state. Only the first caller wins; later
// terminal causes (a timeout racing a natural completion, an abort racing
// either) are ignored.
func (r *Run) finish(outcome Outcome, result Result, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminal {
		return false
	}
	r.terminal = true
	r.outcome = outcome
	r.result = result
	r.err = err
	close(r.done)
	return true
}

// Manager owns the run registry, one live run per session at most.
type Manager struct {
	mu      sync.Mutex
	active  map[string]*Run // session key -> live run
	runner  Runner
	bus     *events.Broadcaster
	ceiling time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewManager creates a manager. ceiling <= 0 selects DefaultCeiling.
func NewManager(runner Runner, bus *events.Broadcaster, ceiling time.Duration, logger *slog.Logger) *Manager {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		active:  make(map[string]*Run),
		runner:  runner,
		bus:     bus,
		ceiling: ceiling,
		logger:  logger.With("component", "agentrun"),
	}
}

// Start begins a run for the session. The run's lifetime is bound to the
// manager's ceiling, not to the caller's ctx. Returns ErrRunActive when the
// session already has a live run.
func (m *Manager) Start(sessionKey, message string) (*Run, error) {
	run := &Run{
		ID:         uuid.New().String(),
		SessionKey: sessionKey,
		done:       make(chan struct{}),
	}

	m.mu.Lock()
	if existing, ok := m.active[sessionKey]; ok && !existing.Done() {
		m.mu.Unlock()
		return nil, ErrRunActive
	}
	m.active[sessionKey] = run
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.ceiling)
	run.cancel = cancel

	m.logger.Info("agent run started", "run_id", run.ID, "session", sessionKey)
	m.publish(run, "started", "", "")

	m.wg.Add(1)
	go m.execute(ctx, run, message)
	return run, nil
}

// Abort cancels the session's live run, if any. The run's waiters see
// OutcomeAborted unless a natural completion or timeout landed first.
func (m *Manager) Abort(sessionKey string) error {
	m.mu.Lock()
	run, ok := m.active[sessionKey]
	m.mu.Unlock()
	if !ok || run.Done() {
		return ErrNoActiveRun
	}

	if run.finish(OutcomeAborted, Result{}, protocol.Unavailable("agent run aborted")) {
		m.logger.Info("agent run aborted", "run_id", run.ID, "session", sessionKey)
		m.publish(run, "terminal", "", string(OutcomeAborted))
	}
	run.cancel()
	return nil
}

// Active reports whether the session has a live run.
func (m *Manager) Active(sessionKey string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.active[sessionKey]
	return ok && !run.Done()
}

// Shutdown aborts all live runs and waits for their goroutines.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	keys := make([]string, 0, len(m.active))
	for key := range m.active {
		keys = append(keys, key)
	}
	m.mu.Unlock()

	for _, key := range keys {
		_ = m.Abort(key)
	}
	m.wg.Wait()
}

func (m *Manager) execute(ctx context.Context, run *Run, message string) {
	defer m.wg.Done()
	defer run.cancel()
	defer m.retire(run)

	emit := func(chunk string) {
		// A terminal state suppresses further output for the run.
		if run.Done() {
			return
		}
		m.publish(run, "chunk", chunk, "")
	}

	result, err := m.runner.Run(ctx, run.SessionKey, message, emit)

	switch {
	case err == nil:
		if run.finish(OutcomeCompleted, result, nil) {
			m.logger.Info("agent run completed", "run_id", run.ID, "session", run.SessionKey)
			m.publish(run, "terminal", result.Reply, string(OutcomeCompleted))
		}
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		if run.finish(OutcomeTimeout, Result{}, protocol.Timeout("agent run exceeded ceiling")) {
			m.logger.Warn("agent run timed out", "run_id", run.ID, "session", run.SessionKey)
			m.publish(run, "terminal", "", string(OutcomeTimeout))
		}
	case errors.Is(ctx.Err(), context.Canceled):
		// Abort already recorded the terminal state and published.
	default:
		if run.finish(OutcomeFailed, Result{}, protocol.Internal(err.Error())) {
			m.logger.Error("agent run failed", "run_id", run.ID, "session", run.SessionKey, "error", err)
			m.publish(run, "terminal", "", string(OutcomeFailed))
		}
	}
}

func (m *Manager) retire(run *Run) {
	m.mu.Lock()
	if m.active[run.SessionKey] == run {
		delete(m.active, run.SessionKey)
	}
	m.mu.Unlock()
}

func (m *Manager) publish(run *Run, kind, text, outcome string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(protocol.EventAgent, EventPayload{
		RunID:      run.ID,
		SessionKey: run.SessionKey,
		Kind:       kind,
		Text:       text,
		Outcome:    outcome,
	})
}
