package execution

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devcell/devcell/internal/container"
	"github.com/devcell/devcell/internal/domain"
)

// Runtime is the slice of the container manager the engine consumes.
type Runtime interface {
	ExecStream(ctx context.Context, containerID string, argv []string, opts container.ExecOptions, onOutput func(container.LogLine)) (<-chan container.ExecResult, error)
	// Restart is the hard-stop path: it kills every process inside the
	// container, including a runaway exec, and brings it back up.
	Restart(ctx context.Context, containerID string) error
}

// Resolver maps an environment id to its live container handle.
type Resolver interface {
	Resolve(ctx context.Context, envID string) (string, error)
}

// EventSink receives output chunks and state transitions from streaming
// executions. The broadcast hub and the log pipeline are wired in as sinks;
// a nil sink drops events.
type EventSink interface {
	ExecutionOutput(envID, execID string, line container.LogLine)
	ExecutionStatus(envID, execID string, status Status, exitCode *int)
}

// Config bounds engine behavior.
type Config struct {
	DefaultTimeout time.Duration
	MinTimeout     time.Duration
	MaxTimeout     time.Duration
	MaxOutputBytes int
}

// DefaultEngineConfig returns the contractual defaults.
func DefaultEngineConfig() Config {
	return Config{
		DefaultTimeout: 30 * time.Second,
		MinTimeout:     time.Second,
		MaxTimeout:     5 * time.Minute,
		MaxOutputBytes: 1 << 20,
	}
}

type tracked struct {
	exec     *Execution
	cancelCh chan struct{}
	done     chan struct{}
}

// Engine runs user code inside environment containers, adding timeout,
// cancellation and result/streaming semantics on top of the container
// manager.
type Engine struct {
	runtime Runtime
	envs    Resolver
	sink    EventSink
	cfg     Config

	mu    sync.Mutex
	execs map[string]*tracked
}

// NewEngine creates an execution engine. sink may be nil.
func NewEngine(runtime Runtime, envs Resolver, sink EventSink, cfg Config) *Engine {
	if cfg.DefaultTimeout == 0 {
		cfg = DefaultEngineConfig()
	}
	return &Engine{
		runtime: runtime,
		envs:    envs,
		sink:    sink,
		cfg:     cfg,
		execs:   make(map[string]*tracked),
	}
}

// Run executes the request synchronously, blocking until a terminal state.
func (e *Engine) Run(ctx context.Context, req RunRequest) (*Execution, error) {
	t, err := e.submit(ctx, req)
	if err != nil {
		return nil, err
	}
	<-t.done

	e.mu.Lock()
	defer e.mu.Unlock()
	return t.exec.snapshot(), nil
}

// RunStream accepts the request and returns the execution id immediately;
// output chunks and the terminal transition are pushed to the event sink.
func (e *Engine) RunStream(ctx context.Context, req RunRequest) (string, error) {
	t, err := e.submit(ctx, req)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return t.exec.ID, nil
}

// Cancel requests cancellation of an execution. A running (or still queued)
// execution transitions to cancelled and Cancel reports true; a terminal one
// is left untouched and Cancel reports false.
func (e *Engine) Cancel(ctx context.Context, execID string) (bool, error) {
	e.mu.Lock()
	t, ok := e.execs[execID]
	if !ok {
		e.mu.Unlock()
		return false, domain.NotFound("execution %s not found", execID)
	}
	if t.exec.Status.IsTerminal() {
		e.mu.Unlock()
		return false, nil
	}

	e.finishLocked(t, StatusCancelled, nil)
	e.mu.Unlock()

	close(t.cancelCh)
	return true, nil
}

// Get returns a snapshot of an execution.
func (e *Engine) Get(execID string) (*Execution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.execs[execID]
	if !ok {
		return nil, domain.NotFound("execution %s not found", execID)
	}
	return t.exec.snapshot(), nil
}

// List returns the most recent executions for an environment, newest first.
func (e *Engine) List(envID string, limit int) []*Execution {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []*Execution
	for _, t := range e.execs {
		if t.exec.EnvironmentID == envID {
			out = append(out, t.exec.snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Languages returns the canonical supported language list.
func (e *Engine) Languages() []Language {
	return SupportedLanguages()
}

// submit validates the request, registers the execution and starts the run
// goroutine. All precondition failures happen here, before any container
// resource is consumed.
func (e *Engine) submit(ctx context.Context, req RunRequest) (*tracked, error) {
	lang, err := ParseLanguage(req.Language)
	if err != nil {
		return nil, err
	}
	if req.Code == "" {
		return nil, domain.Validation("code is required")
	}

	timeout := e.cfg.DefaultTimeout
	if req.TimeoutMs != 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
		if timeout < e.cfg.MinTimeout || timeout > e.cfg.MaxTimeout {
			return nil, domain.Validation("timeout %dms outside bounds [%d, %d]",
				req.TimeoutMs, e.cfg.MinTimeout.Milliseconds(), e.cfg.MaxTimeout.Milliseconds())
		}
	}

	containerID, err := e.envs.Resolve(ctx, req.EnvironmentID)
	if err != nil {
		return nil, err
	}

	t := &tracked{
		exec: &Execution{
			ID:            uuid.New().String(),
			EnvironmentID: req.EnvironmentID,
			Code:          req.Code,
			Language:      lang,
			Status:        StatusQueued,
			TimeoutMs:     int(timeout.Milliseconds()),
			Env:           req.Env,
			CreatedAt:     time.Now().UTC(),
		},
		cancelCh: make(chan struct{}),
		done:     make(chan struct{}),
	}

	e.mu.Lock()
	e.execs[t.exec.ID] = t
	e.mu.Unlock()

	go e.run(t, containerID, timeout)

	return t, nil
}

func (e *Engine) run(t *tracked, containerID string, timeout time.Duration) {
	defer close(t.done)

	// Cancel may have won while the execution was still queued.
	e.mu.Lock()
	if t.exec.Status.IsTerminal() {
		e.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	t.exec.Status = StatusRunning
	t.exec.StartedAt = &now
	execID := t.exec.ID
	envID := t.exec.EnvironmentID
	argv := t.exec.Language.Argv(t.exec.Code)
	env := t.exec.Env
	e.mu.Unlock()

	e.emitStatus(envID, execID, StatusRunning, nil)

	execCtx, cancelExec := context.WithCancel(context.Background())
	defer cancelExec()

	onOutput := func(line container.LogLine) {
		e.appendOutput(t, line)
	}

	resultCh, err := e.runtime.ExecStream(execCtx, containerID, argv, container.ExecOptions{Env: env}, onOutput)
	if err != nil {
		e.mu.Lock()
		if !t.exec.Status.IsTerminal() {
			t.exec.Stderr = err.Error()
			e.finishLocked(t, StatusFailed, nil)
		}
		e.mu.Unlock()
		return
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-resultCh:
		e.mu.Lock()
		if !t.exec.Status.IsTerminal() {
			if res.Err != nil {
				t.exec.Stderr = appendBounded(t.exec.Stderr, res.Err.Error(), e.cfg.MaxOutputBytes)
				e.finishLocked(t, StatusFailed, nil)
			} else if res.ExitCode == 0 {
				code := 0
				e.finishLocked(t, StatusCompleted, &code)
			} else {
				code := res.ExitCode
				e.finishLocked(t, StatusFailed, &code)
			}
		}
		e.mu.Unlock()

	case <-timer.C:
		// Transition first so no output lands after the terminal state,
		// then reclaim the still-running process.
		e.mu.Lock()
		timedOut := !t.exec.Status.IsTerminal()
		if timedOut {
			e.finishLocked(t, StatusTimeout, nil)
		}
		e.mu.Unlock()

		cancelExec()
		if timedOut {
			e.hardStop(containerID, execID, "timeout")
		}
		<-resultCh

	case <-t.cancelCh:
		// Cancel already moved the execution to its terminal state.
		cancelExec()
		e.hardStop(containerID, execID, "cancel")
		<-resultCh
	}
}

// appendOutput records one output line while the execution is running.
// Lines arriving after a terminal transition are dropped.
func (e *Engine) appendOutput(t *tracked, line container.LogLine) {
	e.mu.Lock()
	if t.exec.Status != StatusRunning {
		e.mu.Unlock()
		return
	}
	switch line.Stream {
	case container.StreamStderr:
		t.exec.Stderr = appendBounded(t.exec.Stderr, line.Message+"\n", e.cfg.MaxOutputBytes)
	default:
		t.exec.Stdout = appendBounded(t.exec.Stdout, line.Message+"\n", e.cfg.MaxOutputBytes)
	}
	envID := t.exec.EnvironmentID
	execID := t.exec.ID
	e.mu.Unlock()

	if e.sink != nil {
		e.sink.ExecutionOutput(envID, execID, line)
	}
}

// finishLocked applies a terminal transition. Caller holds e.mu.
func (e *Engine) finishLocked(t *tracked, status Status, exitCode *int) {
	now := time.Now().UTC()
	t.exec.Status = status
	t.exec.ExitCode = exitCode
	t.exec.EndedAt = &now

	envID := t.exec.EnvironmentID
	execID := t.exec.ID
	go e.emitStatus(envID, execID, status, exitCode)

	slog.Info("execution finished",
		"execution_id", execID,
		"environment_id", envID,
		"status", status,
	)
}

func (e *Engine) emitStatus(envID, execID string, status Status, exitCode *int) {
	if e.sink != nil {
		e.sink.ExecutionStatus(envID, execID, status, exitCode)
	}
}

// hardStop reclaims the container process left behind by a timed out or
// cancelled execution.
func (e *Engine) hardStop(containerID, execID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.runtime.Restart(ctx, containerID); err != nil {
		slog.Warn("hard stop failed",
			"execution_id", execID,
			"container_id", containerID,
			"reason", reason,
			"error", err,
		)
	}
}

func appendBounded(s, add string, max int) string {
	if max <= 0 || len(s) >= max {
		return s
	}
	if len(s)+len(add) > max {
		add = add[:max-len(s)]
	}
	return s + add
}
