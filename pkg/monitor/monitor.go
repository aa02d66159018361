// Package monitor supervises the daemon's background work. It runs
// goroutines it owns (Go, Supervise) with panic recovery and, for Supervise,
// restart-with-backoff, and tracks externally driven loops through Watch,
// flagging any task whose heartbeat goes quiet.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

// TaskState describes the lifecycle state of a monitored task.
type TaskState string

const (
	TaskStateRunning   TaskState = "running"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
	TaskStateCanceled  TaskState = "canceled"
	TaskStatePanicked  TaskState = "panicked"
)

// TaskStatus captures the latest snapshot for a monitored task.
type TaskStatus struct {
	Name             string    `json:"name"`
	State            TaskState `json:"state"`
	StartTime        time.Time `json:"start_time"`
	EndTime          time.Time `json:"end_time"`
	LastHeartbeat    time.Time `json:"last_heartbeat"`
	Error            string    `json:"error"`
	Panic            string    `json:"panic"`
	Restarts         uint32    `json:"restarts"`
	HeartbeatStalled bool      `json:"heartbeat_stalled"`
}

// MonitorStatus aggregates the current status of every task.
type MonitorStatus struct {
	StartedAt time.Time    `json:"started_at"`
	Tasks     []TaskStatus `json:"tasks"`
}

// TaskFunc is the body of a task run under Go or Supervise.
type TaskFunc func(ctx context.Context, hb Heartbeat) error

// Heartbeat lets a task signal it is still making progress.
type Heartbeat interface {
	Tick()
}

// Logger is the subset used by the monitor for structured messages.
type Logger interface {
	Printf(format string, args ...any)
}

// Monitor tracks a set of named tasks and periodically inspects their
// heartbeats for stalls.
type Monitor struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.RWMutex
	tasks map[string]*task
	wg    sync.WaitGroup

	seq uint64

	stallThreshold time.Duration
	checkInterval  time.Duration
	restartFloor   time.Duration
	logger         Logger
	startedAt      time.Time
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithStallThreshold overrides the duration allowed between heartbeats
// before a task is flagged stalled.
func WithStallThreshold(d time.Duration) Option {
	return func(m *Monitor) { m.stallThreshold = d }
}

// WithCheckInterval adjusts how often heartbeats are inspected.
func WithCheckInterval(d time.Duration) Option {
	return func(m *Monitor) { m.checkInterval = d }
}

// WithRestartFloor sets the minimum run length after which a supervised
// task's restart backoff resets to its initial interval.
func WithRestartFloor(d time.Duration) Option {
	return func(m *Monitor) { m.restartFloor = d }
}

// WithLogger uses the provided logger instead of the process-wide default.
func WithLogger(l Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// New creates a Monitor with reasonable defaults and starts its stall
// inspector.
func New(opts ...Option) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		ctx:            ctx,
		cancel:         cancel,
		tasks:          make(map[string]*task),
		stallThreshold: 2 * time.Minute,
		checkInterval:  5 * time.Second,
		restartFloor:   time.Minute,
		logger:         log.StandardLogger(),
		startedAt:      time.Now(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.checkInterval > 0 && m.stallThreshold > 0 {
		go m.inspectLoop()
	}
	return m
}

// TaskHandle exposes limited control over a task started with Go or
// Supervise.
type TaskHandle struct {
	Name   string
	cancel context.CancelFunc
	done   chan struct{}
	mon    *Monitor
}

// Stop cancels the task's context.
func (h TaskHandle) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
}

// Done is closed when the task exits for good.
func (h TaskHandle) Done() <-chan struct{} {
	return h.done
}

// Status reads the latest status for the task.
func (h TaskHandle) Status() TaskStatus {
	return h.mon.taskStatus(h.Name)
}

// Go runs fn once in its own goroutine, recovering panics and recording the
// outcome.
func (m *Monitor) Go(name string, fn TaskFunc) TaskHandle {
	rec := m.register(name)
	taskCtx, cancel := context.WithCancel(m.ctx)
	done := make(chan struct{})

	m.wg.Add(1)
	go func() {
		defer close(done)
		defer m.wg.Done()
		defer cancel()
		m.settle(rec, taskCtx, m.runOnce(taskCtx, rec, fn))
	}()

	return TaskHandle{Name: rec.name, cancel: cancel, done: done, mon: m}
}

// Supervise runs fn in its own goroutine and restarts it with exponential
// backoff whenever it fails or panics. A run that survives the restart floor
// resets the backoff. The task ends only when fn returns nil or its context
// is canceled.
func (m *Monitor) Supervise(name string, fn TaskFunc) TaskHandle {
	rec := m.register(name)
	taskCtx, cancel := context.WithCancel(m.ctx)
	done := make(chan struct{})

	m.wg.Add(1)
	go func() {
		defer close(done)
		defer m.wg.Done()
		defer cancel()

		bo := backoff.NewExponentialBackOff()
		bo.MaxElapsedTime = 0
		for {
			began := time.Now()
			err := m.runOnce(taskCtx, rec, fn)
			if taskCtx.Err() != nil || err == nil {
				m.settle(rec, taskCtx, err)
				return
			}
			if time.Since(began) >= m.restartFloor {
				bo.Reset()
			}
			wait := bo.NextBackOff()
			m.logger.Printf("monitor: task %s down, restarting in %s: %v",
				rec.name, wait.Truncate(time.Millisecond), err)
			select {
			case <-taskCtx.Done():
				m.settle(rec, taskCtx, taskCtx.Err())
				return
			case <-time.After(wait):
			}
			rec.revive()
		}
	}()

	return TaskHandle{Name: rec.name, cancel: cancel, done: done, mon: m}
}

// Watch registers a task whose loop runs elsewhere, typically on a shared
// scheduler, and returns the heartbeat that loop must tick. The monitor only
// does stall detection for watched tasks; it never runs or restarts them.
func (m *Monitor) Watch(name string) Heartbeat {
	rec := m.register(name)
	return &heartbeat{task: rec}
}

// panicError carries a recovered panic through the normal error path.
type panicError struct {
	value string
}

func (e *panicError) Error() string {
	return "panic: " + e.value
}

// runOnce executes fn under panic recovery and returns its outcome.
func (m *Monitor) runOnce(ctx context.Context, rec *task, fn TaskFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: fmt.Sprint(r)}
			m.logger.Printf("monitor: task %s panicked: %v", rec.name, r)
		}
	}()
	return fn(ctx, &heartbeat{task: rec})
}

// settle records the terminal state for a finished run.
func (m *Monitor) settle(rec *task, ctx context.Context, err error) {
	var pe *panicError
	switch {
	case errors.As(err, &pe):
		rec.finish(TaskStatePanicked, nil, pe.value)
	case err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		rec.finish(TaskStateCanceled, err, "")
	case err != nil:
		rec.finish(TaskStateFailed, err, "")
		m.logger.Printf("monitor: task %s failed: %v", rec.name, err)
	case ctx.Err() != nil:
		rec.finish(TaskStateCanceled, ctx.Err(), "")
	default:
		rec.finish(TaskStateCompleted, nil, "")
	}
}

func (m *Monitor) register(name string) *task {
	if name == "" {
		name = fmt.Sprintf("task-%d", atomic.AddUint64(&m.seq, 1))
	}
	now := time.Now()
	rec := &task{
		name:          name,
		start:         now,
		lastHeartbeat: now,
		state:         TaskStateRunning,
	}
	m.mu.Lock()
	m.tasks[name] = rec
	m.mu.Unlock()
	return rec
}

// Snapshot returns a point-in-time view of all monitored tasks.
func (m *Monitor) Snapshot() MonitorStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := MonitorStatus{
		StartedAt: m.startedAt,
		Tasks:     make([]TaskStatus, 0, len(m.tasks)),
	}
	for _, rec := range m.tasks {
		status.Tasks = append(status.Tasks, rec.status())
	}
	return status
}

// Stop cancels all owned tasks and waits for them to exit. Watched tasks are
// external and keep whatever lifecycle their scheduler gives them.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

func (m *Monitor) taskStatus(name string) TaskStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rec, ok := m.tasks[name]; ok {
		return rec.status()
	}
	return TaskStatus{Name: name}
}

func (m *Monitor) inspectLoop() {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.inspect()
		}
	}
}

func (m *Monitor) inspect() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range m.tasks {
		rec.mu.Lock()
		if rec.state == TaskStateRunning {
			quiet := now.Sub(rec.lastHeartbeat)
			if quiet > m.stallThreshold {
				if !rec.stalled {
					rec.stalled = true
					m.logger.Printf("monitor: task %s stalled (%s without heartbeat)",
						rec.name, quiet.Truncate(time.Millisecond))
				}
			} else if rec.stalled {
				rec.stalled = false
				m.logger.Printf("monitor: task %s recovered after stall", rec.name)
			}
		}
		rec.mu.Unlock()
	}
}

type heartbeat struct {
	task *task
}

func (h *heartbeat) Tick() {
	h.task.mu.Lock()
	h.task.lastHeartbeat = time.Now()
	h.task.mu.Unlock()
}

type task struct {
	mu            sync.RWMutex
	name          string
	start         time.Time
	end           time.Time
	lastHeartbeat time.Time
	state         TaskState
	errMsg        string
	panicMsg      string
	restarts      uint32
	stalled       bool
}

// revive puts a supervised task back into the running state for its next
// attempt.
func (t *task) revive() {
	t.mu.Lock()
	t.state = TaskStateRunning
	t.lastHeartbeat = time.Now()
	t.restarts++
	t.errMsg = ""
	t.panicMsg = ""
	t.mu.Unlock()
}

func (t *task) finish(state TaskState, err error, panicMsg string) {
	t.mu.Lock()
	t.state = state
	t.end = time.Now()
	if err != nil {
		t.errMsg = err.Error()
	}
	t.panicMsg = panicMsg
	t.mu.Unlock()
}

func (t *task) status() TaskStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return TaskStatus{
		Name:             t.name,
		State:            t.state,
		StartTime:        t.start,
		EndTime:          t.end,
		LastHeartbeat:    t.lastHeartbeat,
		Error:            t.errMsg,
		Panic:            t.panicMsg,
		Restarts:         t.restarts,
		HeartbeatStalled: t.stalled,
	}
}
