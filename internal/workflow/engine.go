// Package workflow runs cron-triggered functions as durable, steppable runs.
// Step results and event waits are journaled in SQLite so an interrupted run
// resumes where it stopped.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	// ErrWaitTimeout is returned by WaitForEvent when the deadline passes.
	ErrWaitTimeout = errors.New("workflow: wait timed out")
	// ErrNotFound is returned for unknown runs, waits and functions.
	ErrNotFound = errors.New("workflow: not found")
)

// Handler is the body of a workflow function. The returned text is stored as
// the run output.
type Handler func(ctx context.Context, run *Run) (string, error)

// Function is a registered workflow.
type Function struct {
	ID       string
	Cron     string
	Timezone string
	Handler  Handler
}

// Event resolves waits with a matching Name and Correlation.
type Event struct {
	Name        string            `json:"name"`
	Correlation string            `json:"correlation"`
	Data        map[string]string `json:"data,omitempty"`
}

// Engine is the workflow surface the rest of the runtime depends on.
type Engine interface {
	Register(fn Function) error
	Start(ctx context.Context) error
	Trigger(ctx context.Context, functionID string) (string, error)
	Send(ctx context.Context, evt Event) error
	Awaiting(ctx context.Context, event, correlation string) (bool, error)
}

// Options configures a LocalEngine.
type Options struct {
	Journal       *Journal
	StateDir      string
	TickInterval  time.Duration
	MaxConcurrent int
	StepAttempts  int
	StepBackoff   time.Duration
	Relay         Relay
}

type registered struct {
	fn       Function
	schedule Schedule
	hasCron  bool
}

// LocalEngine is the in-process Engine backed by a Journal.
type LocalEngine struct {
	journal      *Journal
	relay        Relay
	lock         *FileLock
	sem          *Semaphore
	tickInterval time.Duration
	stepAttempts int
	stepBackoff  time.Duration

	mu        sync.RWMutex
	functions map[string]*registered

	waitMu  sync.Mutex
	waiters map[string][]chan Event
	early   map[string]earlyEvent

	wg  sync.WaitGroup
	now func() time.Time
}

type earlyEvent struct {
	evt Event
	at  time.Time
}

const earlyEventTTL = 5 * time.Minute

// NewLocalEngine creates an engine. Journal is required.
func NewLocalEngine(opts Options) (*LocalEngine, error) {
	if opts.Journal == nil {
		return nil, errors.New("workflow: journal is required")
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 30 * time.Second
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 3
	}
	if opts.StepAttempts <= 0 {
		opts.StepAttempts = 3
	}
	if opts.StepBackoff <= 0 {
		opts.StepBackoff = time.Second
	}
	lockPath := filepath.Join(opts.StateDir, "workflow.lock")
	return &LocalEngine{
		journal:      opts.Journal,
		relay:        opts.Relay,
		lock:         NewFileLock(lockPath),
		sem:          NewSemaphore(opts.MaxConcurrent),
		tickInterval: opts.TickInterval,
		stepAttempts: opts.StepAttempts,
		stepBackoff:  opts.StepBackoff,
		functions:    make(map[string]*registered),
		waiters:      make(map[string][]chan Event),
		early:        make(map[string]earlyEvent),
		now:          time.Now,
	}, nil
}

// Register adds a function. A non-empty Cron makes it fire on schedule.
func (e *LocalEngine) Register(fn Function) error {
	if fn.ID == "" || fn.Handler == nil {
		return errors.New("workflow: function needs an ID and a handler")
	}
	r := &registered{fn: fn}
	if fn.Cron != "" {
		s, err := ParseSchedule(fn.Cron, fn.Timezone)
		if err != nil {
			return fmt.Errorf("function %s: %w", fn.ID, err)
		}
		r.schedule = s
		r.hasCron = true
	}
	e.mu.Lock()
	e.functions[fn.ID] = r
	e.mu.Unlock()
	slog.Info("Workflow function registered", "id", fn.ID, "cron", fn.Cron, "tz", fn.Timezone)
	return nil
}

// Functions returns the registered function IDs.
func (e *LocalEngine) Functions() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.functions))
	for id := range e.functions {
		ids = append(ids, id)
	}
	return ids
}

// Start resumes unfinished runs, starts the event relay and launches the tick
// loop. It returns once everything is running; the loop stops with ctx.
func (e *LocalEngine) Start(ctx context.Context) error {
	if e.relay != nil {
		if err := e.relay.Start(ctx, e.deliver); err != nil {
			return fmt.Errorf("start event relay: %w", err)
		}
	}
	if err := e.resume(ctx); err != nil {
		return err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		slog.Info("Workflow engine started", "tick", e.tickInterval, "functions", len(e.Functions()))
		ticker := time.NewTicker(e.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				slog.Info("Workflow engine stopped")
				return
			case t := <-ticker.C:
				e.tick(ctx, t)
			}
		}
	}()
	return nil
}

// Wait blocks until the tick loop and all dispatched runs have returned.
func (e *LocalEngine) Wait() {
	e.wg.Wait()
	if e.relay != nil {
		_ = e.relay.Close()
	}
}

func (e *LocalEngine) resume(ctx context.Context) error {
	runs, err := e.journal.UnfinishedRuns()
	if err != nil {
		return fmt.Errorf("list unfinished runs: %w", err)
	}
	for _, rec := range runs {
		e.mu.RLock()
		r := e.functions[rec.FunctionID]
		e.mu.RUnlock()
		if r == nil {
			slog.Warn("Dropping run of unregistered workflow", "run_id", rec.ID, "function", rec.FunctionID)
			_ = e.journal.FinishRun(rec.ID, StatusFailed, "", "function not registered")
			continue
		}
		slog.Info("Resuming workflow run", "run_id", rec.ID, "function", rec.FunctionID)
		e.dispatch(ctx, r, rec)
	}
	return nil
}

// tick acquires the state-dir lock and dispatches every function due in the
// current minute that has not fired for it yet.
func (e *LocalEngine) tick(ctx context.Context, now time.Time) {
	acquired, err := e.lock.TryLock()
	if err != nil {
		slog.Warn("Workflow lock error", "error", err)
		return
	}
	if !acquired {
		slog.Debug("Workflow tick skipped: lock held by another process")
		return
	}
	defer e.lock.Unlock()

	e.mu.RLock()
	due := make([]*registered, 0)
	for _, r := range e.functions {
		if r.hasCron && r.schedule.Due(now) {
			due = append(due, r)
		}
	}
	e.mu.RUnlock()

	for _, r := range due {
		fresh, err := e.journal.MarkFired(r.fn.ID, now)
		if err != nil {
			slog.Warn("Workflow fire marker failed", "function", r.fn.ID, "error", err)
			continue
		}
		if !fresh {
			continue
		}
		if _, err := e.startRun(ctx, r, now); err != nil {
			slog.Error("Workflow run not started", "function", r.fn.ID, "error", err)
		}
	}
	_ = e.journal.PruneFires(now.Add(-48 * time.Hour))
}

// Trigger starts a run of functionID immediately, outside its cron.
func (e *LocalEngine) Trigger(ctx context.Context, functionID string) (string, error) {
	e.mu.RLock()
	r := e.functions[functionID]
	e.mu.RUnlock()
	if r == nil {
		return "", fmt.Errorf("%w: function %s", ErrNotFound, functionID)
	}
	return e.startRun(ctx, r, e.now())
}

func (e *LocalEngine) startRun(ctx context.Context, r *registered, firedAt time.Time) (string, error) {
	id := ulid.Make().String()
	if err := e.journal.CreateRun(id, r.fn.ID, firedAt); err != nil {
		return "", err
	}
	slog.Info("Workflow run started", "run_id", id, "function", r.fn.ID)
	e.dispatch(ctx, r, RunRecord{ID: id, FunctionID: r.fn.ID, Status: StatusRunning, FiredAt: firedAt})
	return id, nil
}

func (e *LocalEngine) dispatch(ctx context.Context, r *registered, rec RunRecord) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.sem.Acquire(ctx); err != nil {
			return
		}
		defer e.sem.Release()
		e.execute(ctx, r, rec)
	}()
}

func (e *LocalEngine) execute(ctx context.Context, r *registered, rec RunRecord) {
	run := &Run{ID: rec.ID, FunctionID: rec.FunctionID, FiredAt: rec.FiredAt, engine: e}
	out, err := safeHandle(ctx, r.fn.Handler, run)
	if err != nil && ctx.Err() != nil {
		slog.Info("Workflow run interrupted, will resume", "run_id", rec.ID)
		return
	}
	status, errText := StatusCompleted, ""
	if err != nil {
		status, errText = StatusFailed, err.Error()
		slog.Warn("Workflow run failed", "run_id", rec.ID, "function", rec.FunctionID, "error", err)
	} else {
		slog.Info("Workflow run completed", "run_id", rec.ID, "function", rec.FunctionID)
	}
	if ferr := e.journal.FinishRun(rec.ID, status, out, errText); ferr != nil {
		slog.Error("Workflow run status not saved", "run_id", rec.ID, "error", ferr)
	}
}

func safeHandle(ctx context.Context, h Handler, run *Run) (out string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("workflow handler panic: %v", p)
		}
	}()
	return h(ctx, run)
}

// Send resolves waits matching evt in this process and, with a relay
// configured, publishes it so other processes sharing the topic see it too.
func (e *LocalEngine) Send(ctx context.Context, evt Event) error {
	e.deliver(evt)
	if e.relay != nil {
		if err := e.relay.Publish(ctx, evt); err != nil {
			slog.Warn("Event relay publish failed", "event", evt.Name, "correlation", evt.Correlation, "error", err)
		}
	}
	return nil
}

// Awaiting reports whether a wait for event/correlation may still be
// resolved. A wait journaled here answers directly. Without a journaled wait,
// a running run whose ID is the correlation is about to wait; with a relay the
// wait may belong to another process, so the answer is yes.
func (e *LocalEngine) Awaiting(ctx context.Context, event, correlation string) (bool, error) {
	w, err := e.journal.FindWait(event, correlation)
	switch {
	case err == nil:
		return w.Status == waitPending && e.now().Before(w.Deadline), nil
	case !errors.Is(err, ErrNotFound):
		return false, err
	}
	if rec, err := e.journal.GetRun(correlation); err == nil {
		return rec.Status == StatusRunning, nil
	} else if !errors.Is(err, ErrNotFound) {
		return false, err
	}
	return e.relay != nil, nil
}

func waitKey(event, correlation string) string {
	return event + "\x00" + correlation
}

func (e *LocalEngine) deliver(evt Event) {
	payload, _ := json.Marshal(evt)
	n, err := e.journal.MatchWaits(evt.Name, evt.Correlation, string(payload))
	if err != nil {
		slog.Warn("Event wait match failed", "event", evt.Name, "error", err)
	}

	key := waitKey(evt.Name, evt.Correlation)
	e.waitMu.Lock()
	chans := e.waiters[key]
	delete(e.waiters, key)
	if len(chans) == 0 && n == 0 {
		e.early[key] = earlyEvent{evt: evt, at: e.now()}
	}
	e.waitMu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- evt:
		default:
		}
	}
	slog.Debug("Event delivered", "event", evt.Name, "correlation", evt.Correlation, "journal_matches", n, "local_waiters", len(chans))
}

func (e *LocalEngine) addWaiter(key string) (chan Event, *Event) {
	e.waitMu.Lock()
	defer e.waitMu.Unlock()
	for k, ev := range e.early {
		if e.now().Sub(ev.at) > earlyEventTTL {
			delete(e.early, k)
		}
	}
	if ev, ok := e.early[key]; ok {
		delete(e.early, key)
		return nil, &ev.evt
	}
	ch := make(chan Event, 1)
	e.waiters[key] = append(e.waiters[key], ch)
	return ch, nil
}

func (e *LocalEngine) removeWaiter(key string, ch chan Event) {
	e.waitMu.Lock()
	defer e.waitMu.Unlock()
	chans := e.waiters[key]
	for i, c := range chans {
		if c == ch {
			e.waiters[key] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(e.waiters[key]) == 0 {
		delete(e.waiters, key)
	}
}

// Journal exposes the engine's journal.
func (e *LocalEngine) Journal() *Journal { return e.journal }

var _ Engine = (*LocalEngine)(nil)
