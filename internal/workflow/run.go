package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Run is one execution of a Function. Its steps and waits are journaled
// under ID.
type Run struct {
	ID         string
	FunctionID string
	FiredAt    time.Time

	engine *LocalEngine
}

// Step runs fn once per run. A completed step returns its journaled output
// without calling fn again. Failures are retried with exponential backoff.
func (r *Run) Step(ctx context.Context, name string, fn func(ctx context.Context) (string, error)) (string, error) {
	e := r.engine
	out, ok, err := e.journal.StepOutput(r.ID, name)
	if err != nil {
		return "", fmt.Errorf("step %s: read journal: %w", name, err)
	}
	if ok {
		slog.Debug("Workflow step replayed", "run_id", r.ID, "step", name)
		return out, nil
	}

	backoff := e.stepBackoff
	var lastErr error
	for attempt := 1; attempt <= e.stepAttempts; attempt++ {
		out, err := fn(ctx)
		if err == nil {
			if err := e.journal.SaveStep(r.ID, name, out); err != nil {
				return "", fmt.Errorf("step %s: save: %w", name, err)
			}
			return out, nil
		}
		lastErr = err
		var perm *permanentError
		if errors.As(err, &perm) || ctx.Err() != nil {
			break
		}
		if attempt < e.stepAttempts {
			slog.Warn("Workflow step failed, retrying", "run_id", r.ID, "step", name, "attempt", attempt, "backoff", backoff, "error", err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
			backoff *= 2
		}
	}
	return "", fmt.Errorf("step %s: %w", name, lastErr)
}

// WaitForEvent blocks until an event with the given name and correlation is
// sent or timeout elapses, returning ErrWaitTimeout in the latter case. The
// deadline is persisted, so a resumed run waits only for the remaining time.
func (r *Run) WaitForEvent(ctx context.Context, name, event, correlation string, timeout time.Duration) (Event, error) {
	e := r.engine
	existing, err := e.journal.GetWait(r.ID, name)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Event{}, fmt.Errorf("wait %s: %w", name, err)
	}
	if existing != nil {
		if evt, done, err := resolvedWait(existing); done {
			return evt, err
		}
	}

	key := waitKey(event, correlation)
	ch, early := e.addWaiter(key)
	if ch != nil {
		defer e.removeWaiter(key, ch)
	}

	deadline := e.now().Add(timeout)
	if existing != nil {
		deadline = existing.Deadline
	} else if err := e.journal.CreateWait(WaitRecord{RunID: r.ID, Name: name, Event: event, Correlation: correlation, Deadline: deadline}); err != nil {
		return Event{}, fmt.Errorf("wait %s: persist: %w", name, err)
	}
	if early != nil {
		payload, _ := json.Marshal(early)
		_, _ = e.journal.MatchWaits(event, correlation, string(payload))
		return *early, nil
	}

	// An event may have matched the journal row before the waiter existed.
	if w, err := e.journal.GetWait(r.ID, name); err == nil {
		if evt, done, err := resolvedWait(w); done {
			return evt, err
		}
	}

	remaining := deadline.Sub(e.now())
	if remaining <= 0 {
		return r.expire(name)
	}
	slog.Info("Workflow waiting for event", "run_id", r.ID, "event", event, "correlation", correlation, "remaining", remaining.Round(time.Second))

	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case evt := <-ch:
		return evt, nil
	case <-timer.C:
		return r.expire(name)
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (r *Run) expire(name string) (Event, error) {
	expired, err := r.engine.journal.ExpireWait(r.ID, name)
	if err != nil {
		return Event{}, err
	}
	if !expired {
		if w, err := r.engine.journal.GetWait(r.ID, name); err == nil {
			if evt, done, err := resolvedWait(w); done {
				return evt, err
			}
		}
	}
	return Event{}, ErrWaitTimeout
}

func resolvedWait(w *WaitRecord) (Event, bool, error) {
	switch w.Status {
	case waitMatched:
		var evt Event
		if err := json.Unmarshal([]byte(w.Payload), &evt); err != nil {
			return Event{Name: w.Event, Correlation: w.Correlation}, true, nil
		}
		return evt, true, nil
	case waitTimeout:
		return Event{}, true, ErrWaitTimeout
	}
	return Event{}, false, nil
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks a step error as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}
