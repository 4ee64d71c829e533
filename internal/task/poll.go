// Package task polls asynchronous vendor jobs until they reach a terminal status.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Status is the common status set vendor task states are mapped onto.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusSucceeded  Status = "SUCCEEDED"
	StatusFailed     Status = "FAILED"
	StatusUnknown    Status = "UNKNOWN"
)

// Terminal reports whether polling stops at s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusUnknown:
		return true
	default:
		return false
	}
}

// ErrRetriesExhausted is returned when the task is still running after the last poll.
var ErrRetriesExhausted = errors.New("task polling retries exhausted")

// FailedError reports a task that ended FAILED or UNKNOWN.
type FailedError struct {
	TaskID  string
	Status  Status
	Code    string
	Message string
}

func (e *FailedError) Error() string {
	msg := fmt.Sprintf("task %s ended %s", e.TaskID, e.Status)
	if e.Code != "" {
		msg += " (code " + e.Code + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// Snapshot is one observation of a task.
type Snapshot[T any] struct {
	Status  Status
	Result  T
	Code    string
	Message string
}

// CheckFunc fetches the current task state.
type CheckFunc[T any] func(ctx context.Context) (Snapshot[T], error)

// Policy bounds the polling loop. MaxRetries is the maximum number of checks.
type Policy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
	// Jitter is the randomization factor in [0, 1) applied to each delay.
	Jitter float64
}

// DefaultPolicy suits image generation jobs that finish within a minute or two.
var DefaultPolicy = Policy{
	BaseDelay:  time.Second,
	MaxDelay:   10 * time.Second,
	MaxRetries: 20,
	Jitter:     0.2,
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	b.Reset()

	retries := p.MaxRetries - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

var errNotDone = errors.New("task not finished")

// Poll calls check until the task is terminal, the policy is exhausted or ctx ends.
// Transport errors from check abort polling immediately.
func Poll[T any](ctx context.Context, taskID string, policy Policy, check CheckFunc[T]) (T, error) {
	var (
		result T
		polls  int
	)

	operation := func() error {
		polls++
		snap, err := check(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		switch snap.Status {
		case StatusSucceeded:
			result = snap.Result
			return nil
		case StatusFailed, StatusUnknown:
			return backoff.Permanent(&FailedError{TaskID: taskID, Status: snap.Status, Code: snap.Code, Message: snap.Message})
		default:
			return errNotDone
		}
	}
	notify := func(_ error, delay time.Duration) {
		slog.Debug("task not finished, polling again", "task_id", taskID, "polls", polls, "delay_ms", delay.Milliseconds())
	}

	err := backoff.RetryNotify(operation, policy.backOff(ctx), notify)
	switch {
	case err == nil:
		return result, nil
	case errors.Is(err, errNotDone):
		var zero T
		return zero, fmt.Errorf("%w: task %s after %d polls", ErrRetriesExhausted, taskID, polls)
	default:
		var zero T
		return zero, err
	}
}
