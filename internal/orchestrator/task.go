package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/ragchat/internal/staging"
)

// Task is one in-flight submission. Its input was captured when Submit
// was called; later staging edits do not reach it.
type Task struct {
	ID        uuid.UUID
	Input     staging.Input
	StartedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}
	result Result
}

// Done is closed once the task has settled and the orchestrator is idle.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task settles and returns its result.
func (t *Task) Wait() Result {
	<-t.done
	return t.result
}

// Result returns the settlement, or false if the task is still running.
func (t *Task) Result() (Result, bool) {
	select {
	case <-t.done:
		return t.result, true
	default:
		return Result{}, false
	}
}

// Cancel abandons the network call in progress. The task settles as a
// failure on the step that was running.
func (t *Task) Cancel() {
	t.cancel()
}
