package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/ragchat/internal/conversation"
)

// State is the orchestrator's position in the submission lifecycle.
type State int

const (
	Idle State = iota
	Uploading
	Querying
	SettledSuccess
	SettledFailure
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Uploading:
		return "uploading"
	case Querying:
		return "querying"
	case SettledSuccess:
		return "settled_success"
	case SettledFailure:
		return "settled_failure"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// InFlight reports whether a submission is between start and settlement.
func (s State) InFlight() bool {
	return s == Uploading || s == Querying
}

// Step names the network call a submission failed on.
type Step string

const (
	StepUpload Step = "upload"
	StepQuery  Step = "query"
)

var (
	// ErrEmptyInput is returned by Submit when neither a question nor any
	// file is staged. Presenters ignore it silently.
	ErrEmptyInput = errors.New("nothing to submit")
	// ErrBusy is returned by Submit while another submission is in flight.
	ErrBusy = errors.New("a submission is already in flight")
)

// SubmissionError is the failure cause of one submission.
type SubmissionError struct {
	Step Step
	Err  error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Step, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// Result is the settlement of one submission: exactly one of Exchange or
// Err is set.
type Result struct {
	Exchange *conversation.Exchange
	Err      *SubmissionError
}

func (r Result) Succeeded() bool {
	return r.Exchange != nil
}

func success(ex conversation.Exchange) Result {
	return Result{Exchange: &ex}
}

func failure(step Step, err error) Result {
	return Result{Err: &SubmissionError{Step: step, Err: err}}
}

// Transition is delivered to observers on every state change.
type Transition struct {
	TaskID uuid.UUID
	From   State
	To     State
	At     time.Time
}
