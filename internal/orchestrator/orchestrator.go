package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/ragchat/internal/conversation"
	"github.com/MikeSquared-Agency/ragchat/internal/gateway"
	"github.com/MikeSquared-Agency/ragchat/internal/hermes"
	"github.com/MikeSquared-Agency/ragchat/internal/staging"
)

// Notifier receives one human-readable message per failed submission.
type Notifier interface {
	Notify(message string)
}

// NotifierFunc adapts a plain function to Notifier.
type NotifierFunc func(message string)

func (f NotifierFunc) Notify(message string) { f(message) }

// Publisher is satisfied by *hermes.Client.
type Publisher interface {
	Publish(subject string, data any) error
}

type Config struct {
	// SubmitTimeout bounds a whole submission. Zero means no limit.
	SubmitTimeout time.Duration
	// FlashInterval is how long JustSucceeded stays true after a success.
	FlashInterval time.Duration
}

// Orchestrator turns staged input into exchanges: it validates the staged
// input, uploads files, asks the question and reconciles the outcome into
// the conversation log and staging store. At most one submission runs at
// a time.
type Orchestrator struct {
	staging   *staging.Store
	log       *conversation.Log
	gateway   gateway.Gateway
	notifier  Notifier
	publisher Publisher
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	// deliver serializes transition delivery so observers see changes in
	// the order they happened. Always taken before mu.
	deliver sync.Mutex

	mu            sync.Mutex
	state         State
	current       *Task
	lastSuccessAt time.Time
	observers     []func(Transition)
}

func New(st *staging.Store, log *conversation.Log, gw gateway.Gateway, cfg Config, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		staging: st,
		log:     log,
		gateway: gw,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		state:   Idle,
	}
}

// SetNotifier sets where failure messages go. A submission uses the
// notifier installed when it settles.
func (o *Orchestrator) SetNotifier(n Notifier) {
	o.mu.Lock()
	o.notifier = n
	o.mu.Unlock()
}

// SetPublisher enables settlement events.
func (o *Orchestrator) SetPublisher(p Publisher) {
	o.mu.Lock()
	o.publisher = p
	o.mu.Unlock()
}

// OnTransition registers fn to be called, in order, for every state change.
// Callbacks run one at a time on the goroutine that made the change. They
// must not block or call Submit; the notifier must not call Submit either.
func (o *Orchestrator) OnTransition(fn func(Transition)) {
	o.mu.Lock()
	o.observers = append(o.observers, fn)
	o.mu.Unlock()
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Current returns the in-flight task, or nil when idle.
func (o *Orchestrator) Current() *Task {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// JustSucceeded is true for FlashInterval after the latest successful
// settlement, then clears on its own.
func (o *Orchestrator) JustSucceeded() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastSuccessAt.IsZero() {
		return false
	}
	return o.now().Sub(o.lastSuccessAt) < o.cfg.FlashInterval
}

// Cancel abandons the in-flight submission, if any.
func (o *Orchestrator) Cancel() bool {
	t := o.Current()
	if t == nil {
		return false
	}
	t.Cancel()
	return true
}

// Submit starts a submission of whatever is staged right now. It returns
// ErrEmptyInput or ErrBusy without changing state or touching the network;
// otherwise the returned task runs in the background.
//
// The task does not inherit ctx's cancellation, only its values, so a
// short-lived caller such as an HTTP handler can start a submission and
// return.
func (o *Orchestrator) Submit(ctx context.Context) (*Task, error) {
	o.deliver.Lock()
	defer o.deliver.Unlock()

	o.mu.Lock()
	if o.state != Idle {
		o.mu.Unlock()
		return nil, ErrBusy
	}
	in := o.staging.Snapshot()
	if !in.Valid() {
		o.mu.Unlock()
		return nil, ErrEmptyInput
	}

	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if o.cfg.SubmitTimeout > 0 {
		var cancelTimeout context.CancelFunc
		taskCtx, cancelTimeout = context.WithTimeout(taskCtx, o.cfg.SubmitTimeout)
		parent := cancel
		cancel = func() {
			cancelTimeout()
			parent()
		}
	}

	t := &Task{
		ID:        uuid.New(),
		Input:     in,
		StartedAt: o.now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	o.current = t
	tr := o.setStateLocked(t, Uploading)
	observers := o.observers
	o.mu.Unlock()

	o.logger.Info("submission started",
		"task_id", t.ID,
		"files", len(in.Files),
		"question_len", len(in.Question),
	)
	notify(observers, tr)

	go o.run(taskCtx, t)
	return t, nil
}

func (o *Orchestrator) run(ctx context.Context, t *Task) {
	defer t.cancel()

	if len(t.Input.Files) > 0 {
		if err := o.gateway.Upload(ctx, t.Input.Files); err != nil {
			o.settle(t, failure(StepUpload, err))
			return
		}
		o.logger.Info("files uploaded", "task_id", t.ID, "files", len(t.Input.Files))
	}

	o.transition(t, Querying)

	if err := ctx.Err(); err != nil {
		o.settle(t, failure(StepQuery, err))
		return
	}
	res, err := o.gateway.Query(ctx, t.Input.Question)
	if err != nil {
		o.settle(t, failure(StepQuery, err))
		return
	}

	ex := conversation.Exchange{
		ID:        uuid.New(),
		Question:  t.Input.Question,
		Answer:    res.Answer,
		Sources:   res.Sources,
		Themes:    res.Themes,
		CreatedAt: o.now().UTC(),
	}
	if ex.Sources == nil {
		ex.Sources = []conversation.SourceCitation{}
	}

	// The exchange is final once the answer arrived; a deadline expiring now
	// must not cut off recording it.
	o.log.Append(context.WithoutCancel(ctx), ex)
	o.staging.Clear()
	o.settle(t, success(ex))
}

// settle records the outcome, passes through the Settled state and returns
// to Idle before releasing waiters on the task.
func (o *Orchestrator) settle(t *Task, res Result) {
	to := SettledSuccess
	if !res.Succeeded() {
		to = SettledFailure
	}

	// Held through the return to Idle so no other submission's transitions
	// are delivered between Settled and Idle.
	o.deliver.Lock()
	defer o.deliver.Unlock()

	o.mu.Lock()
	if res.Succeeded() {
		o.lastSuccessAt = o.now()
	}
	tr := o.setStateLocked(t, to)
	observers := o.observers
	notifier, publisher := o.notifier, o.publisher
	o.mu.Unlock()
	notify(observers, tr)

	elapsed := o.now().Sub(t.StartedAt)
	if res.Succeeded() {
		o.logger.Info("submission succeeded",
			"task_id", t.ID,
			"exchange_id", res.Exchange.ID,
			"sources", len(res.Exchange.Sources),
			"duration", elapsed,
		)
	} else {
		o.logger.Error("submission failed",
			"task_id", t.ID,
			"step", string(res.Err.Step),
			"error", res.Err.Err,
			"duration", elapsed,
		)
		if notifier != nil {
			notifier.Notify(res.Err.Error())
		}
	}
	o.publish(publisher, t, res, elapsed)

	t.result = res

	o.mu.Lock()
	o.current = nil
	tr = o.setStateLocked(t, Idle)
	observers = o.observers
	o.mu.Unlock()
	notify(observers, tr)

	close(t.done)
}

func (o *Orchestrator) transition(t *Task, to State) {
	o.deliver.Lock()
	defer o.deliver.Unlock()

	o.mu.Lock()
	tr := o.setStateLocked(t, to)
	observers := o.observers
	o.mu.Unlock()
	notify(observers, tr)
}

func (o *Orchestrator) setStateLocked(t *Task, to State) Transition {
	tr := Transition{TaskID: t.ID, From: o.state, To: to, At: o.now()}
	o.state = to
	return tr
}

func notify(observers []func(Transition), tr Transition) {
	for _, fn := range observers {
		fn(tr)
	}
}

func (o *Orchestrator) publish(publisher Publisher, t *Task, res Result, elapsed time.Duration) {
	if publisher == nil {
		return
	}
	evt := hermes.SettlementEvent{
		SessionID:  o.log.SessionID().String(),
		TaskID:     t.ID.String(),
		Question:   t.Input.Question,
		Files:      len(t.Input.Files),
		DurationMS: elapsed.Milliseconds(),
	}
	if res.Succeeded() {
		evt.Outcome = "success"
		evt.ExchangeID = res.Exchange.ID.String()
		evt.Sources = len(res.Exchange.Sources)
	} else {
		evt.Outcome = "failure"
		evt.Step = string(res.Err.Step)
		evt.Error = res.Err.Error()
	}
	if err := publisher.Publish(hermes.SubjectSettled, evt); err != nil {
		o.logger.Warn("failed to publish settlement", "task_id", t.ID, "error", err)
	}
}
