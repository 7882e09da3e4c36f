package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Recorder persists exchanges outside the process. Implementations must be
// safe to call from the goroutine that settles a submission.
type Recorder interface {
	RecordExchange(ctx context.Context, sessionID uuid.UUID, seq int, ex Exchange) error
	LoadExchanges(ctx context.Context, sessionID uuid.UUID) ([]Exchange, error)
}

// Log is the ordered, append-only record of completed exchanges for one
// session. Readers get copies and never observe a partially built exchange.
type Log struct {
	sessionID uuid.UUID
	recorder  Recorder
	logger    *slog.Logger

	mu        sync.RWMutex
	exchanges []Exchange
}

// NewLog creates an empty log. recorder may be nil.
func NewLog(sessionID uuid.UUID, recorder Recorder, logger *slog.Logger) *Log {
	return &Log{
		sessionID: sessionID,
		recorder:  recorder,
		logger:    logger,
	}
}

// Restore replaces the in-memory history with what the recorder holds for
// this session. It is meant to be called once, before any submission.
func (l *Log) Restore(ctx context.Context) error {
	if l.recorder == nil {
		return nil
	}
	exs, err := l.recorder.LoadExchanges(ctx, l.sessionID)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.exchanges = exs
	l.mu.Unlock()
	l.logger.Info("conversation restored", "session_id", l.sessionID, "exchanges", len(exs))
	return nil
}

// Append adds ex at the tail. A recorder failure is logged; the in-memory
// log stays authoritative.
func (l *Log) Append(ctx context.Context, ex Exchange) {
	ex.Sources = copySources(ex.Sources)

	l.mu.Lock()
	l.exchanges = append(l.exchanges, ex)
	seq := len(l.exchanges)
	l.mu.Unlock()

	if l.recorder == nil {
		return
	}
	if err := l.recorder.RecordExchange(ctx, l.sessionID, seq, ex); err != nil {
		l.logger.Error("failed to record exchange",
			"session_id", l.sessionID,
			"exchange_id", ex.ID,
			"error", err,
		)
	}
}

// Exchanges returns the history in completion order.
func (l *Log) Exchanges() []Exchange {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Exchange, len(l.exchanges))
	for i, ex := range l.exchanges {
		ex.Sources = copySources(ex.Sources)
		out[i] = ex
	}
	return out
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.exchanges)
}

func (l *Log) SessionID() uuid.UUID {
	return l.sessionID
}

// copySources returns a non-nil copy so callers never share a backing array
// with the log.
func copySources(src []SourceCitation) []SourceCitation {
	out := make([]SourceCitation, len(src))
	copy(out, src)
	return out
}
