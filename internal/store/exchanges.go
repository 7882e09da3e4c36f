package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/ragchat/internal/conversation"
)

// RecordExchange writes an exchange and its citations in a single
// transaction. seq orders exchanges within a session.
func (s *Store) RecordExchange(ctx context.Context, sessionID uuid.UUID, seq int, ex conversation.Exchange) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	createdAt := ex.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO exchanges (id, session_id, seq, question, answer, themes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ex.ID, sessionID, seq, ex.Question, ex.Answer, ex.Themes, createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert exchange: %w", err)
	}

	for i, src := range ex.Sources {
		_, err = tx.Exec(ctx,
			`INSERT INTO exchange_sources (id, exchange_id, position, document, page, paragraph, content)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			uuid.New(), ex.ID, i, src.Document, src.Page, src.Paragraph, src.Content,
		)
		if err != nil {
			return fmt.Errorf("insert source %d: %w", i, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit exchange: %w", err)
	}
	return nil
}

// LoadExchanges returns a session's exchanges in the order they were
// recorded, each with its citations in their original order.
func (s *Store) LoadExchanges(ctx context.Context, sessionID uuid.UUID) ([]conversation.Exchange, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, question, answer, themes, created_at
		 FROM exchanges
		 WHERE session_id = $1
		 ORDER BY seq`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query exchanges: %w", err)
	}
	defer rows.Close()

	var out []conversation.Exchange
	index := make(map[uuid.UUID]int)
	for rows.Next() {
		var ex conversation.Exchange
		if err := rows.Scan(&ex.ID, &ex.Question, &ex.Answer, &ex.Themes, &ex.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan exchange: %w", err)
		}
		ex.Sources = []conversation.SourceCitation{}
		index[ex.ID] = len(out)
		out = append(out, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate exchanges: %w", err)
	}
	if len(out) == 0 {
		return out, nil
	}

	srcRows, err := s.pool.Query(ctx,
		`SELECT es.exchange_id, es.document, es.page, es.paragraph, es.content
		 FROM exchange_sources es
		 JOIN exchanges e ON e.id = es.exchange_id
		 WHERE e.session_id = $1
		 ORDER BY e.seq, es.position`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query sources: %w", err)
	}
	defer srcRows.Close()

	for srcRows.Next() {
		var exID uuid.UUID
		var src conversation.SourceCitation
		if err := srcRows.Scan(&exID, &src.Document, &src.Page, &src.Paragraph, &src.Content); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		if i, ok := index[exID]; ok {
			out[i].Sources = append(out[i].Sources, src)
		}
	}
	if err := srcRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sources: %w", err)
	}
	return out, nil
}

// SessionSummary describes one recorded session for the local history list.
type SessionSummary struct {
	SessionID     uuid.UUID
	FirstQuestion string
	Exchanges     int
	LastActivity  time.Time
}

// ListSessions returns recorded sessions, most recently active first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT session_id,
		        (SELECT question FROM exchanges f WHERE f.session_id = e.session_id ORDER BY seq LIMIT 1),
		        count(*),
		        max(created_at)
		 FROM exchanges e
		 GROUP BY session_id
		 ORDER BY max(created_at) DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var ss SessionSummary
		if err := rows.Scan(&ss.SessionID, &ss.FirstQuestion, &ss.Exchanges, &ss.LastActivity); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, ss)
	}
	return out, rows.Err()
}
