package gateway

import (
	"context"
	"fmt"

	"github.com/MikeSquared-Agency/ragchat/internal/conversation"
	"github.com/MikeSquared-Agency/ragchat/internal/staging"
)

// Gateway is the network boundary of the client: the document QA backend.
type Gateway interface {
	// Upload sends files for indexing. Any success response is enough.
	Upload(ctx context.Context, files []staging.File) error
	// Query asks a question against everything indexed so far.
	Query(ctx context.Context, question string) (*QueryResult, error)
	// ListConversations returns the backend's saved chats for the side list.
	ListConversations(ctx context.Context) ([]ConversationSummary, error)
}

// QueryResult is the decoded answer to a question.
type QueryResult struct {
	Answer  string
	Sources []conversation.SourceCitation
	Themes  string
}

// ConversationSummary is one entry of the backend's chat list.
type ConversationSummary struct {
	ID    string `json:"_id"`
	Title string `json:"title"`
}

// StatusError is returned when the backend answers with a non-2xx status.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: backend returned %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: backend returned %d: %s", e.Op, e.StatusCode, e.Body)
}
