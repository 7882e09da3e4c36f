package conversation

import (
	"time"

	"github.com/google/uuid"
)

// SourceCitation is a passage the backend retrieved to support an answer.
// Page and Paragraph are 0 when the backend did not know them.
type SourceCitation struct {
	Document  string `json:"document"`
	Page      int    `json:"page"`
	Paragraph int    `json:"paragraph"`
	Content   string `json:"content"`
}

// Exchange is one completed question/answer turn.
type Exchange struct {
	ID        uuid.UUID        `json:"id"`
	Question  string           `json:"question"`
	Answer    string           `json:"answer"`
	Sources   []SourceCitation `json:"sources"`
	Themes    string           `json:"themes"`
	CreatedAt time.Time        `json:"created_at"`
}
