package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/ragchat/internal/conversation"
	"github.com/MikeSquared-Agency/ragchat/internal/staging"
)

const maxErrorBody = 512

// Client talks to the document QA backend over HTTP.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type queryRequest struct {
	Question string `json:"question"`
}

type queryResponse struct {
	Answer  string         `json:"answer"`
	Sources []sourceRecord `json:"sources"`
	Themes  string         `json:"themes"`
}

type sourceRecord struct {
	Document  string  `json:"document"`
	Page      flexInt `json:"page"`
	Paragraph flexInt `json:"paragraph"`
	Content   string  `json:"content"`
}

type uploadResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Detail json.RawMessage `json:"detail"`
}

// flexInt decodes a JSON number or numeric string. Anything else, such as
// the backend's "N/A" placeholder, decodes to 0.
type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		if i, err := strconv.Atoi(n.String()); err == nil {
			*f = flexInt(i)
			return nil
		}
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			*f = flexInt(i)
			return nil
		}
	}
	*f = 0
	return nil
}

// Upload posts all files in a single multipart request, one "files" part each.
func (c *Client) Upload(ctx context.Context, files []staging.File) error {
	if len(files) == 0 {
		return nil
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range files {
		part, err := mw.CreateFormFile("files", f.Name)
		if err != nil {
			return fmt.Errorf("create form part %s: %w", f.Name, err)
		}
		if _, err := part.Write(f.Content); err != nil {
			return fmt.Errorf("write form part %s: %w", f.Name, err)
		}
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload", &buf)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	respBody, err := c.do(req, "upload")
	if err != nil {
		return err
	}

	var ur uploadResponse
	if json.Unmarshal(respBody, &ur) == nil && ur.Status != "" {
		c.logger.Info("upload accepted", "files", len(files), "status", ur.Status)
	} else {
		c.logger.Info("upload accepted", "files", len(files))
	}
	return nil
}

// Query submits question and decodes the answer, sources and themes.
func (c *Client) Query(ctx context.Context, question string) (*QueryResult, error) {
	body, err := json.Marshal(queryRequest{Question: question})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/query", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	respBody, err := c.do(req, "query")
	if err != nil {
		return nil, err
	}

	var qr queryResponse
	if err := json.Unmarshal(respBody, &qr); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	sources := make([]conversation.SourceCitation, 0, len(qr.Sources))
	for _, s := range qr.Sources {
		sources = append(sources, conversation.SourceCitation{
			Document:  s.Document,
			Page:      int(s.Page),
			Paragraph: int(s.Paragraph),
			Content:   s.Content,
		})
	}

	return &QueryResult{
		Answer:  qr.Answer,
		Sources: sources,
		Themes:  qr.Themes,
	}, nil
}

// ListConversations fetches the backend's chat list.
func (c *Client) ListConversations(ctx context.Context) ([]ConversationSummary, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/chats", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	respBody, err := c.do(req, "list chats")
	if err != nil {
		return nil, err
	}

	var chats []ConversationSummary
	if err := json.Unmarshal(respBody, &chats); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return chats, nil
}

// do executes req and returns the body of a 2xx response.
func (c *Client) do(req *http.Request, op string) ([]byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s call: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Op: op, StatusCode: resp.StatusCode, Body: errorDetail(respBody)}
	}
	return respBody, nil
}

// errorDetail extracts a FastAPI-style {"detail": ...} message, falling back
// to the raw body, trimmed to a readable length.
func errorDetail(body []byte) string {
	var er errorResponse
	if json.Unmarshal(body, &er) == nil && len(er.Detail) > 0 {
		var s string
		if json.Unmarshal(er.Detail, &s) == nil {
			return truncate(s)
		}
		return truncate(string(er.Detail))
	}
	return truncate(strings.TrimSpace(string(body)))
}

// truncate caps s at maxErrorBody runes and keeps the result valid UTF-8.
func truncate(s string) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	r := []rune(s)
	if len(r) <= maxErrorBody {
		return s
	}
	return string(r[:maxErrorBody]) + "..."
}
