package zaia

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/karollearning/karol-assistant/pkg/logging"
)

var tracer = otel.Tracer("karol.internal.zaia")

var (
	// ErrReplyTimeout means the poll loop exhausted its attempts with no
	// assistant reply.
	ErrReplyTimeout = errors.New("zaia: reply poll timed out")
	// ErrMalformedResponse means the backend answered with a shape the
	// client does not understand.
	ErrMalformedResponse = errors.New("zaia: malformed response")
)

const (
	// Turn origins as reported by the backend.
	OriginUser      = "user"
	OriginAssistant = "assistant"
)

// Turn is one message of a chat's history.
type Turn struct {
	Origin string
	Text   string
}

// Conversation is the slice of the Zaia external-generative API the reply
// generator needs: create a chat, submit a prompt, poll for the assistant's
// answer, read back history.
type Conversation interface {
	CreateChat(ctx context.Context) (string, error)
	SendMessage(ctx context.Context, chatID, prompt string) error
	PollReply(ctx context.Context, chatID string) (string, error)
	History(ctx context.Context, chatID string, limit int) ([]Turn, error)
}

// Client calls the Zaia external-generative HTTP API.
type Client struct {
	apiKey       string
	baseURL      string
	agentID      int
	pollAttempts int
	pollInterval time.Duration
	httpClient   *http.Client
	logger       *logging.Logger

	// lastSeen holds, per chat, the id of the newest message observed just
	// before a prompt was submitted. PollReply uses it to skip a stale
	// assistant turn the backend may still report while the new prompt
	// registers.
	mu       sync.Mutex
	lastSeen map[string]json.Number
}

// NewClient builds a Zaia client. callTimeout bounds each HTTP call; the poll
// loop adds pollAttempts × pollInterval on top.
func NewClient(apiKey, baseURL string, agentID int, callTimeout time.Duration, pollAttempts int, pollInterval time.Duration, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.Default()
	}
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	if pollAttempts <= 0 {
		pollAttempts = 10
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Client{
		apiKey:       apiKey,
		baseURL:      strings.TrimRight(baseURL, "/"),
		agentID:      agentID,
		pollAttempts: pollAttempts,
		pollInterval: pollInterval,
		httpClient:   &http.Client{Timeout: callTimeout},
		logger:       logger,
		lastSeen:     make(map[string]json.Number),
	}
}

var _ Conversation = (*Client)(nil)

// CreateChat opens a new external generative chat for the configured agent.
func (c *Client) CreateChat(ctx context.Context) (string, error) {
	ctx, span := tracer.Start(ctx, "zaia.create_chat")
	defer span.End()

	body := map[string]any{"agentId": c.agentID}
	var resp struct {
		ID json.Number `json:"id"`
	}
	if err := c.post(ctx, "/v1/api/external-generative-chat/create", body, &resp); err != nil {
		span.RecordError(err)
		return "", err
	}
	chatID := resp.ID.String()
	if chatID == "" {
		span.RecordError(ErrMalformedResponse)
		return "", fmt.Errorf("%w: chat create returned no id", ErrMalformedResponse)
	}
	span.SetAttributes(attribute.String("karol.chat_id", chatID))
	return chatID, nil
}

// SendMessage submits the prompt to the chat. The assistant's answer arrives
// asynchronously and must be collected with PollReply.
func (c *Client) SendMessage(ctx context.Context, chatID, prompt string) error {
	ctx, span := tracer.Start(ctx, "zaia.send_message")
	defer span.End()
	span.SetAttributes(attribute.String("karol.chat_id", chatID))

	// Snapshot the newest message id first so PollReply can tell a fresh
	// assistant turn from one that predates this prompt. Best effort: a
	// failed snapshot must not block the send.
	if turn, err := c.latest(ctx, chatID); err == nil && turn != nil {
		c.mu.Lock()
		c.lastSeen[chatID] = turn.ID
		c.mu.Unlock()
	} else if err != nil {
		c.logger.Debug("zaia: pre-send snapshot failed", "chat_id", chatID, "error", err)
	}

	body := map[string]any{
		"agentId":                  c.agentID,
		"externalGenerativeChatId": json.Number(chatID),
		"prompt":                   prompt,
		"streaming":                false,
		"asMarkdown":               false,
	}
	if err := c.post(ctx, "/v1.1/api/external-generative-message/create", body, nil); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// PollReply waits for the assistant's latest message with bounded retries.
// Exhausting the attempts returns ErrReplyTimeout.
func (c *Client) PollReply(ctx context.Context, chatID string) (string, error) {
	ctx, span := tracer.Start(ctx, "zaia.poll_reply")
	defer span.End()
	span.SetAttributes(attribute.String("karol.chat_id", chatID))

	c.mu.Lock()
	marker := c.lastSeen[chatID]
	c.mu.Unlock()

	for attempt := 0; attempt < c.pollAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				span.RecordError(ctx.Err())
				return "", fmt.Errorf("zaia: poll canceled: %w", ctx.Err())
			case <-time.After(c.pollInterval):
			}
		}

		turn, err := c.latest(ctx, chatID)
		if err != nil {
			span.RecordError(err)
			return "", err
		}
		if turn != nil && turn.Origin == OriginAssistant && strings.TrimSpace(turn.Text) != "" && newerThan(turn.ID, marker) {
			c.mu.Lock()
			delete(c.lastSeen, chatID)
			c.mu.Unlock()
			return turn.Text, nil
		}
	}
	span.RecordError(ErrReplyTimeout)
	return "", ErrReplyTimeout
}

// newerThan reports whether id identifies a message sent after marker. An
// empty marker accepts anything; ids that do not parse as integers fall back
// to inequality.
func newerThan(id, marker json.Number) bool {
	if marker == "" {
		return true
	}
	a, errA := id.Int64()
	b, errB := marker.Int64()
	if errA == nil && errB == nil {
		return a > b
	}
	return id != marker
}

// History returns the chat's most recent turns, oldest first, capped at limit.
func (c *Client) History(ctx context.Context, chatID string, limit int) ([]Turn, error) {
	ctx, span := tracer.Start(ctx, "zaia.history")
	defer span.End()
	span.SetAttributes(attribute.String("karol.chat_id", chatID))

	var resp struct {
		ExternalGenerativeMessages []struct {
			Origin string `json:"origin"`
			Text   string `json:"text"`
		} `json:"externalGenerativeMessages"`
	}
	path := fmt.Sprintf("/v1.1/api/external-generative-message/retrieve-multiple?externalGenerativeChatIds=%s", chatID)
	if err := c.get(ctx, path, &resp); err != nil {
		span.RecordError(err)
		return nil, err
	}

	turns := make([]Turn, 0, len(resp.ExternalGenerativeMessages))
	for _, m := range resp.ExternalGenerativeMessages {
		if strings.TrimSpace(m.Text) == "" {
			continue
		}
		turns = append(turns, Turn{Origin: m.Origin, Text: m.Text})
	}
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns, nil
}

// latestMessage is the newest turn of a chat as reported by the backend.
type latestMessage struct {
	ID     json.Number `json:"id"`
	Origin string      `json:"origin"`
	Text   string      `json:"text"`
	Status string      `json:"status"`
}

func (c *Client) latest(ctx context.Context, chatID string) (*latestMessage, error) {
	var resp latestMessage
	path := fmt.Sprintf("/v1.1/api/external-generative-message/latest?externalGenerativeChatId=%s", chatID)
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	if resp.Origin == "" && resp.Text == "" {
		return nil, nil
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("zaia: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("zaia: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("zaia: build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("zaia: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("zaia: %s returned %d", req.URL.Path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}
