package whatsapp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/karollearning/karol-assistant/pkg/logging"
)

var zapiTracer = otel.Tracer("karol.internal.whatsapp.zapi")

// Sender is the outbound WhatsApp channel.
type Sender interface {
	SendText(ctx context.Context, phone, text string) error
	SendAudio(ctx context.Context, phone string, audio []byte) error
}

// ZAPIClient sends messages through a Z-API instance.
type ZAPIClient struct {
	securityToken string
	baseURL       string
	httpClient    *http.Client
	logger        *logging.Logger
}

// NewZAPIClient builds a sender for one Z-API instance. baseURL is the API
// host; instanceID and token are baked into every request path.
func NewZAPIClient(instanceID, token, securityToken, baseURL string, timeout time.Duration, logger *logging.Logger) *ZAPIClient {
	if logger == nil {
		logger = logging.Default()
	}
	if baseURL == "" {
		baseURL = "https://api.z-api.io"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ZAPIClient{
		securityToken: securityToken,
		baseURL:       fmt.Sprintf("%s/instances/%s/token/%s", strings.TrimRight(baseURL, "/"), instanceID, token),
		httpClient:    &http.Client{Timeout: timeout},
		logger:        logger,
	}
}

var _ Sender = (*ZAPIClient)(nil)

// SendText delivers a plain text message.
func (c *ZAPIClient) SendText(ctx context.Context, phone, text string) error {
	ctx, span := zapiTracer.Start(ctx, "whatsapp.send_text")
	defer span.End()
	span.SetAttributes(attribute.Int("karol.text_length", len(text)))

	return c.post(ctx, "/send-text", map[string]string{
		"phone":   phone,
		"message": text,
	})
}

// SendAudio delivers an audio message; bytes are base64-encoded on the wire.
func (c *ZAPIClient) SendAudio(ctx context.Context, phone string, audio []byte) error {
	ctx, span := zapiTracer.Start(ctx, "whatsapp.send_audio")
	defer span.End()
	span.SetAttributes(attribute.Int("karol.audio_bytes", len(audio)))

	return c.post(ctx, "/send-audio", map[string]string{
		"phone": phone,
		"audio": base64.StdEncoding.EncodeToString(audio),
	})
}

func (c *ZAPIClient) post(ctx context.Context, path string, body map[string]string) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("whatsapp: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("whatsapp: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Client-Token", c.securityToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp: %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("whatsapp: %s returned %d", path, resp.StatusCode)
	}
	return nil
}
