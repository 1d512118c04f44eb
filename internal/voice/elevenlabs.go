package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/karollearning/karol-assistant/pkg/logging"
)

var tracer = otel.Tracer("karol.internal.voice")

const maxAudioBytes = 10 << 20

// Synthesizer converts reply text into speech audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// ElevenLabsClient synthesizes speech with the ElevenLabs text-to-speech API.
type ElevenLabsClient struct {
	apiKey     string
	voiceID    string
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// NewElevenLabsClient builds a TTS client bound to one voice.
func NewElevenLabsClient(apiKey, voiceID, baseURL string, timeout time.Duration, logger *logging.Logger) *ElevenLabsClient {
	if logger == nil {
		logger = logging.Default()
	}
	if baseURL == "" {
		baseURL = "https://api.elevenlabs.io"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ElevenLabsClient{
		apiKey:     apiKey,
		voiceID:    voiceID,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

var _ Synthesizer = (*ElevenLabsClient)(nil)

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
	Speed           float64 `json:"speed"`
}

type synthesisRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

// Synthesize returns MPEG audio bytes for the given text.
func (c *ElevenLabsClient) Synthesize(ctx context.Context, text string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "voice.synthesize")
	defer span.End()
	span.SetAttributes(attribute.Int("karol.text_length", len(text)))

	payload, err := json.Marshal(synthesisRequest{
		Text:    text,
		ModelID: "eleven_multilingual_v2",
		VoiceSettings: voiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.95,
			Style:           0,
			UseSpeakerBoost: true,
			Speed:           1.12,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("voice: encode request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/text-to-speech/%s", c.baseURL, c.voiceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("voice: build request: %w", err)
	}
	req.Header.Set("Accept", "audio/mpeg")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("voice: synthesis request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("voice: synthesis returned %d", resp.StatusCode)
		span.RecordError(err)
		return nil, err
	}

	audio, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("voice: read audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("voice: synthesis returned no audio")
	}
	return audio, nil
}
