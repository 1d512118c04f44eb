package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/karollearning/karol-assistant/pkg/logging"
)

// maxAudioBytes caps how much audio is pulled from the channel's CDN.
const maxAudioBytes = 25 << 20

type transcriptionClient interface {
	CreateTranscription(ctx context.Context, request openai.AudioRequest) (openai.AudioResponse, error)
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIMedia implements Transcriber and VisionAnalyzer on top of the OpenAI
// Whisper and vision-capable chat APIs.
type OpenAIMedia struct {
	client      transcriptionClient
	visionModel string
	httpClient  *http.Client
	logger      *logging.Logger
}

// NewOpenAIMedia builds the media-understanding collaborator.
func NewOpenAIMedia(apiKey, visionModel string, logger *logging.Logger) *OpenAIMedia {
	if visionModel == "" {
		visionModel = "gpt-4o"
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &OpenAIMedia{
		client:      openai.NewClient(apiKey),
		visionModel: visionModel,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		logger:      logger,
	}
}

var _ Transcriber = (*OpenAIMedia)(nil)
var _ VisionAnalyzer = (*OpenAIMedia)(nil)

// Transcribe downloads the audio and runs it through Whisper.
func (m *OpenAIMedia) Transcribe(ctx context.Context, audioURL, languageHint string) (string, error) {
	audio, err := m.download(ctx, audioURL)
	if err != nil {
		return "", err
	}

	resp, err := m.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		Reader:   bytes.NewReader(audio),
		FilePath: "inbound.ogg",
		Language: languageHint,
	})
	if err != nil {
		return "", fmt.Errorf("media: whisper transcription failed: %w", err)
	}
	return resp.Text, nil
}

// Describe sends the media URL and prompt to a vision-capable chat model.
func (m *OpenAIMedia) Describe(ctx context.Context, mediaURL, prompt string) (string, error) {
	resp, err := m.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: m.visionModel,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: prompt},
					{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: mediaURL}},
				},
			},
		},
		MaxTokens: 500,
	})
	if err != nil {
		return "", fmt.Errorf("media: vision analysis failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("media: vision analysis returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (m *OpenAIMedia) download(ctx context.Context, mediaURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, fmt.Errorf("media: build download request: %w", err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("media: download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("media: download returned %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes))
	if err != nil {
		return nil, fmt.Errorf("media: read download: %w", err)
	}
	return data, nil
}
