package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/karollearning/karol-assistant/internal/message"
	"github.com/karollearning/karol-assistant/pkg/logging"
)

var resolverTracer = otel.Tracer("karol.internal.media.resolver")

var (
	// ErrEmptyMessage means resolution produced no usable text.
	ErrEmptyMessage = errors.New("media: empty message")
	// ErrMissingMediaURL means the payload referenced media without a URL.
	ErrMissingMediaURL = errors.New("media: missing media url")
)

const (
	// Degrade texts when a media collaborator fails. Resolution is
	// best-effort and never aborts the pipeline.
	transcriptionDegradeText = "Desculpe, não consegui transcrever o áudio. Por favor, envie sua mensagem como texto."
	visionDegradeText        = "Recebi seu arquivo, mas não consegui analisar o conteúdo. Pode me explicar do que se trata?"

	notIdentifiedM = "não identificado"
	notIdentifiedF = "não identificada"
)

const visionPrompt = `Analise esta imagem ou documento e me diga:
1. Que tipo de documento é este? (comprovante de pagamento, screenshot de erro, etc)
2. Extraia as informações relevantes.
3. Se for um comprovante de pagamento, extraia: valor, data, tipo_pagamento
4. Se for um screenshot de erro do Flexge, extraia: tipo_erro, mensagem_erro, contexto
Responda em formato JSON com as chaves: tipo_documento, informacoes_extraidas`

// Transcriber converts spoken audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioURL, languageHint string) (string, error)
}

// VisionAnalyzer describes an image or document given a prompt.
type VisionAnalyzer interface {
	Describe(ctx context.Context, mediaURL, prompt string) (string, error)
}

// Resolver turns a raw inbound event into plain text, transcribing audio and
// extracting structure from images and documents along the way.
type Resolver struct {
	transcriber Transcriber
	vision      VisionAnalyzer
	logger      *logging.Logger
}

// NewResolver wires a resolver around the media-understanding collaborators.
func NewResolver(transcriber Transcriber, vision VisionAnalyzer, logger *logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.Default()
	}
	return &Resolver{
		transcriber: transcriber,
		vision:      vision,
		logger:      logger,
	}
}

// Resolve normalizes an inbound event to text. The event is never mutated.
func (r *Resolver) Resolve(ctx context.Context, event message.InboundEvent) (message.NormalizedMessage, error) {
	ctx, span := resolverTracer.Start(ctx, "media.resolve")
	defer span.End()
	span.SetAttributes(attribute.String("karol.message_kind", string(event.Kind)))

	switch event.Kind {
	case message.KindText:
		text := strings.TrimSpace(event.Text)
		if text == "" {
			return message.NormalizedMessage{}, ErrEmptyMessage
		}
		return message.NormalizedMessage{Phone: event.Phone, Text: text}, nil

	case message.KindAudio:
		return r.resolveAudio(ctx, event)

	case message.KindImage, message.KindDocument:
		return r.resolveVisual(ctx, event)

	default:
		return message.NormalizedMessage{}, fmt.Errorf("media: unsupported kind %q", event.Kind)
	}
}

func (r *Resolver) resolveAudio(ctx context.Context, event message.InboundEvent) (message.NormalizedMessage, error) {
	if strings.TrimSpace(event.MediaURL) == "" {
		return message.NormalizedMessage{}, ErrMissingMediaURL
	}
	transcript, err := r.transcriber.Transcribe(ctx, event.MediaURL, "pt")
	if err != nil {
		r.logger.Warn("audio transcription failed, degrading to text prompt", "error", err)
		return message.NormalizedMessage{Phone: event.Phone, Text: transcriptionDegradeText}, nil
	}
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return message.NormalizedMessage{}, ErrEmptyMessage
	}
	return message.NormalizedMessage{Phone: event.Phone, Text: transcript}, nil
}

func (r *Resolver) resolveVisual(ctx context.Context, event message.InboundEvent) (message.NormalizedMessage, error) {
	if strings.TrimSpace(event.MediaURL) == "" {
		return message.NormalizedMessage{}, ErrMissingMediaURL
	}
	raw, err := r.vision.Describe(ctx, event.MediaURL, visionPrompt)
	if err != nil {
		r.logger.Warn("vision analysis failed, degrading to text prompt", "error", err)
		return message.NormalizedMessage{Phone: event.Phone, Text: visionDegradeText}, nil
	}

	text, derived := interpretAnalysis(raw)
	if strings.TrimSpace(text) == "" {
		return message.NormalizedMessage{}, ErrEmptyMessage
	}
	return message.NormalizedMessage{Phone: event.Phone, Text: text, Context: derived}, nil
}

// interpretAnalysis parses the collaborator's JSON answer. On parse failure
// the raw description is used verbatim with no derived context.
func interpretAnalysis(raw string) (string, message.DerivedContext) {
	content := strings.TrimSpace(raw)
	if start, end := strings.Index(content, "{"), strings.LastIndex(content, "}"); start >= 0 && end > start {
		content = content[start : end+1]
	}

	var parsed struct {
		DocumentType string         `json:"tipo_documento"`
		Fields       map[string]any `json:"informacoes_extraidas"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return raw, message.ContextNone
	}

	docType := strings.ToLower(parsed.DocumentType)
	switch {
	case strings.Contains(docType, "comprovante") || strings.Contains(docType, "pagamento"):
		return receiptTemplate(parsed.Fields), message.ContextPaymentReceipt
	case strings.Contains(docType, "erro") || strings.Contains(docType, "screenshot"):
		return errorTemplate(parsed.Fields), message.ContextPlatformError
	default:
		return raw, message.ContextNone
	}
}

// Downstream handlers parse these lines by label, so missing fields render
// as explicit placeholders instead of being omitted.
func receiptTemplate(fields map[string]any) string {
	return fmt.Sprintf("Comprovante de Pagamento:\nValor: %s\nData: %s\nTipo: %s",
		fieldOr(fields, "valor", notIdentifiedM),
		fieldOr(fields, "data", notIdentifiedF),
		fieldOr(fields, "tipo_pagamento", notIdentifiedM),
	)
}

func errorTemplate(fields map[string]any) string {
	return fmt.Sprintf("Erro no Flexge:\nTipo: %s\nMensagem: %s\nContexto: %s",
		fieldOr(fields, "tipo_erro", notIdentifiedM),
		fieldOr(fields, "mensagem_erro", notIdentifiedF),
		fieldOr(fields, "contexto", notIdentifiedM),
	)
}

func fieldOr(fields map[string]any, key, placeholder string) string {
	v, ok := fields[key]
	if !ok || v == nil {
		return placeholder
	}
	s := strings.TrimSpace(fmt.Sprintf("%v", v))
	if s == "" {
		return placeholder
	}
	return s
}
