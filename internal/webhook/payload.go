package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/karollearning/karol-assistant/internal/message"
)

var (
	// ErrGroupMessage marks a payload from a group chat; groups are ignored.
	ErrGroupMessage = errors.New("webhook: group message")
	// ErrUnsupportedKind marks a payload type the pipeline does not handle.
	ErrUnsupportedKind = errors.New("webhook: unsupported message kind")
	// ErrMalformedPayload marks a body that could not be decoded.
	ErrMalformedPayload = errors.New("webhook: malformed payload")
)

type mediaRef struct {
	URL string `json:"url"`
}

// payload covers the Z-API webhook shapes seen in production, including the
// legacy ReceivedCallback form where text is an object.
type payload struct {
	Phone    string          `json:"phone"`
	Type     string          `json:"type"`
	IsGroup  bool            `json:"isGroup"`
	Text     json.RawMessage `json:"text"`
	Audio    *mediaRef       `json:"audio"`
	Image    *mediaRef       `json:"image"`
	Document *mediaRef       `json:"document"`
}

// ParseEvent validates and normalizes a webhook body into an InboundEvent.
// Group messages and unknown types come back as typed sentinel errors so the
// handler can acknowledge them without treating them as failures.
func ParseEvent(body []byte) (message.InboundEvent, error) {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return message.InboundEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if strings.TrimSpace(p.Phone) == "" {
		return message.InboundEvent{}, fmt.Errorf("%w: missing phone", ErrMalformedPayload)
	}
	if p.IsGroup || strings.Contains(strings.ToLower(p.Phone), "group") {
		return message.InboundEvent{}, ErrGroupMessage
	}

	kind := p.Type
	if kind == "ReceivedCallback" {
		kind = "message"
	}

	event := message.InboundEvent{Phone: p.Phone}
	switch kind {
	case "message":
		event.Kind = message.KindText
		event.Text = textValue(p.Text)
	case "audio":
		event.Kind = message.KindAudio
		if p.Audio != nil {
			event.MediaURL = p.Audio.URL
		}
	case "image":
		event.Kind = message.KindImage
		if p.Image != nil {
			event.MediaURL = p.Image.URL
		}
	case "document":
		event.Kind = message.KindDocument
		if p.Document != nil {
			event.MediaURL = p.Document.URL
		}
	default:
		return message.InboundEvent{}, fmt.Errorf("%w: %q", ErrUnsupportedKind, p.Type)
	}
	return event, nil
}

// textValue accepts both the plain-string and the {message: …} object form.
func textValue(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Message
	}
	return ""
}
