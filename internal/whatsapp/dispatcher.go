package whatsapp

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/karollearning/karol-assistant/internal/message"
	"github.com/karollearning/karol-assistant/internal/voice"
	"github.com/karollearning/karol-assistant/pkg/logging"
)

var dispatcherTracer = otel.Tracer("karol.internal.whatsapp.dispatcher")

// Dispatcher decides whether a reply goes out as text or synthesized speech
// and performs the send. Audio delivery failures fall back to text exactly
// once; only a failed text send surfaces to the caller.
type Dispatcher struct {
	sender      Sender
	synthesizer voice.Synthesizer
	logger      *logging.Logger
}

// NewDispatcher wires the outbound side of the pipeline.
func NewDispatcher(sender Sender, synthesizer voice.Synthesizer, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Default()
	}
	return &Dispatcher{
		sender:      sender,
		synthesizer: synthesizer,
		logger:      logger,
	}
}

// Dispatch sends the reply. A voiced send happens only when the inbound
// message was audio AND the generator marked the reply audio-eligible; every
// other combination goes out as text.
func (d *Dispatcher) Dispatch(ctx context.Context, reply message.OutboundReply, inboundKind message.Kind) error {
	ctx, span := dispatcherTracer.Start(ctx, "whatsapp.dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("karol.inbound_kind", string(inboundKind)),
		attribute.Bool("karol.prefer_audio", reply.PreferAudio),
	)

	if inboundKind == message.KindAudio && reply.PreferAudio {
		if err := d.sendVoiced(ctx, reply); err == nil {
			return nil
		}
		// fall through to the text channel with the same content
	}

	if err := d.sender.SendText(ctx, reply.Phone, reply.Text); err != nil {
		span.RecordError(err)
		return fmt.Errorf("whatsapp: dispatch failed: %w", err)
	}
	return nil
}

func (d *Dispatcher) sendVoiced(ctx context.Context, reply message.OutboundReply) error {
	audio, err := d.synthesizer.Synthesize(ctx, reply.Text)
	if err != nil {
		d.logger.Warn("speech synthesis failed, falling back to text", "error", err)
		return err
	}
	if err := d.sender.SendAudio(ctx, reply.Phone, audio); err != nil {
		d.logger.Warn("audio delivery failed, falling back to text", "error", err)
		return err
	}
	return nil
}
