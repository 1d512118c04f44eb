package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/karollearning/karol-assistant/internal/intent"
	"github.com/karollearning/karol-assistant/internal/media"
	"github.com/karollearning/karol-assistant/internal/message"
	"github.com/karollearning/karol-assistant/internal/messagelog"
	"github.com/karollearning/karol-assistant/internal/observability/metrics"
	"github.com/karollearning/karol-assistant/internal/student"
	"github.com/karollearning/karol-assistant/pkg/logging"
)

var pipelineTracer = otel.Tracer("karol.internal.webhook.pipeline")

const (
	couldNotUnderstandText = "Desculpe, não entendi sua solicitação. Pode enviar sua mensagem como texto?"
	unregisteredText       = "Olá! Não consegui encontrar seu cadastro. Por favor, verifique se seu número está registrado corretamente ou entre em contato com a secretaria."
)

// Outcome is the terminal state of one pipeline run.
type Outcome string

const (
	OutcomeProcessed    Outcome = "processed"
	OutcomeUnregistered Outcome = "unregistered"
	OutcomeEmpty        Outcome = "empty"
	OutcomeFailed       Outcome = "failed"
)

// Resolver normalizes an inbound event to text.
type Resolver interface {
	Resolve(ctx context.Context, event message.InboundEvent) (message.NormalizedMessage, error)
}

// Generator builds the reply for a classified message.
type Generator interface {
	Generate(ctx context.Context, msg message.NormalizedMessage, rec *student.Record, in intent.Intent) message.OutboundReply
}

// Dispatcher sends the reply over the outbound channel.
type Dispatcher interface {
	Dispatch(ctx context.Context, reply message.OutboundReply, inboundKind message.Kind) error
}

// RunRecorder persists a pipeline run for auditing. Recording is best-effort.
type RunRecorder interface {
	Record(ctx context.Context, run messagelog.Run) error
}

// Pipeline composes resolution, identification, classification, generation
// and dispatch for one inbound event.
type Pipeline struct {
	resolver   Resolver
	directory  student.Directory
	classifier *intent.Classifier
	generator  Generator
	dispatcher Dispatcher
	runs       RunRecorder
	metrics    *metrics.PipelineMetrics
	logger     *logging.Logger
}

// NewPipeline wires the pipeline. runs and pipelineMetrics may be nil.
func NewPipeline(resolver Resolver, directory student.Directory, classifier *intent.Classifier, generator Generator, dispatcher Dispatcher, runs RunRecorder, pipelineMetrics *metrics.PipelineMetrics, logger *logging.Logger) *Pipeline {
	if logger == nil {
		logger = logging.Default()
	}
	return &Pipeline{
		resolver:   resolver,
		directory:  directory,
		classifier: classifier,
		generator:  generator,
		dispatcher: dispatcher,
		runs:       runs,
		metrics:    pipelineMetrics,
		logger:     logger,
	}
}

// Run executes the full pipeline for one event. Expected terminal states
// (unregistered sender, empty resolution) return their outcome with a nil
// error after dispatching the matching user-facing message; an error means
// the run failed and the caller should answer with a server error.
func (p *Pipeline) Run(ctx context.Context, event message.InboundEvent) (Outcome, error) {
	ctx, span := pipelineTracer.Start(ctx, "webhook.pipeline_run")
	defer span.End()
	span.SetAttributes(attribute.String("karol.inbound_kind", string(event.Kind)))

	started := time.Now()
	outcome, classified, reply, err := p.run(ctx, event)

	p.metrics.ObservePipelineLatency(string(event.Kind), time.Since(started).Seconds())
	p.metrics.ObserveInbound(string(event.Kind), string(outcome))
	p.record(ctx, event, classified, outcome, reply)

	if err != nil {
		span.RecordError(err)
	}
	span.SetAttributes(attribute.String("karol.outcome", string(outcome)))
	return outcome, err
}

func (p *Pipeline) run(ctx context.Context, event message.InboundEvent) (Outcome, intent.Intent, message.OutboundReply, error) {
	var noReply message.OutboundReply

	msg, err := p.resolver.Resolve(ctx, event)
	if err != nil {
		if errors.Is(err, media.ErrEmptyMessage) || errors.Is(err, media.ErrMissingMediaURL) {
			reply := message.OutboundReply{Phone: event.Phone, Text: couldNotUnderstandText}
			if sendErr := p.dispatch(ctx, reply, message.KindText); sendErr != nil {
				return OutcomeFailed, "", noReply, sendErr
			}
			return OutcomeEmpty, "", reply, nil
		}
		return OutcomeFailed, "", noReply, fmt.Errorf("webhook: resolution failed: %w", err)
	}

	rec, err := p.directory.FindByPhone(ctx, student.NormalizePhone(event.Phone))
	if err != nil {
		return OutcomeFailed, "", noReply, fmt.Errorf("webhook: student lookup failed: %w", err)
	}
	if rec == nil {
		reply := message.OutboundReply{Phone: event.Phone, Text: unregisteredText}
		if sendErr := p.dispatch(ctx, reply, message.KindText); sendErr != nil {
			return OutcomeFailed, "", noReply, sendErr
		}
		return OutcomeUnregistered, "", reply, nil
	}

	classified := p.classifier.Classify(msg)
	p.metrics.ObserveIntent(string(classified))

	reply := p.generator.Generate(ctx, msg, rec, classified)
	if err := p.dispatch(ctx, reply, event.Kind); err != nil {
		return OutcomeFailed, classified, noReply, err
	}
	return OutcomeProcessed, classified, reply, nil
}

func (p *Pipeline) dispatch(ctx context.Context, reply message.OutboundReply, inboundKind message.Kind) error {
	channel := "text"
	if inboundKind == message.KindAudio && reply.PreferAudio {
		channel = "audio"
	}
	if err := p.dispatcher.Dispatch(ctx, reply, inboundKind); err != nil {
		p.metrics.ObserveDispatch(channel, "failed")
		return fmt.Errorf("webhook: dispatch failed: %w", err)
	}
	p.metrics.ObserveDispatch(channel, "sent")
	return nil
}

func (p *Pipeline) record(ctx context.Context, event message.InboundEvent, classified intent.Intent, outcome Outcome, reply message.OutboundReply) {
	if p.runs == nil {
		return
	}
	err := p.runs.Record(ctx, messagelog.Run{
		Phone:        event.Phone,
		InboundKind:  string(event.Kind),
		Intent:       string(classified),
		State:        string(outcome),
		ReplyPreview: reply.Text,
	})
	if err != nil {
		p.logger.Warn("pipeline run not recorded", "error", err)
	}
}
