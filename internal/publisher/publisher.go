package publisher

import (
	"context"
	"sync"
	"time"

	"gorm.io/datatypes"

	"github.com/clinext/extraction-engine/internal/domain"
	"github.com/clinext/extraction-engine/internal/pkg/httpx"
	"github.com/clinext/extraction-engine/internal/platform/logger"
)

// Sink is the externally-supplied publication destination. A gateway
// adapter or the reference cmd/server hub both satisfy this.
type Sink interface {
	Deliver(ctx context.Context, jobID string, event Event) error
}

// HubSink delivers via the in-process Hub, broadcasting to clients
// subscribed to the job's channel.
type HubSink struct {
	Hub *Hub
}

func (s HubSink) Deliver(ctx context.Context, jobID string, event Event) error {
	s.Hub.Broadcast(Message{Channel: jobID, Event: "section", Data: event})
	return nil
}

// BusSink delivers via a cross-process Bus.
type BusSink struct {
	Bus Bus
}

func (s BusSink) Deliver(ctx context.Context, jobID string, event Event) error {
	return s.Bus.Publish(ctx, Message{Channel: jobID, Event: "section", Data: event})
}

// Publisher delivers each section exactly once to its sink with
// at-least-once retries; idempotency is by (conversation_id,
// section_id), not section_id alone, since one engine-wide Publisher
// instance serves every conversation and section_id is only unique
// within a template group (e.g. "subjective" is a reasonable
// section_id for any number of unrelated conversations).
type Publisher struct {
	log        *logger.Logger
	sink       Sink
	maxRetries int

	mu        sync.Mutex
	delivered map[deliveryKey]bool
}

type deliveryKey struct {
	conversationID string
	sectionID      string
}

func New(log *logger.Logger, sink Sink) *Publisher {
	return &Publisher{
		log:        log.With("component", "Publisher"),
		sink:       sink,
		maxRetries: 5,
		delivered:  make(map[deliveryKey]bool),
	}
}

// Publish delivers event exactly once for its (conversation_id,
// section_id). A second call for an already-delivered pair is a no-op
// (idempotent) — this is what keeps a preempted job's re-run from
// double-publishing a section_id it shares with the job that
// preempted it. On permanent failure after retries, returns a non-nil
// error; the caller (Orchestrator) marks the section DeliveryFailed
// and the job PartiallyFailed.
func (p *Publisher) Publish(ctx context.Context, jobID, conversationID string, event Event) error {
	key := deliveryKey{conversationID: conversationID, sectionID: event.SectionID}

	p.mu.Lock()
	if p.delivered[key] {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	backoff := 500 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := p.sink.Deliver(ctx, jobID, event); err != nil {
			lastErr = err
			if attempt == p.maxRetries {
				break
			}
			sleepFor := httpx.JitterSleep(backoff)
			p.log.Warn("publication delivery retrying", "section_id", event.SectionID, "attempt", attempt+1, "error", err.Error())
			time.Sleep(sleepFor)
			backoff *= 2
			continue
		}
		p.mu.Lock()
		p.delivered[key] = true
		p.mu.Unlock()
		return nil
	}
	return lastErr
}

// ToEvent converts a validated SectionResult into the wire Event
// shape.
func ToEvent(templateType string, result domain.SectionResult, meta map[string]any) Event {
	return Event{
		TemplateType:       templateType,
		SectionType:        result.SectionType,
		SectionContent:     result.Content,
		SectionID:          result.SectionID,
		LineReferences:     result.LineReferences,
		SnomedMappings:     result.SnomedMappings,
		ConfidenceScore:    result.Confidence,
		ExtractedLanguage:  result.Language,
		ProcessingMetadata: datatypes.JSONMap(meta),
		ValidationStatus:   result.ValidationStatus,
		Error:              result.ErrorReason,
	}
}
