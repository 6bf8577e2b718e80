package core

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/careerhive/sentinel/internal/geoip"
	"github.com/careerhive/sentinel/internal/retry"
)

// ErrValidation marks a request rejected before processing.
var ErrValidation = errors.New("validation failed")

// EventStore is the durable home of security events.
type EventStore interface {
	InsertEvent(ctx context.Context, event *SecurityEvent) error
}

// Ingestor is the pipeline entry point: it enriches, persists, and
// evaluates incoming security events.
//
// Event logging is best-effort telemetry. Persistence failures are
// retried, then logged and swallowed: a monitoring outage must never
// fail the user-facing operation that produced the event. The audit
// trail (internal/audit) has the opposite policy.
type Ingestor struct {
	logger    zerolog.Logger
	events    EventStore
	ring      *EventRing
	geo       geoip.Resolver
	bus       *EventBus
	engine    *RuleEngine
	alerts    *AlertManager
	responses *ResponseExecutor
	metrics   *Metrics

	geoTimeout    time.Duration
	retryAttempts int
	retryBase     time.Duration
}

// NewIngestor wires the pipeline. bus and geo may be nil; the related
// enrichment steps are then skipped.
func NewIngestor(
	logger zerolog.Logger,
	events EventStore,
	ring *EventRing,
	geo geoip.Resolver,
	bus *EventBus,
	engine *RuleEngine,
	alerts *AlertManager,
	responses *ResponseExecutor,
	metrics *Metrics,
) *Ingestor {
	return &Ingestor{
		logger:        logger.With().Str("component", "ingestor").Logger(),
		events:        events,
		ring:          ring,
		geo:           geo,
		bus:           bus,
		engine:        engine,
		alerts:        alerts,
		responses:     responses,
		metrics:       metrics,
		geoTimeout:    3 * time.Second,
		retryAttempts: 3,
		retryBase:     200 * time.Millisecond,
	}
}

// LogSecurityEvent ingests one event and returns its assigned ID.
// Only validation errors propagate; everything downstream is
// best-effort.
func (in *Ingestor) LogSecurityEvent(ctx context.Context, eventType string, metadata map[string]interface{}, userID, ipAddress, userAgent string) (string, error) {
	if eventType == "" {
		return "", errors.Join(ErrValidation, errors.New("event type is required"))
	}

	event := NewSecurityEvent(eventType, metadata, userID, ipAddress, userAgent)

	// Geo enrichment: best-effort with its own timeout.
	if in.geo != nil && ipAddress != "" {
		geoCtx, cancel := context.WithTimeout(ctx, in.geoTimeout)
		loc, err := in.geo.Lookup(geoCtx, ipAddress)
		cancel()
		if err != nil {
			in.logger.Debug().Err(err).Str("ip", ipAddress).Msg("geo lookup failed")
		} else {
			event.Geo = loc
		}
	}

	// Persist with bounded retries; failures are swallowed.
	err := retry.Do(ctx, in.retryAttempts, in.retryBase, func() error {
		return in.events.InsertEvent(ctx, event)
	})
	if err != nil {
		in.logger.Error().Err(err).Str("event_id", event.ID).Msg("event persistence failed, continuing")
		if in.metrics != nil {
			in.metrics.EventWriteDropped()
		}
	}

	in.ring.Add(event)
	if in.metrics != nil {
		in.metrics.EventIngested(event.EventType)
	}

	if in.bus != nil {
		if err := in.bus.PublishEvent(event); err != nil {
			in.logger.Warn().Err(err).Str("event_id", event.ID).Msg("bus publish failed")
		}
	}

	in.evaluate(ctx, event)
	return event.ID, nil
}

// evaluate runs rule evaluation, alerting, and response actions for
// one event. Synchronous so increments for the same counter key keep
// their arrival order.
func (in *Ingestor) evaluate(ctx context.Context, event *SecurityEvent) {
	for _, match := range in.engine.Evaluate(ctx, event) {
		if in.metrics != nil {
			in.metrics.RuleMatched(match.Rule.ID)
		}

		alert, err := in.alerts.OnMatch(ctx, event, match.Rule)
		if err != nil {
			in.logger.Error().Err(err).Str("rule", match.Rule.ID).Msg("alert creation failed")
			continue
		}
		if alert == nil {
			continue // suppressed by dedup window
		}
		if in.metrics != nil {
			in.metrics.AlertCreated(alert.Severity)
		}
		if in.bus != nil {
			if err := in.bus.PublishAlert(alert); err != nil {
				in.logger.Warn().Err(err).Str("alert_id", alert.ID).Msg("alert publish failed")
			}
		}

		executed := in.responses.Execute(ctx, match.Rule.Actions, event, alert)
		event.ResponseActions = append(event.ResponseActions, executed...)
		if in.metrics != nil {
			for _, a := range executed {
				in.metrics.ActionExecuted(a)
			}
		}
	}
}

// RecentEvents serves the low-latency recent-event query from the
// in-process ring.
func (in *Ingestor) RecentEvents(n int) []*SecurityEvent {
	return in.ring.Recent(n)
}
