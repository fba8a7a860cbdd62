package service

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/minipass/internal/clock"
	"github.com/smallbiznis/minipass/internal/gateway"
	obscontext "github.com/smallbiznis/minipass/internal/observability/context"
	obsmetrics "github.com/smallbiznis/minipass/internal/observability/metrics"
	"github.com/smallbiznis/minipass/internal/observability/tracing"
	"github.com/smallbiznis/minipass/internal/webhook/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Repo    domain.Repository
	Gateway gateway.Gateway
	Handler domain.Handler
	Clock   clock.Clock
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	repo    domain.Repository
	gateway gateway.Gateway
	handler domain.Handler
	clock   clock.Clock
	metrics *obsmetrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("webhook.service"),
		genID:   p.GenID,
		repo:    p.Repo,
		gateway: p.Gateway,
		handler: p.Handler,
		clock:   p.Clock,
		metrics: p.Metrics,
	}
}

// Ingest verifies, records and dispatches one gateway delivery. Ignored event
// types and events already processed return nil so the gateway stops retrying.
func (s *Service) Ingest(ctx context.Context, payload []byte, headers http.Header) error {
	provider := s.gateway.Name()

	if err := s.gateway.Verify(payload, headers); err != nil {
		s.metrics.RecordWebhookEvent(ctx, provider, "unknown", "rejected")
		return err
	}

	event, parseErr := s.gateway.Parse(payload)
	if parseErr != nil && !errors.Is(parseErr, gateway.ErrEventIgnored) {
		s.metrics.RecordWebhookEvent(ctx, provider, "unknown", "invalid")
		return parseErr
	}
	if event == nil {
		// Recognized type whose object is out of scope, e.g. a one-off invoice.
		s.metrics.RecordWebhookEvent(ctx, provider, "unknown", string(domain.OutcomeIgnored))
		return nil
	}

	ctx = obscontext.WithEventID(ctx, event.ID)
	ctx, span := tracing.Start(ctx, "webhook.ingest",
		attribute.String("provider", provider),
		attribute.String("event_type", event.RawType),
	)
	var err error
	defer func() { tracing.End(span, err) }()

	log := s.log.With(
		zap.String("provider", provider),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.RawType),
	)

	record, fresh, err := s.record(ctx, provider, event)
	if err != nil {
		return err
	}
	if !fresh && record.ProcessedAt != nil {
		log.Info("webhook already processed", zap.String("outcome", string(record.Outcome)))
		s.metrics.RecordWebhookEvent(ctx, provider, event.RawType, "duplicate")
		return nil
	}

	if errors.Is(parseErr, gateway.ErrEventIgnored) {
		s.finish(ctx, record, domain.OutcomeIgnored, "")
		log.Debug("webhook event ignored")
		s.metrics.RecordWebhookEvent(ctx, provider, event.RawType, string(domain.OutcomeIgnored))
		return nil
	}

	if err = s.handler.Handle(ctx, event); err != nil {
		s.finish(ctx, record, domain.OutcomeFailed, err.Error())
		log.Error("webhook handling failed", zap.Error(err))
		s.metrics.RecordWebhookEvent(ctx, provider, event.RawType, string(domain.OutcomeFailed))
		return err
	}

	s.finish(ctx, record, domain.OutcomeProcessed, "")
	log.Info("webhook processed")
	s.metrics.RecordWebhookEvent(ctx, provider, event.RawType, string(domain.OutcomeProcessed))
	return nil
}

func (s *Service) record(ctx context.Context, provider string, event *gateway.Event) (*domain.Event, bool, error) {
	row := &domain.Event{
		ID:         s.genID.Generate(),
		Provider:   provider,
		EventID:    event.ID,
		EventType:  strings.TrimSpace(event.RawType),
		Outcome:    domain.OutcomeReceived,
		Payload:    datatypes.JSON(event.Payload),
		ReceivedAt: s.clock.Now(),
	}
	inserted, err := s.repo.Insert(ctx, s.db, row)
	if err != nil {
		return nil, false, err
	}
	if inserted {
		return row, true, nil
	}

	existing, err := s.repo.FindByEventID(ctx, s.db, provider, event.ID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return row, true, nil
	}
	return existing, false, nil
}

// finish records the outcome. A failure here only costs dedup on redelivery.
func (s *Service) finish(ctx context.Context, record *domain.Event, outcome domain.Outcome, errMsg string) {
	if err := s.repo.MarkOutcome(context.WithoutCancel(ctx), s.db, record.ID, outcome, errMsg, s.clock.Now()); err != nil {
		s.log.Warn("failed to record webhook outcome",
			zap.String("event_id", record.EventID),
			zap.String("outcome", string(outcome)),
			zap.Error(err),
		)
	}
}
