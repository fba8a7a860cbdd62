package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/minipass/internal/audit/domain"
	"github.com/smallbiznis/minipass/internal/audit/masking"
	"github.com/smallbiznis/minipass/internal/clock"
	obscontext "github.com/smallbiznis/minipass/internal/observability/context"
	"github.com/smallbiznis/minipass/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultPageSize = 50
	maxPageSize     = 250
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  auditdomain.Repository
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  auditdomain.Repository
	clock clock.Clock
}

func NewService(p Params) auditdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
		repo:  p.Repo,
		clock: p.Clock,
	}
}

// Record appends one entry. Actor defaults to system; the target type to customer.
func (s *Service) Record(ctx context.Context, entry auditdomain.Entry) error {
	action := strings.TrimSpace(entry.Action)
	if action == "" {
		return auditdomain.ErrInvalidAction
	}

	row := auditdomain.AuditLog{
		ID:         s.genID.Generate(),
		ActorType:  cmpOr(string(entry.ActorType), string(auditdomain.ActorTypeSystem)),
		ActorID:    optional(entry.ActorID),
		Action:     action,
		TargetType: cmpOr(entry.TargetType, auditdomain.TargetTypeCustomer),
		TargetID:   optional(entry.TargetID),
		Metadata:   metadataFor(ctx, entry.Metadata),
		CreatedAt:  s.clock.Now().UTC(),
	}
	if err := s.repo.Insert(ctx, s.db, &row); err != nil {
		s.log.Warn("audit write failed",
			zap.String("action", action),
			zap.Stringp("target_id", row.TargetID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// metadataFor masks credentials and stamps the request or webhook event that caused the change.
func metadataFor(ctx context.Context, metadata map[string]any) datatypes.JSONMap {
	out := datatypes.JSONMap(masking.MaskSensitive(metadata))
	if out == nil {
		out = datatypes.JSONMap{}
	}
	for key, value := range map[string]string{
		"request_id": obscontext.RequestIDFromContext(ctx),
		"event_id":   obscontext.EventIDFromContext(ctx),
	} {
		if value != "" {
			out[key] = value
		}
	}
	return out
}

func (s *Service) List(ctx context.Context, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	if req.StartAt != nil && req.EndAt != nil && req.StartAt.After(*req.EndAt) {
		return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidTimeRange
	}
	cursor, err := decodeCursor(req.PageToken)
	if err != nil {
		return auditdomain.ListAuditLogResponse{}, err
	}
	pageSize := clampPageSize(req.PageSize)

	items, err := s.repo.List(ctx, s.db, auditdomain.ListFilter{
		Action:     req.Action,
		TargetType: req.TargetType,
		TargetID:   req.TargetID,
		ActorType:  req.ActorType,
		StartAt:    req.StartAt,
		EndAt:      req.EndAt,
		Cursor:     cursor,
		Limit:      pageSize,
	})
	if err != nil {
		return auditdomain.ListAuditLogResponse{}, err
	}

	var resp auditdomain.ListAuditLogResponse
	if info := pagination.BuildCursorPageInfo(items, pageSize, encodeCursor); info != nil {
		resp.PageInfo = *info
	}
	resp.AuditLogs = make([]auditdomain.AuditLog, 0, min(len(items), pageSize))
	for _, item := range items[:min(len(items), pageSize)] {
		if item != nil {
			resp.AuditLogs = append(resp.AuditLogs, *item)
		}
	}
	return resp, nil
}

func clampPageSize(size int32) int {
	switch {
	case size <= 0:
		return defaultPageSize
	case size > maxPageSize:
		return maxPageSize
	default:
		return int(size)
	}
}

func encodeCursor(item *auditdomain.AuditLog) string {
	token, err := pagination.EncodeCursor(pagination.Cursor{
		ID:        item.ID.String(),
		CreatedAt: item.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return ""
	}
	return token
}

// decodeCursor returns nil for an empty token and ErrInvalidPageToken for anything unreadable.
func decodeCursor(token string) (*auditdomain.AuditCursor, error) {
	if strings.TrimSpace(token) == "" {
		return nil, nil
	}
	decoded, err := pagination.DecodeCursor(token)
	if err != nil {
		return nil, auditdomain.ErrInvalidPageToken
	}
	createdAt, err := time.Parse(time.RFC3339Nano, decoded.CreatedAt)
	if err != nil {
		return nil, auditdomain.ErrInvalidPageToken
	}
	id, err := snowflake.ParseString(strings.TrimSpace(decoded.ID))
	if err != nil || id == 0 {
		return nil, auditdomain.ErrInvalidPageToken
	}
	return &auditdomain.AuditCursor{ID: id, CreatedAt: createdAt}, nil
}

func cmpOr(value, fallback string) string {
	if value = strings.TrimSpace(value); value != "" {
		return value
	}
	return fallback
}

func optional(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
