package email

import (
	"context"

	"go.uber.org/zap"
)

// Provider delivers customer notifications. Callers treat delivery as best effort.
type Provider interface {
	Send(ctx context.Context, to []string, subject string, htmlBody string) error
	SendTemplate(ctx context.Context, to []string, templateName string, data map[string]any) error
}

// DisabledProvider stands in when no SMTP relay is configured. It drops the
// message and leaves a trace so operators can hand credentials over manually.
type DisabledProvider struct {
	log *zap.Logger
}

func NewDisabled(log *zap.Logger) *DisabledProvider {
	if log == nil {
		log = zap.NewNop()
	}
	return &DisabledProvider{log: log.Named("email.disabled")}
}

func (p *DisabledProvider) Send(ctx context.Context, to []string, subject string, htmlBody string) error {
	p.log.Warn("email delivery disabled, message dropped", zap.Int("recipients", len(to)), zap.String("subject", subject))
	return nil
}

func (p *DisabledProvider) SendTemplate(ctx context.Context, to []string, templateName string, data map[string]any) error {
	return p.Send(ctx, to, subjectFor(templateName, data), "")
}
