package provisioning

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/smallbiznis/minipass/internal/config"
	customerdomain "github.com/smallbiznis/minipass/internal/customer/domain"
	"github.com/smallbiznis/minipass/internal/gateway"
	"go.uber.org/zap"
)

type CheckoutRequest struct {
	Email            string `json:"email" binding:"required,email"`
	Subdomain        string `json:"subdomain" binding:"required,subdomain"`
	OrganizationName string `json:"organization_name" binding:"max=200"`
	Tier             string `json:"tier" binding:"required"`
	Frequency        string `json:"billing_frequency" binding:"required,oneof=monthly annual"`
}

type Availability struct {
	Subdomain  string `json:"subdomain"`
	Valid      bool   `json:"valid"`
	Available  bool   `json:"available"`
	Suggestion string `json:"suggestion,omitempty"`
}

// CreateCheckout starts a subscription checkout for a subdomain that is free right now.
// The subdomain is only claimed once the completed checkout arrives.
func (s *Service) CreateCheckout(ctx context.Context, req CheckoutRequest) (gateway.CheckoutSession, error) {
	subdomain := customerdomain.NormalizeSubdomain(req.Subdomain)
	if !customerdomain.ValidSubdomain(subdomain) {
		return gateway.CheckoutSession{}, customerdomain.ErrInvalidSubdomain
	}
	emailAddr := strings.TrimSpace(req.Email)
	if emailAddr == "" || !strings.Contains(emailAddr, "@") {
		return gateway.CheckoutSession{}, customerdomain.ErrInvalidEmail
	}
	frequency := strings.ToLower(strings.TrimSpace(req.Frequency))
	if !customerdomain.BillingFrequency(frequency).Valid() {
		return gateway.CheckoutSession{}, customerdomain.ErrInvalidFrequency
	}

	catalog := s.plans.Get()
	plan, ok := catalog.Find(req.Tier)
	if !ok {
		return gateway.CheckoutSession{}, customerdomain.ErrInvalidPlan
	}
	priceID, err := catalog.PriceID(plan.Tier, frequency)
	switch {
	case errors.Is(err, config.ErrUnknownFrequency):
		return gateway.CheckoutSession{}, customerdomain.ErrInvalidFrequency
	case err != nil:
		return gateway.CheckoutSession{}, customerdomain.ErrInvalidPlan
	case priceID == "":
		s.log.Warn("plan has no price configured", zap.String("tier", plan.Tier), zap.String("billing_frequency", frequency))
		return gateway.CheckoutSession{}, customerdomain.ErrInvalidPlan
	}

	available, err := s.customers.SubdomainAvailable(ctx, subdomain)
	if err != nil {
		return gateway.CheckoutSession{}, err
	}
	if !available {
		return gateway.CheckoutSession{}, customerdomain.ErrSubdomainTaken
	}

	gwCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout())
	defer cancel()

	session, err := s.gateway.CreateCheckoutSession(gwCtx, gateway.CheckoutRequest{
		Email:            emailAddr,
		Subdomain:        subdomain,
		OrganizationName: strings.TrimSpace(req.OrganizationName),
		Tier:             strings.ToLower(plan.Tier),
		Frequency:        frequency,
		PriceID:          priceID,
	})
	if err != nil {
		return gateway.CheckoutSession{}, err
	}

	s.log.Info("checkout session created",
		zap.String("checkout_session", session.ID),
		zap.String("subdomain", subdomain),
		zap.String("tier", plan.Tier),
	)
	return session, nil
}

// CheckSubdomain reports whether a label can be claimed and, given an
// organization name, proposes one.
func (s *Service) CheckSubdomain(ctx context.Context, subdomain, organization string) (Availability, error) {
	subdomain = customerdomain.NormalizeSubdomain(subdomain)
	suggestion := customerdomain.SuggestSubdomain(organization)
	if subdomain == "" {
		subdomain = suggestion
	}

	out := Availability{Subdomain: subdomain, Valid: customerdomain.ValidSubdomain(subdomain)}
	if out.Valid {
		available, err := s.customers.SubdomainAvailable(ctx, subdomain)
		if err != nil {
			return Availability{}, err
		}
		out.Available = available
	}

	if suggestion != "" && suggestion != subdomain {
		available, err := s.customers.SubdomainAvailable(ctx, suggestion)
		if err != nil {
			return Availability{}, err
		}
		if available {
			out.Suggestion = suggestion
		}
	}
	return out, nil
}

func (s *Service) gatewayTimeout() time.Duration {
	if s.cfg.Stripe.Timeout > 0 {
		return s.cfg.Stripe.Timeout
	}
	return 30 * time.Second
}
