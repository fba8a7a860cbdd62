// Package subscriptionstate reads and writes the per-instance subscription.json
// that each deployed container mounts under /app/data.
package subscriptionstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const FileName = "subscription.json"

var (
	ErrNotFound     = errors.New("subscription_state_not_found")
	ErrInvalidState = errors.New("invalid_subscription_state")
	// ErrNoSubscription marks a readable document that names no gateway
	// subscription, such as files written before the subscription id existed.
	// It always comes wrapped together with ErrInvalidState.
	ErrNoSubscription = errors.New("subscription_state_without_subscription")
)

// State is the instance-local view of the customer's subscription.
type State struct {
	StripeCustomerID        string     `json:"stripe_customer_id"`
	StripeSubscriptionID    string     `json:"stripe_subscription_id"`
	StripePriceID           string     `json:"stripe_price_id,omitempty"`
	Plan                    string     `json:"plan"`
	Tier                    string     `json:"tier"`
	BillingFrequency        string     `json:"billing_frequency"`
	SubscriptionStart       time.Time  `json:"subscription_start"`
	SubscriptionEnd         time.Time  `json:"subscription_end"`
	CancelAtPeriodEnd       bool       `json:"cancel_at_period_end"`
	CancellationRequestedAt *time.Time `json:"cancellation_requested_at,omitempty"`
}

// Validate checks the fields every consumer of the file relies on.
func (s State) Validate() error {
	switch s.BillingFrequency {
	case "monthly", "annual":
	default:
		return fmt.Errorf("%w: billing_frequency %q", ErrInvalidState, s.BillingFrequency)
	}
	if strings.TrimSpace(s.Tier) == "" {
		return fmt.Errorf("%w: tier is required", ErrInvalidState)
	}
	if s.SubscriptionStart.IsZero() || s.SubscriptionEnd.IsZero() {
		return fmt.Errorf("%w: subscription period is required", ErrInvalidState)
	}
	if s.SubscriptionEnd.Before(s.SubscriptionStart) {
		return fmt.Errorf("%w: subscription_end before subscription_start", ErrInvalidState)
	}
	if s.CancellationRequestedAt != nil && !s.CancelAtPeriodEnd {
		return fmt.Errorf("%w: cancellation timestamp without cancel flag", ErrInvalidState)
	}
	return nil
}

// HasSubscription reports whether the state can be used to talk to the gateway.
func (s State) HasSubscription() bool {
	return strings.TrimSpace(s.StripeSubscriptionID) != ""
}

// Parse decodes and validates a state document. Unknown fields are rejected.
func Parse(data []byte) (State, error) {
	var ref struct {
		StripeSubscriptionID string `json:"stripe_subscription_id"`
	}
	if err := json.Unmarshal(data, &ref); err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if strings.TrimSpace(ref.StripeSubscriptionID) == "" {
		return State{}, fmt.Errorf("%w: %w", ErrInvalidState, ErrNoSubscription)
	}

	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()

	var s State
	if err := dec.Decode(&s); err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if err := s.Validate(); err != nil {
		return State{}, err
	}
	return s, nil
}

// Extend moves the end date to end unless that would shorten it.
func (s *State) Extend(end time.Time) bool {
	end = end.UTC()
	if !end.After(s.SubscriptionEnd) {
		return false
	}
	s.SubscriptionEnd = end
	return true
}

// RequestCancellation flags the subscription to stop at period end. The end date is untouched.
func (s *State) RequestCancellation(at time.Time) {
	at = at.UTC()
	s.CancelAtPeriodEnd = true
	s.CancellationRequestedAt = &at
}
