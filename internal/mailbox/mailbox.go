// Package mailbox provisions the per-customer mailbox and its forwarding rule.
package mailbox

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrInvalidAccount = errors.New("invalid_mail_account")
	// ErrNotApplied means the mail server accepted a change that is not visible afterwards.
	ErrNotApplied = errors.New("mail_change_not_applied")
)

// Account is one mailbox plus the address it forwards to.
type Account struct {
	Address   string
	ForwardTo string
	Password  string
}

func (a Account) Validate() error {
	if !looksLikeAddress(a.Address) || !looksLikeAddress(a.ForwardTo) {
		return ErrInvalidAccount
	}
	if strings.EqualFold(a.Address, a.ForwardTo) {
		return ErrInvalidAccount
	}
	if a.Password == "" {
		return ErrInvalidAccount
	}
	return nil
}

type Provisioner interface {
	// Ensure creates whatever is missing and confirms both entries exist afterwards.
	Ensure(ctx context.Context, account Account) error
	// Delete removes the forwarding rule and mailbox. Missing entries are not errors.
	Delete(ctx context.Context, address string) error
}

// AddressFor builds the customer's address on the shared mail domain.
func AddressFor(subdomain, domain string) string {
	return strings.ToLower(strings.TrimSpace(subdomain)) + "@" + strings.ToLower(strings.TrimSpace(domain))
}

func looksLikeAddress(v string) bool {
	at := strings.LastIndex(v, "@")
	return at > 0 && at < len(v)-1 && !strings.ContainsAny(v, " \t\n,")
}
