// Package session keeps the instance admin logged in with a signed cookie.
package session

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/sessions"
	"github.com/smallbiznis/minipass/internal/config"
)

const (
	DefaultCookieName = "_minipass_admin"
	defaultMaxAge     = 12 * time.Hour

	keyEmail     = "email"
	keySubdomain = "subdomain"
	keyIssuedAt  = "issued_at"
)

var ErrMissingSecret = errors.New("session_secret_missing")

// Manager issues sessions bound to a single instance subdomain.
type Manager struct {
	cookieName string
	subdomain  string
	store      *sessions.CookieStore
}

func NewManager(cfg config.Config) (*Manager, error) {
	secret := strings.TrimSpace(cfg.Instance.SessionSecret)
	if len(secret) < 16 {
		return nil, ErrMissingSecret
	}
	store := sessions.NewCookieStore([]byte(secret))
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(defaultMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   cfg.IsProduction(),
		SameSite: http.SameSiteLaxMode,
	}
	return &Manager{
		cookieName: DefaultCookieName,
		subdomain:  cfg.Instance.Subdomain,
		store:      store,
	}, nil
}

func (m *Manager) CookieName() string {
	return m.cookieName
}

// Set starts an admin session for email.
func (m *Manager) Set(c *gin.Context, email string, now time.Time) error {
	sess, _ := m.store.Get(c.Request, m.cookieName)
	sess.Values[keyEmail] = email
	sess.Values[keySubdomain] = m.subdomain
	sess.Values[keyIssuedAt] = now.Unix()
	return sess.Save(c.Request, c.Writer)
}

// Admin returns the logged-in admin email when the session belongs to this instance.
func (m *Manager) Admin(c *gin.Context) (string, bool) {
	sess, err := m.store.Get(c.Request, m.cookieName)
	if err != nil || sess.IsNew {
		return "", false
	}
	subdomain, _ := sess.Values[keySubdomain].(string)
	if subdomain != m.subdomain {
		return "", false
	}
	email, _ := sess.Values[keyEmail].(string)
	if strings.TrimSpace(email) == "" {
		return "", false
	}
	return email, true
}

func (m *Manager) Clear(c *gin.Context) error {
	sess, _ := m.store.Get(c.Request, m.cookieName)
	sess.Options.MaxAge = -1
	sess.Values = map[interface{}]interface{}{}
	return sess.Save(c.Request, c.Writer)
}
