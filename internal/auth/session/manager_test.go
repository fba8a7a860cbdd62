package session

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/minipass/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newManager(t *testing.T, subdomain string) *Manager {
	t.Helper()
	m, err := NewManager(config.Config{Instance: config.InstanceConfig{Subdomain: subdomain, SessionSecret: testSecret}})
	require.NoError(t, err)
	return m
}

func testContext(req *http.Request) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = req
	return c, w
}

func TestNewManagerRequiresSecret(t *testing.T) {
	_, err := NewManager(config.Config{Instance: config.InstanceConfig{SessionSecret: "short"}})
	assert.ErrorIs(t, err, ErrMissingSecret)
}

func TestSetThenAdmin(t *testing.T) {
	m := newManager(t, "acme")

	c, w := testContext(httptest.NewRequest(http.MethodPost, "/api/session", nil))
	require.NoError(t, m.Set(c, "admin@acme.test", time.Now()))
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, DefaultCookieName, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookies[0])
	c, _ = testContext(req)
	email, ok := m.Admin(c)
	assert.True(t, ok)
	assert.Equal(t, "admin@acme.test", email)

	// Same secret, different instance.
	other := newManager(t, "globex")
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookies[0])
	c, _ = testContext(req)
	_, ok = other.Admin(c)
	assert.False(t, ok)
}

func TestAdminWithoutCookie(t *testing.T) {
	m := newManager(t, "acme")
	c, _ := testContext(httptest.NewRequest(http.MethodGet, "/", nil))

	_, ok := m.Admin(c)
	assert.False(t, ok)
}
