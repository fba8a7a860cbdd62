package db

import (
	"net/url"
	"testing"

	"github.com/smallbiznis/minipass/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresDSNEscapesCredentials(t *testing.T) {
	dsn := postgresDSN(config.Config{
		DBHost:     "db.internal",
		DBPort:     "5432",
		DBName:     "minipass",
		DBUser:     "minipass",
		DBPassword: "p@ss word",
		DBSSLMode:  "require",
	})

	u, err := url.Parse(dsn)
	require.NoError(t, err)
	pass, _ := u.User.Password()
	assert.Equal(t, "p@ss word", pass)
	assert.Equal(t, "db.internal:5432", u.Host)
	assert.Equal(t, "/minipass", u.Path)
	assert.Equal(t, "require", u.Query().Get("sslmode"))
	assert.Equal(t, "UTC", u.Query().Get("TimeZone"))
}

func TestSqliteDSN(t *testing.T) {
	assert.Equal(t, "file:minipass.db?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", sqliteDSN(config.Config{DBName: "minipass"}))
	assert.Equal(t, "file:data.db?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", sqliteDSN(config.Config{DBName: "data.db"}))
}

func TestDialectRejectsUnknownType(t *testing.T) {
	_, err := Dialect(config.Config{DBType: "mysql"})
	assert.Error(t, err)

	d, err := Dialect(config.Config{DBType: " Postgres "})
	require.NoError(t, err)
	assert.Equal(t, "postgres", d.Name())
}
