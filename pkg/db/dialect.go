package db

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/smallbiznis/minipass/internal/config"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Dialect opens postgres for production; sqlite keeps single-host installs dependency free.
func Dialect(cfg config.Config) (gorm.Dialector, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.DBType)) {
	case "postgres", "postgresql":
		return postgres.Open(postgresDSN(cfg)), nil
	case "sqlite":
		return sqlite.Open(sqliteDSN(cfg)), nil
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.DBType)
	}
}

// postgresDSN builds a URL so credentials with spaces or quotes survive escaping.
func postgresDSN(cfg config.Config) string {
	q := url.Values{}
	q.Set("sslmode", cfg.DBSSLMode)
	q.Set("TimeZone", "UTC")
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.DBUser, cfg.DBPassword),
		Host:     net.JoinHostPort(cfg.DBHost, cfg.DBPort),
		Path:     "/" + cfg.DBName,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// sqliteDSN waits on locks instead of failing; the sweeper and webhook
// handlers write concurrently.
func sqliteDSN(cfg config.Config) string {
	name := cfg.DBName
	if !strings.HasSuffix(name, ".db") {
		name += ".db"
	}
	return "file:" + name + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
}
