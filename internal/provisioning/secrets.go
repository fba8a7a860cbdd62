package provisioning

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/smallbiznis/minipass/internal/auth/password"
)

// adminCredentials are generated per instance. Only the hash reaches the container.
type adminCredentials struct {
	password      string
	passwordHash  string
	sessionSecret string
}

func newAdminCredentials() (adminCredentials, error) {
	plain, err := randomSecret(12)
	if err != nil {
		return adminCredentials{}, err
	}
	hash, err := password.Hash(plain)
	if err != nil {
		return adminCredentials{}, fmt.Errorf("hash admin password: %w", err)
	}
	sessionSecret, err := randomSecret(32)
	if err != nil {
		return adminCredentials{}, err
	}
	return adminCredentials{
		password:      plain,
		passwordHash:  hash,
		sessionSecret: sessionSecret,
	}, nil
}

func randomSecret(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
