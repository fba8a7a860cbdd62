package password

import (
	"encoding/base64"
	"fmt"
	"testing"

	"golang.org/x/crypto/argon2"
)

func TestHashAndVerify(t *testing.T) {
	hash, err := Hash("correct horse")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !Verify("correct horse", hash) {
		t.Fatalf("expected password to verify")
	}
	if Verify("wrong", hash) {
		t.Fatalf("expected wrong password to fail")
	}
}

func TestVerifyArgon2id(t *testing.T) {
	salt := []byte("0123456789abcdef")
	sum := argon2.IDKey([]byte("s3cret"), salt, 1, 64*1024, 4, 32)
	encoded := fmt.Sprintf("$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s",
		64*1024, 1, 4,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(sum),
	)

	if !Verify("s3cret", encoded) {
		t.Fatalf("expected argon2id hash to verify")
	}
	if Verify("nope", encoded) {
		t.Fatalf("expected argon2id mismatch")
	}
}

func TestVerifyRejectsUnknownFormats(t *testing.T) {
	for _, encoded := range []string{"", "plaintext", "$argon2id$v=19$bad", "$1$md5$hash"} {
		if Verify("x", encoded) {
			t.Fatalf("expected %q to be rejected", encoded)
		}
	}
}
