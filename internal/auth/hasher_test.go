package auth_test

import (
	"strings"
	"testing"

	"github.com/technosupport/ts-cloudcam/internal/auth"
)

func TestHashSecret(t *testing.T) {
	secret := "correct-horse-battery-staple"

	hash, err := auth.HashSecret(secret)
	if err != nil {
		t.Fatalf("Failed to hash secret: %v", err)
	}

	if !strings.HasPrefix(hash, "$argon2id$") {
		t.Errorf("Expected argon2id prefix, got %s", hash)
	}

	match, err := auth.CheckSecret(secret, hash)
	if err != nil {
		t.Errorf("CheckSecret returned error: %v", err)
	}
	if !match {
		t.Errorf("Secret did not match hash")
	}

	match, err = auth.CheckSecret("wrong-secret", hash)
	if err != nil {
		t.Errorf("CheckSecret returned error: %v", err)
	}
	if match {
		t.Errorf("Wrong secret matched hash")
	}
}

func TestCheckSecretRejectsMalformedHash(t *testing.T) {
	if _, err := auth.CheckSecret("x", "not-a-hash"); err == nil {
		t.Error("Expected error for malformed hash")
	}
	if _, err := auth.CheckSecret("x", "$bcrypt$v=19$m=1,t=1,p=1$a$b"); err == nil {
		t.Error("Expected error for wrong variant")
	}
}
