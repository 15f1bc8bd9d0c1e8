package auth

import (
	"crypto/subtle"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const DefaultBcryptCost = 12

// HashSecret produces a bcrypt hash suitable for storing in TRIGGER_SECRET.
func HashSecret(secret string) (string, error) {
	trimmed := strings.TrimSpace(secret)
	if trimmed == "" {
		return "", fmt.Errorf("secret is required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(trimmed), DefaultBcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	return string(hash), nil
}

// VerifyTriggerSecret checks a presented trigger token against the configured
// secret. A configured value starting with "$2" is treated as a bcrypt hash;
// anything else is compared in constant time as a plain shared secret.
func VerifyTriggerSecret(presented, configured string) bool {
	presentedTrimmed := strings.TrimSpace(presented)
	configuredTrimmed := strings.TrimSpace(configured)
	if presentedTrimmed == "" || configuredTrimmed == "" {
		return false
	}

	if strings.HasPrefix(configuredTrimmed, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(configuredTrimmed), []byte(presentedTrimmed)) == nil
	}

	return subtle.ConstantTimeCompare([]byte(presentedTrimmed), []byte(configuredTrimmed)) == 1
}
