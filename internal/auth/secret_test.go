package auth

import "testing"

func TestHashAndVerifySecret(t *testing.T) {
	t.Parallel()

	hash, err := HashSecret("trigger-me-2026")
	if err != nil {
		t.Fatalf("hash secret: %v", err)
	}
	if hash == "" {
		t.Fatalf("expected non-empty hash")
	}
	if !VerifyTriggerSecret("trigger-me-2026", hash) {
		t.Fatalf("expected hashed secret verification to succeed")
	}
	if VerifyTriggerSecret("wrong-secret", hash) {
		t.Fatalf("did not expect wrong secret to verify")
	}
}

func TestVerifyTriggerSecret_Plain(t *testing.T) {
	t.Parallel()

	if !VerifyTriggerSecret("shared-token", "shared-token") {
		t.Fatalf("expected plain secret match to succeed")
	}
	if VerifyTriggerSecret("shared-token", "other-token") {
		t.Fatalf("did not expect mismatched plain secrets to verify")
	}
	if VerifyTriggerSecret("", "shared-token") {
		t.Fatalf("did not expect empty presented secret to verify")
	}
	if VerifyTriggerSecret("shared-token", "") {
		t.Fatalf("did not expect empty configured secret to verify")
	}
}
