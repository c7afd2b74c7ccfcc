package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"
)

func TestRetryPolicyDelayDoublesAndCaps(t *testing.T) {
	policy := RetryPolicy{BaseDelay: time.Second, MaxDelay: 10 * time.Second, MaxAttempts: 3}
	expected := []time.Duration{time.Second, time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for attempt, want := range expected {
		if got := policy.Delay(attempt); got != want {
			t.Fatalf("attempt %d: expected %s, got %s", attempt, want, got)
		}
	}
	if policy.Exhausted(2) || !policy.Exhausted(3) {
		t.Fatalf("unexpected exhaustion boundary")
	}
	if (RetryPolicy{}).Exhausted(1000) {
		t.Fatalf("zero limit must never exhaust")
	}
}

func sha256Hex(buffer []byte) string {
	digest := sha256.Sum256(buffer)
	return hex.EncodeToString(digest[:])
}
