package providers

import (
	"context"
	"testing"
	"time"
)

func TestRetryDoRetriesOnRetryableStatus(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond}
	attempts := 0
	result, err := RetryDo(context.Background(), cfg, func() (string, error) {
		attempts++
		if attempts < 3 {
			return "", &HTTPError{Status: 429, Body: "rate limited"}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "ok" {
		t.Fatalf("expected ok, got %q", result)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryDoDoesNotRetryPermanentStatus(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond}
	attempts := 0
	_, err := RetryDo(context.Background(), cfg, func() (string, error) {
		attempts++
		return "", &HTTPError{Status: 400, Body: "bad request"}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt for a permanent error, got %d", attempts)
	}
}

func TestRetryDoExhaustsRetriesAndReturnsLastError(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond}
	attempts := 0
	_, err := RetryDo(context.Background(), cfg, func() (string, error) {
		attempts++
		return "", &HTTPError{Status: 503, Body: "unavailable"}
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if attempts != 3 {
		t.Fatalf("expected 1 initial + 2 retries = 3 attempts, got %d", attempts)
	}
}

func TestRetryDoHonorsRetryAfterHint(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 1, BaseDelay: time.Second}
	start := time.Now()
	attempts := 0
	_, _ = RetryDo(context.Background(), cfg, func() (string, error) {
		attempts++
		if attempts == 1 {
			return "", &HTTPError{Status: 429, Body: "slow down", RetryAfter: 10 * time.Millisecond}
		}
		return "ok", nil
	})
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("expected Retry-After hint (10ms) to override exponential BaseDelay (1s), took %v", elapsed)
	}
}

func TestRetryDoRetriesTransportError(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond}
	attempts := 0
	result, err := RetryDo(context.Background(), cfg, func() (string, error) {
		attempts++
		if attempts < 2 {
			return "", &TransportError{Err: context.DeadlineExceeded}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "ok" {
		t.Fatalf("expected ok, got %q", result)
	}
}

func TestParseRetryAfterParsesSeconds(t *testing.T) {
	if d := ParseRetryAfter("5"); d != 5*time.Second {
		t.Fatalf("expected 5s, got %v", d)
	}
	if d := ParseRetryAfter(""); d != 0 {
		t.Fatalf("expected 0 for empty header, got %v", d)
	}
	if d := ParseRetryAfter("not-a-number"); d != 0 {
		t.Fatalf("expected 0 for unparsable header, got %v", d)
	}
}
