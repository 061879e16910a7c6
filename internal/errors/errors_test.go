package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestTransientError(t *testing.T) {
	base := errors.New("connection reset")
	err := NewTransient(base)

	if !IsTransient(err) {
		t.Error("expected transient error")
	}
	if IsPermanent(err) {
		t.Error("transient error must not be permanent")
	}
	if !errors.Is(err, base) {
		t.Error("expected wrapped cause to be reachable via errors.Is")
	}
}

func TestPermanentError(t *testing.T) {
	err := NewPermanentf("bad credentials")

	if !IsPermanent(err) {
		t.Error("expected permanent error")
	}
	if IsTransient(err) {
		t.Error("permanent error must not be transient")
	}
}

func TestMalformedError(t *testing.T) {
	err := NewMalformedf("unexpected end of JSON input")

	if !IsMalformed(err) {
		t.Error("expected malformed error")
	}
	if !IsPermanent(err) {
		t.Error("malformed errors are permanent: retrying cannot fix parsing")
	}
	if IsTransient(err) {
		t.Error("malformed error must not be transient")
	}
	if !errors.Is(err, ErrMalformed) {
		t.Error("expected errors.Is match against ErrMalformed sentinel")
	}
}

func TestWrappedClassificationSurvivesFmtErrorf(t *testing.T) {
	inner := NewTransientf("socket timeout")
	outer := fmt.Errorf("lookup for nginx failed: %w", inner)

	if !IsTransient(outer) {
		t.Error("transient mark must survive fmt.Errorf wrapping")
	}
}

func TestIsRateLimited(t *testing.T) {
	err := ClassifyHTTPStatus(http.StatusTooManyRequests)

	if !IsRateLimited(err) {
		t.Error("429 must carry the rate limit signal")
	}
	if !IsTransient(err) {
		t.Error("429 must be retryable")
	}

	if IsRateLimited(NewTransientf("plain transient")) {
		t.Error("plain transient error must not look rate limited")
	}
	if IsRateLimited(nil) {
		t.Error("nil is not rate limited")
	}
}

func TestClassifyHTTPStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantNil   bool
		wantClass string
	}{
		{"200 ok", http.StatusOK, true, ""},
		{"201 created", http.StatusCreated, true, ""},
		{"404 is a valid empty result", http.StatusNotFound, true, ""},
		{"429 transient rate limit", http.StatusTooManyRequests, false, "transient"},
		{"500 transient", http.StatusInternalServerError, false, "transient"},
		{"503 transient", http.StatusServiceUnavailable, false, "transient"},
		{"400 permanent", http.StatusBadRequest, false, "permanent"},
		{"401 permanent", http.StatusUnauthorized, false, "permanent"},
		{"403 permanent", http.StatusForbidden, false, "permanent"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ClassifyHTTPStatus(tt.status)
			if tt.wantNil {
				if err != nil {
					t.Fatalf("expected nil for status %d, got %v", tt.status, err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error for status %d", tt.status)
			}
			switch tt.wantClass {
			case "transient":
				if !IsTransient(err) {
					t.Errorf("status %d: expected transient, got %v", tt.status, err)
				}
			case "permanent":
				if !IsPermanent(err) {
					t.Errorf("status %d: expected permanent, got %v", tt.status, err)
				}
			}
		})
	}
}

func TestNilHandling(t *testing.T) {
	if NewTransient(nil) != nil {
		t.Error("NewTransient(nil) must be nil")
	}
	if NewPermanent(nil) != nil {
		t.Error("NewPermanent(nil) must be nil")
	}
	if IsTransient(nil) || IsPermanent(nil) || IsMalformed(nil) {
		t.Error("nil error must not classify as anything")
	}
}
