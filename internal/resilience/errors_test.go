package resilience

import (
	"errors"
	"fmt"
	"syscall"
	"testing"
)

func TestIsTransient_TransportError(t *testing.T) {
	err := NewTransportError(errors.New("rate limited"), 429)
	if !IsTransient(err) {
		t.Error("expected TransportError to be transient")
	}
}

func TestIsTransient_WrappedTransportError(t *testing.T) {
	inner := NewTransportError(errors.New("overloaded"), 529)
	wrapped := fmt.Errorf("annotate record rec_001: %w", inner)
	if !IsTransient(wrapped) {
		t.Error("expected wrapped TransportError to be transient")
	}
}

func TestIsTransient_Syscall(t *testing.T) {
	if !IsTransient(syscall.ECONNRESET) {
		t.Error("expected ECONNRESET to be transient")
	}
	if !IsTransient(syscall.ECONNREFUSED) {
		t.Error("expected ECONNREFUSED to be transient")
	}
}

func TestIsTransient_StringHeuristics(t *testing.T) {
	cases := []string{
		"read tcp 10.0.0.1:443: connection reset by peer",
		"Post \"https://api.example.com\": TLS handshake timeout",
		"dial tcp: lookup api.example.com: no such host",
	}
	for _, msg := range cases {
		if !IsTransient(errors.New(msg)) {
			t.Errorf("expected %q to be transient", msg)
		}
	}
}

func TestIsTransient_Negative(t *testing.T) {
	if IsTransient(nil) {
		t.Error("nil must not be transient")
	}
	if IsTransient(errors.New("invalid request: missing field")) {
		t.Error("plain errors must not be transient")
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		if !IsTransientHTTPStatus(code) {
			t.Errorf("expected status %d to be transient", code)
		}
	}
	for _, code := range []int{200, 201, 400, 401, 403, 404, 422} {
		if IsTransientHTTPStatus(code) {
			t.Errorf("expected status %d not to be transient", code)
		}
	}
}

func TestExhaustedError_Unwrap(t *testing.T) {
	last := NewTransportError(errors.New("still overloaded"), 503)
	err := &ExhaustedError{Attempts: 4, LastErr: last}

	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatal("expected ExhaustedError to unwrap to TransportError")
	}
	if te.StatusCode != 503 {
		t.Errorf("expected status 503, got %d", te.StatusCode)
	}

	var ee *ExhaustedError
	if !errors.As(fmt.Errorf("job: %w", err), &ee) {
		t.Fatal("expected ExhaustedError to survive wrapping")
	}
	if ee.Attempts != 4 {
		t.Errorf("expected 4 attempts, got %d", ee.Attempts)
	}
}
