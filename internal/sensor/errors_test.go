package sensor

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"denied", ErrPermissionDenied, KindPermissionDenied},
		{"wrapped unavailable", fmt.Errorf("geolocation: %w", ErrSensorUnavailable), KindUnavailable},
		{"timeout", ErrSensorTimeout, KindTimeout},
		{"classified error", &Error{Sensor: Position, Kind: KindTimeout, Err: errors.New("slow")}, KindTimeout},
		{"other", errors.New("boom"), KindUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Fatalf("Classify(%v) = %q, want %q", tc.err, got, tc.want)
			}
		})
	}
}

func TestErrorUnwrapsToSentinel(t *testing.T) {
	err := NewError(Orientation, fmt.Errorf("prompt: %w", ErrPermissionDenied))
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("errors.Is(%v, ErrPermissionDenied) = false", err)
	}
	if err.Kind != KindPermissionDenied {
		t.Fatalf("Kind = %q, want %q", err.Kind, KindPermissionDenied)
	}
	if KindUnavailable.Retryable() || !KindTimeout.Retryable() {
		t.Fatalf("Retryable() mismatch")
	}
}
