package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{InvalidInput("email", "a valid email address is required"), http.StatusBadRequest},
		{Unauthorized("invalid dossier or token"), http.StatusUnauthorized},
		{NotFound("dossier", "d1"), http.StatusNotFound},
		{Conflict("dossier_locked", "dossier is locked"), http.StatusConflict},
		{Dependency("geocoder", "lookup failed"), http.StatusBadGateway},
		{New(ErrCodeInternal, "boom"), http.StatusInternalServerError},
		{fmt.Errorf("uncoded"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := HTTPStatus(c.err); got != c.status {
			t.Fatalf("%v: expected %d, got %d", c.err, c.status, got)
		}
	}
}

func TestCodeOfDefaultsToInternal(t *testing.T) {
	if got := CodeOf(fmt.Errorf("plain")); got != ErrCodeInternal {
		t.Fatalf("expected %s, got %s", ErrCodeInternal, got)
	}
	if got := CodeOf(Conflict("hash_mismatch", "x")); got != ErrCodeConflict {
		t.Fatalf("expected %s, got %s", ErrCodeConflict, got)
	}
}

func TestReasonOf(t *testing.T) {
	if got := ReasonOf(Conflict("charger_limit", "x")); got != "charger_limit" {
		t.Fatalf("expected charger_limit, got %q", got)
	}
	if got := ReasonOf(InvalidInput("postal_code", "x")); got != "postal_code" {
		t.Fatalf("field should double as reason, got %q", got)
	}
	if got := ReasonOf(fmt.Errorf("plain")); got != "" {
		t.Fatalf("uncoded error has no reason, got %q", got)
	}
}

func TestMessageOfHidesUncodedErrors(t *testing.T) {
	if got := MessageOf(fmt.Errorf("pq: connection refused")); got != "internal error" {
		t.Fatalf("internal details must not leak, got %q", got)
	}
	if got := MessageOf(NotFound("charger", "c1")); got != "charger c1 not found" {
		t.Fatalf("unexpected message: %q", got)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("connection reset")
	err := Wrap(cause, ErrCodeDependency, "storage download failed")

	if !stderrors.Is(err, cause) {
		t.Fatal("wrapped cause must survive errors.Is")
	}
	if CodeOf(err) != ErrCodeDependency {
		t.Fatalf("expected %s, got %s", ErrCodeDependency, CodeOf(err))
	}
}

func TestCodedErrorsSurviveWrapping(t *testing.T) {
	err := fmt.Errorf("while saving: %w", Conflict("duplicate_serial", "serial already registered"))
	if CodeOf(err) != ErrCodeConflict || ReasonOf(err) != "duplicate_serial" {
		t.Fatalf("code/reason lost through %%w: %s / %s", CodeOf(err), ReasonOf(err))
	}
}
