package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestIsMatchesByCode(t *testing.T) {
	err := New(CodeGrantNotFound, "grant missing")
	if !stderrors.Is(err, New(CodeGrantNotFound, "other message")) {
		t.Fatal("expected errors with the same code to match")
	}
	if stderrors.Is(err, New(CodeGrantExpired, "grant missing")) {
		t.Fatal("expected errors with different codes not to match")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := stderrors.New("disk failure")
	err := Wrap(CodeInternal, "store grant", cause)
	if !stderrors.Is(err, cause) {
		t.Fatal("expected wrapped cause to be reachable")
	}
}

func TestCodeOf(t *testing.T) {
	err := fmt.Errorf("handler: %w", New(CodeSlowDown, "polled too fast"))
	if code := CodeOf(err); code != CodeSlowDown {
		t.Fatalf("CodeOf = %q, want %q", code, CodeSlowDown)
	}
	if code := CodeOf(stderrors.New("plain")); code != CodeUnknown {
		t.Fatalf("CodeOf plain error = %q, want %q", code, CodeUnknown)
	}
	if code := CodeOf(nil); code != CodeUnknown {
		t.Fatalf("CodeOf nil = %q, want %q", code, CodeUnknown)
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		code Code
		want int
	}{
		{CodeAuthorizationPending, http.StatusBadRequest},
		{CodeSlowDown, http.StatusBadRequest},
		{CodeUnauthorizedClient, http.StatusUnauthorized},
		{CodeUnauthorizedAgent, http.StatusForbidden},
		{CodeAccessDenied, http.StatusForbidden},
		{CodeGrantNotFound, http.StatusNotFound},
		{CodeInvalidState, http.StatusConflict},
		{CodeGrantExpired, http.StatusGone},
		{CodeGrantRevoked, http.StatusGone},
		{CodeDecryptionFailed, http.StatusInternalServerError},
		{CodeUnknown, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := tc.code.HTTPStatus(); got != tc.want {
			t.Fatalf("HTTPStatus(%s) = %d, want %d", tc.code, got, tc.want)
		}
	}
}
