package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	tests := map[Code]int{
		BadRequest:  http.StatusBadRequest,
		NotFound:    http.StatusNotFound,
		Conflict:    http.StatusConflict,
		Unavailable: http.StatusServiceUnavailable,
		Internal:    http.StatusInternalServerError,
	}
	for code, want := range tests {
		if got := New(code, "x").HTTPStatus(); got != want {
			t.Errorf("%s: expected %d, got %d", code, want, got)
		}
	}
}

func TestWrap(t *testing.T) {
	cause := errors.New("database is locked")
	err := fmt.Errorf("record run: %w", Wrap(Unavailable, "run history unavailable", cause))

	if !errors.Is(err, cause) {
		t.Error("expected cause to be reachable")
	}
	var ae *AppError
	if !errors.As(err, &ae) {
		t.Fatal("expected AppError in chain")
	}
	if ae.Message() != "run history unavailable" {
		t.Errorf("unexpected message %q", ae.Message())
	}
	if ae.Error() != "run history unavailable: database is locked" {
		t.Errorf("unexpected error string %q", ae.Error())
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(fmt.Errorf("outer: %w", New(NotFound, "gone"))); got != NotFound {
		t.Errorf("expected NotFound, got %s", got)
	}
	if got := CodeOf(errors.New("plain")); got != Internal {
		t.Errorf("expected Internal, got %s", got)
	}
}
