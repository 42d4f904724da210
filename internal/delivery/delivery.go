// Package delivery uploads finalized archives to their destination.
//
// A Deliverer performs one upload attempt; the Transporter owns the scoped
// temporary file and the retry policy around it.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Document is an archive staged on disk for upload.
type Document struct {
	Name string
	Path string
	Size int64
}

// Deliverer makes a single upload attempt.
type Deliverer interface {
	Name() string
	Deliver(ctx context.Context, doc Document) error
}

// StatusError is an upload rejected by the remote end.
type StatusError struct {
	Code        int
	Description string
	After       time.Duration
}

func (e *StatusError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("upload rejected: status %d", e.Code)
	}
	return fmt.Sprintf("upload rejected: status %d: %s", e.Code, e.Description)
}

// RetryAfter is the wait the server asked for, zero when it gave none.
func (e *StatusError) RetryAfter() time.Duration { return e.After }

// IsTransient reports whether an upload error is worth another attempt:
// rate limiting, server errors and network failures are; client errors
// and local failures are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
