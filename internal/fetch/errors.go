package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/tapedeck/tapedeck/internal/track"
)

// FetchError reports a failed fetch after all fallbacks were exhausted.
// The orchestrator performs no retry loop of its own; retrying is the
// playback layer's decision.
type FetchError struct {
	Ref   track.Ref
	Cause error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Ref.URL(), e.Cause)
}

func (e *FetchError) Unwrap() error { return e.Cause }

// httpStatusError marks a non-2xx response from a direct stream source.
type httpStatusError struct {
	status int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d", e.status)
}

// transient reports whether a direct-stream failure is the kind that the
// managed download path may survive: connection resets, timeouts, truncated
// bodies, server-side errors. A caller cancellation is never transient.
func transient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return statusErr.status >= 500
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
