package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"stampline/internal/domain"
)

// StatusError maps an HTTP failure from an upstream service onto the error
// taxonomy. 408, 429 and 5xx are transient; other 4xx are rejections.
func StatusError(service string, status int, msg string) error {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		msg = http.StatusText(status)
	}
	switch {
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %s status %d: %s", domain.ErrUpstreamTimeout, service, status, msg)
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: %s status %d: %s", domain.ErrUpstreamUnavailable, service, status, msg)
	default:
		return fmt.Errorf("%w: %s status %d: %s", domain.ErrUpstreamRejected, service, status, msg)
	}
}

// TransportError classifies a failed round trip. Deadline errors surface as
// timeouts; anything else means the service could not be reached.
func TransportError(service string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", domain.ErrUpstreamTimeout, service, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrUpstreamUnavailable, service, err)
}
