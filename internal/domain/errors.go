package domain

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrValidation          = errors.New("validation error")
	ErrNotFound            = errors.New("not found")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrUpstreamTimeout     = errors.New("upstream timeout")
	ErrUpstreamRejected    = errors.New("upstream rejected")
	ErrProcessing          = errors.New("processing error")
	ErrStaleDecision       = errors.New("stale decision")
	ErrPersistence         = errors.New("persistence error")
	ErrTerminal            = errors.New("set is terminal")
)

// Retryable reports whether err is a transient upstream failure.
func Retryable(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable) || errors.Is(err, ErrUpstreamTimeout)
}

// FailureReason renders err for humans. The prefix tells operators which
// remediation applies.
func FailureReason(err error) string {
	if err == nil {
		return ""
	}
	var prefix string
	switch {
	case errors.Is(err, ErrUpstreamRejected):
		prefix = "content rejected"
	case errors.Is(err, ErrUpstreamTimeout), errors.Is(err, ErrUpstreamUnavailable), errors.Is(err, context.DeadlineExceeded):
		prefix = "no upstream response"
	case errors.Is(err, ErrProcessing):
		prefix = "image processing failed"
	case errors.Is(err, ErrPersistence):
		prefix = "internal storage failure"
	case errors.Is(err, ErrValidation):
		prefix = "invalid input"
	default:
		prefix = "internal error"
	}
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		return prefix
	}
	return prefix + ": " + msg
}
