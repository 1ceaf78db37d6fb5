package tracker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// ErrorKind classifies announce failures.
type ErrorKind int

const (
	// ErrorNetwork covers connection and transport failures.
	ErrorNetwork ErrorKind = iota
	// ErrorTimeout covers deadline expiry, including the UDP retry cap.
	ErrorTimeout
	// ErrorBadResponse covers responses that could not be parsed.
	ErrorBadResponse
	// ErrorFailure covers announce-level rejections sent by the tracker.
	ErrorFailure
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorNetwork:
		return "network"
	case ErrorTimeout:
		return "timeout"
	case ErrorBadResponse:
		return "bad-response"
	case ErrorFailure:
		return "tracker-failure"
	}
	return "unknown"
}

// Error is an announce failure tagged with the tracker it came from.
// Announce failures are never fatal to a fetch.
type Error struct {
	TrackerURL string
	Kind       ErrorKind
	// Message holds the tracker-supplied reason for ErrorFailure.
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("tracker %s: %s: %s", e.TrackerURL, e.Kind, e.Message)
	}
	return fmt.Sprintf("tracker %s: %s: %s", e.TrackerURL, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps a transport or parse error, classifying timeouts.
func NewError(trackerURL string, kind ErrorKind, err error) *Error {
	if isTimeout(err) {
		kind = ErrorTimeout
	}
	return &Error{TrackerURL: trackerURL, Kind: kind, Err: err}
}

// NewFailure builds an announce-level rejection error.
func NewFailure(trackerURL, reason string) *Error {
	return &Error{TrackerURL: trackerURL, Kind: ErrorFailure, Message: reason}
}

func isTimeout(err error) bool {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded)
}
