package bridge

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnavailable is reported when no endpoint could subscribe to a channel.
var ErrUnavailable = errors.New("platform chat unavailable")

// FailureClass tells the connect loop what to do after a failed attempt.
type FailureClass int

const (
	// Retryable failures retry the same endpoint up to MaxRetries.
	Retryable FailureClass = iota
	// FatalEndpoint failures skip to the next candidate endpoint.
	FatalEndpoint
	// FatalAll failures stop the connect loop; the subscription closes.
	FatalAll
)

func (c FailureClass) String() string {
	switch c {
	case Retryable:
		return "retryable"
	case FatalEndpoint:
		return "fatal-endpoint"
	case FatalAll:
		return "fatal-all"
	}
	return fmt.Sprintf("FailureClass(%d)", int(c))
}

// Failure is a classified transport error.
type Failure struct {
	Class FailureClass
	Code  int
	Err   error
}

func (f *Failure) Error() string {
	if f.Code != 0 {
		return fmt.Sprintf("%s (code %d): %v", f.Class, f.Code, f.Err)
	}
	return fmt.Sprintf("%s: %v", f.Class, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

func fail(class FailureClass, code int, err error) *Failure {
	return &Failure{Class: class, Code: code, Err: err}
}

// Classify maps an attempt error onto a FailureClass. Attempt timeouts
// move on to the next endpoint; cancellation stops everything; unknown
// errors (network resets, dial failures) are retryable.
func Classify(err error) FailureClass {
	var f *Failure
	switch {
	case err == nil:
		return Retryable
	case errors.As(err, &f):
		return f.Class
	case errors.Is(err, context.Canceled):
		return FatalAll
	case errors.Is(err, context.DeadlineExceeded):
		return FatalEndpoint
	}
	return Retryable
}

// pusherErrorClass follows the Pusher close-code ranges: 4000-4099 means the
// connection must not be retried as-is, 4100-4299 may reconnect.
func pusherErrorClass(code int) FailureClass {
	switch {
	case code >= 4000 && code <= 4099:
		return FatalEndpoint
	case code >= 4100 && code <= 4299:
		return Retryable
	}
	return Retryable
}

// subscriptionErrorClass classifies a pusher:subscription_error status.
// Auth rejections mean this endpoint cannot serve the channel.
func subscriptionErrorClass(status int) FailureClass {
	if status == 401 || status == 403 {
		return FatalEndpoint
	}
	return Retryable
}
