package subscription

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownSubscriber is returned when an event cannot be attributed to a
// registered user.
var ErrUnknownSubscriber = errors.New("subscriber not found")

// AuthenticationError reports a webhook or receipt that failed verification.
// Nothing downstream of verification runs for such events.
type AuthenticationError struct {
	Platform Platform
	Err      error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("%s: authentication failed: %v", e.Platform, e.Err)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// MalformedEventError reports an authenticated event that is missing
// required fields or cannot be decoded.
type MalformedEventError struct {
	Platform Platform
	EventID  string
	Reason   string
	Err      error
}

func (e *MalformedEventError) Error() string {
	msg := fmt.Sprintf("%s event %q malformed: %s", e.Platform, e.EventID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedEventError) Unwrap() error {
	return e.Err
}

// Malformed builds a MalformedEventError with a formatted reason.
func Malformed(platform Platform, eventID, format string, args ...any) *MalformedEventError {
	return &MalformedEventError{Platform: platform, EventID: eventID, Reason: fmt.Sprintf(format, args...)}
}

// StaleEventError reports an event superseded by one already applied.
// It is informational: the caller acknowledges the delivery.
type StaleEventError struct {
	EventID          string
	EventTime        time.Time
	AppliedEventID   string
	AppliedEventTime time.Time
}

func (e *StaleEventError) Error() string {
	return fmt.Sprintf("event %q at %s superseded by %q at %s",
		e.EventID, e.EventTime.UTC().Format(time.RFC3339),
		e.AppliedEventID, e.AppliedEventTime.UTC().Format(time.RFC3339))
}

// StorageError reports a failed durable read or write. Webhook deliveries
// that hit one must not be acknowledged.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsAuthentication reports whether err is or wraps an AuthenticationError.
func IsAuthentication(err error) bool {
	var target *AuthenticationError
	return errors.As(err, &target)
}

// IsMalformed reports whether err is or wraps a MalformedEventError.
func IsMalformed(err error) bool {
	var target *MalformedEventError
	return errors.As(err, &target)
}

// IsStale reports whether err is or wraps a StaleEventError.
func IsStale(err error) bool {
	var target *StaleEventError
	return errors.As(err, &target)
}

// IsStorage reports whether err is or wraps a StorageError.
func IsStorage(err error) bool {
	var target *StorageError
	return errors.As(err, &target)
}
