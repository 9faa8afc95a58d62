package sos

//go:generate mockgen -destination=mock_sos_test.go -package=sos -self_package=github.com/mattermost/mattermost-plugin-resq/server/sos github.com/mattermost/mattermost-plugin-resq/server/sos ContactSource,Indicator,LocationProvider,Messenger

import (
	"context"
	"errors"
	"time"

	"github.com/mattermost/mattermost-plugin-resq/server/contact"
)

var (
	// ErrLocationUnavailable is returned when the provider has no position to report.
	ErrLocationUnavailable = errors.New("location unavailable")

	// ErrLocationDenied is returned when the provider refuses to report the user's position.
	ErrLocationDenied = errors.New("location access denied")

	// ErrDeliveryFailure is returned when a message could not be handed to a recipient.
	ErrDeliveryFailure = errors.New("message delivery failed")
)

// Accuracy is the accuracy hint passed to a LocationProvider.
type Accuracy int

const (
	AccuracyHigh Accuracy = iota
	AccuracyBalanced
	AccuracyLow
)

func (a Accuracy) String() string {
	switch a {
	case AccuracyHigh:
		return "high"
	case AccuracyBalanced:
		return "balanced"
	case AccuracyLow:
		return "low"
	default:
		return "unknown"
	}
}

// Position is a single location fix.
type Position struct {
	// Latitude is the geographic latitude coordinate
	Latitude float64 `json:"latitude"`

	// Longitude is the geographic longitude coordinate
	Longitude float64 `json:"longitude"`

	// Accuracy is the uncertainty radius in meters, zero when unknown
	Accuracy float64 `json:"accuracy,omitempty"`

	// Time is when the fix was taken
	Time time.Time `json:"time"`
}

// LocationProvider fetches the current position of one user.
// A nil position with a nil error means no position could be obtained.
type LocationProvider interface {
	CurrentPosition(ctx context.Context, accuracy Accuracy) (*Position, error)
}

// Messenger delivers a text message to a single recipient number.
type Messenger interface {
	Send(ctx context.Context, number, text string) error
}

// ContactSource supplies the recipients for each iteration.
type ContactSource interface {
	List() []contact.Record
}

// Indicator is the user-visible marker shown while a loop is running.
type Indicator interface {
	Show(ctx context.Context) error
	Update(ctx context.Context, result IterationResult) error
	Dismiss(ctx context.Context) error
}

// Recorder persists the outcome of each iteration.
type Recorder interface {
	RecordIteration(result IterationResult) error
}

// Logger is the logging surface used by the loop.
type Logger interface {
	Debug(message string, keyValuePairs ...any)
	Info(message string, keyValuePairs ...any)
	Warn(message string, keyValuePairs ...any)
	Error(message string, keyValuePairs ...any)
}

// IterationResult describes one locate-and-notify cycle.
type IterationResult struct {
	SessionID string    `json:"sessionId"`
	Time      time.Time `json:"time"`
	Position  *Position `json:"position,omitempty"`
	Delivered int       `json:"delivered"`
	Failed    int       `json:"failed"`
	Error     string    `json:"error,omitempty"`
}

// Located reports whether the iteration obtained a position.
func (r IterationResult) Located() bool {
	return r.Position != nil
}

// Succeeded reports whether at least one contact received the alert.
func (r IterationResult) Succeeded() bool {
	return r.Delivered > 0
}
