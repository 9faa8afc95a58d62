package main

import (
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrPermissionRequired is returned when a precondition for sharing the user's location is missing.
	ErrPermissionRequired = errors.New("permission required")

	// ErrNoContacts is returned when starting SOS without any trusted contact.
	ErrNoContacts = errors.New("no trusted contacts")
)

// PermissionError lists what must be fixed before SOS can start.
type PermissionError struct {
	Missing []string
}

func (e *PermissionError) Error() string {
	return "permission required: " + strings.Join(e.Missing, "; ")
}

func (e *PermissionError) Unwrap() error {
	return ErrPermissionRequired
}

// checkStartPermissions verifies that the providers are configured, the
// user has consented to location sharing and the bot can message the user.
// It returns the bot DM channel used for the indicator.
func (p *Plugin) checkStartPermissions(userID string) (string, error) {
	config := p.getConfiguration()
	locator, messenger := p.providers()

	var missing []string

	if !config.MessagingConfigured() || messenger == nil {
		missing = append(missing, "the SMS gateway is not configured")
	}

	if !config.LocationConfigured() || locator == nil {
		missing = append(missing, "no location provider is configured")
	}

	consent, err := p.stateStore(userID).HasConsent()
	if err != nil {
		return "", errors.Wrap(err, "failed to read location sharing consent")
	}
	if !consent {
		missing = append(missing, "location sharing is not allowed (run `/resq consent grant`)")
	}

	var channelID string
	channel, appErr := p.API.GetDirectChannel(userID, p.botID)
	if appErr != nil || channel == nil {
		missing = append(missing, "the ResQ bot cannot message you")
	} else {
		channelID = channel.Id
	}

	if len(missing) > 0 {
		return "", &PermissionError{Missing: missing}
	}

	return channelID, nil
}
