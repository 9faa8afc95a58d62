package messaging

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/go-resty/resty/v2"

	"github.com/mattermost/mattermost-plugin-resq/server/sos"
)

const (
	// DefaultBaseURL is the Twilio REST API endpoint.
	DefaultBaseURL = "https://api.twilio.com"

	// DefaultCountryCode is prefixed to ten-digit contact numbers.
	DefaultCountryCode = "+91"

	requestTimeout = 15 * time.Second
)

// Config holds the SMS gateway credentials.
type Config struct {
	// BaseURL is the Twilio-compatible API root (default: DefaultBaseURL)
	BaseURL string

	// AccountSID identifies the account and is the basic auth username
	AccountSID string

	// AuthToken is the basic auth password
	AuthToken string

	// From is the sending number in E.164 form
	From string

	// CountryCode is prefixed to contact numbers (default: DefaultCountryCode)
	CountryCode string
}

// apiError is the error body returned by Twilio-compatible gateways.
type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// messageResponse is the subset of the created message resource we log.
type messageResponse struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

// SMSMessenger sends text messages through a Twilio-compatible REST API.
// Each Send is a single attempt.
type SMSMessenger struct {
	client      *resty.Client
	accountSID  string
	from        string
	countryCode string
	logger      sos.Logger
}

// NewSMSMessenger validates config and creates the messenger.
func NewSMSMessenger(config Config, logger sos.Logger) (*SMSMessenger, error) {
	if config.AccountSID == "" {
		return nil, fmt.Errorf("SMS account SID is required")
	}
	if config.AuthToken == "" {
		return nil, fmt.Errorf("SMS auth token is required")
	}
	if config.From == "" {
		return nil, fmt.Errorf("SMS sender number is required")
	}

	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	countryCode, err := NormalizeCountryCode(config.CountryCode)
	if err != nil {
		return nil, err
	}

	client := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetTimeout(requestTimeout).
		SetBasicAuth(config.AccountSID, config.AuthToken).
		SetHeader("Accept", "application/json")

	return &SMSMessenger{
		client:      client,
		accountSID:  config.AccountSID,
		from:        config.From,
		countryCode: countryCode,
		logger:      logger,
	}, nil
}

// Send delivers text to a canonical ten-digit number.
func (m *SMSMessenger) Send(ctx context.Context, number, text string) error {
	to := m.countryCode + number

	var created messageResponse
	var failure apiError
	resp, err := m.client.R().
		SetContext(ctx).
		SetPathParam("accountSid", m.accountSID).
		SetFormData(map[string]string{
			"To":   to,
			"From": m.from,
			"Body": text,
		}).
		SetResult(&created).
		SetError(&failure).
		Post("/2010-04-01/Accounts/{accountSid}/Messages.json")
	if err != nil {
		return fmt.Errorf("%w: SMS request failed: %w", sos.ErrDeliveryFailure, err)
	}

	if resp.IsError() {
		if failure.Message != "" {
			return fmt.Errorf("%w: SMS gateway rejected message (HTTP %d, code %d): %s",
				sos.ErrDeliveryFailure, resp.StatusCode(), failure.Code, failure.Message)
		}
		return fmt.Errorf("%w: SMS gateway returned HTTP %d", sos.ErrDeliveryFailure, resp.StatusCode())
	}

	m.logger.Debug("SMS accepted by gateway",
		"to", to,
		"sid", created.SID,
		"status", created.Status)

	return nil
}

// NormalizeCountryCode returns code as "+<digits>". An empty code yields
// DefaultCountryCode.
func NormalizeCountryCode(code string) (string, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return DefaultCountryCode, nil
	}

	digits := strings.TrimPrefix(code, "+")
	if digits == "" || len(digits) > 4 {
		return "", fmt.Errorf("invalid country code %q", code)
	}
	for _, r := range digits {
		if r > unicode.MaxASCII || !unicode.IsDigit(r) {
			return "", fmt.Errorf("invalid country code %q", code)
		}
	}

	return "+" + digits, nil
}
