package main

import (
	"fmt"
	"net/url"

	"github.com/mattermost/mattermost-plugin-resq/server/location"
	"github.com/mattermost/mattermost-plugin-resq/server/messaging"
)

const (
	// MinAlertIntervalSeconds is the minimum allowed wait between alerts
	MinAlertIntervalSeconds = 5

	// MaxLocationTimeoutSeconds keeps a single position request shorter than a minute
	MaxLocationTimeoutSeconds = 60
)

// SupportedLocationProviders lists the location provider types this plugin supports
var SupportedLocationProviders = map[string]bool{
	location.TypeHTTP: true,
	location.TypeMQTT: true,
}

// validateConfiguration validates the plugin settings.
// Providers left unconfigured are valid; the start gate reports them to users.
func validateConfiguration(config *configuration) error {
	if config.AlertIntervalSeconds != 0 && config.AlertIntervalSeconds < MinAlertIntervalSeconds {
		return fmt.Errorf("alert interval must be at least %d seconds (got %d)",
			MinAlertIntervalSeconds, config.AlertIntervalSeconds)
	}

	if config.LocationTimeoutSeconds < 0 || config.LocationTimeoutSeconds > MaxLocationTimeoutSeconds {
		return fmt.Errorf("location timeout must be between 1 and %d seconds (got %d)",
			MaxLocationTimeoutSeconds, config.LocationTimeoutSeconds)
	}

	if config.LocationMaxAgeSeconds < 0 {
		return fmt.Errorf("location max age cannot be negative (got %d)", config.LocationMaxAgeSeconds)
	}

	if _, err := messaging.NormalizeCountryCode(config.CountryCode); err != nil {
		return err
	}

	if err := validateLocationProvider(config); err != nil {
		return err
	}

	if config.SMSBaseURL != "" {
		if err := validateURL(config.SMSBaseURL, "https"); err != nil {
			return fmt.Errorf("SMS base URL: %w", err)
		}
	}

	return nil
}

func validateLocationProvider(config *configuration) error {
	if config.LocationProvider == "" {
		return nil
	}

	if !SupportedLocationProviders[config.LocationProvider] {
		return fmt.Errorf("unsupported location provider '%s' (expected '%s' or '%s')",
			config.LocationProvider, location.TypeHTTP, location.TypeMQTT)
	}

	switch config.LocationProvider {
	case location.TypeHTTP:
		if err := validateURL(config.LocationServiceURL, "https"); err != nil {
			return fmt.Errorf("location service URL: %w", err)
		}
	case location.TypeMQTT:
		if err := validateURL(config.MQTTBroker, "tcp", "ssl", "tls", "ws", "wss", "mqtt", "mqtts"); err != nil {
			return fmt.Errorf("MQTT broker: %w", err)
		}
	}

	return nil
}

// validateURL checks that the URL is valid and uses one of the allowed schemes
func validateURL(rawURL string, schemes ...string) error {
	if rawURL == "" {
		return fmt.Errorf("url cannot be empty")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url format: %w", err)
	}

	allowed := false
	for _, scheme := range schemes {
		if parsed.Scheme == scheme {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("url must use %v (got %q)", schemes, parsed.Scheme)
	}

	if parsed.Host == "" {
		return fmt.Errorf("url must include a hostname")
	}

	return nil
}
