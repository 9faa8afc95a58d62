package main

import (
	"reflect"
	"time"

	"github.com/pkg/errors"

	"github.com/mattermost/mattermost-plugin-resq/server/location"
	"github.com/mattermost/mattermost-plugin-resq/server/messaging"
	"github.com/mattermost/mattermost-plugin-resq/server/sos"
)

// configuration captures the plugin's external configuration as exposed in the Mattermost server
// configuration, as well as values computed from the configuration. Any public fields will be
// deserialized from the Mattermost server configuration in OnConfigurationChange.
//
// As plugins are inherently concurrent (hooks being called asynchronously), and the plugin
// configuration can change at any time, access to the configuration must be synchronized. The
// strategy used in this plugin is to guard a pointer to the configuration, and clone the entire
// struct whenever it changes.
type configuration struct {
	// LocationProvider selects where positions come from: "http", "mqtt" or empty (disabled)
	LocationProvider string

	// LocationServiceURL and LocationServiceToken configure the "http" provider
	LocationServiceURL   string
	LocationServiceToken string

	// MQTT settings configure the "mqtt" (OwnTracks) provider
	MQTTBroker      string
	MQTTUsername    string
	MQTTPassword    string
	MQTTTopicPrefix string

	// SMS settings configure the Twilio-compatible gateway
	SMSBaseURL    string
	SMSAccountSID string
	SMSAuthToken  string
	SMSFromNumber string

	// CountryCode is prefixed to ten-digit contact numbers (default: +91)
	CountryCode string

	// AlertIntervalSeconds is the wait between alerts (default: 10, minimum: 5)
	AlertIntervalSeconds int

	// LocationTimeoutSeconds bounds each position request (default: 8)
	LocationTimeoutSeconds int

	// LocationMaxAgeSeconds is the oldest cached fix still sent (default: 120)
	LocationMaxAgeSeconds int
}

// Clone shallow copies the configuration. Every field is a value type.
func (c *configuration) Clone() *configuration {
	clone := *c
	return &clone
}

// AlertInterval returns the wait between iterations.
func (c *configuration) AlertInterval() time.Duration {
	if c.AlertIntervalSeconds <= 0 {
		return sos.DefaultInterval
	}
	return time.Duration(c.AlertIntervalSeconds) * time.Second
}

// LocationTimeout returns the bound on each position request.
func (c *configuration) LocationTimeout() time.Duration {
	if c.LocationTimeoutSeconds <= 0 {
		return sos.DefaultLocationTimeout
	}
	return time.Duration(c.LocationTimeoutSeconds) * time.Second
}

// LocationConfig returns the settings of the location provider.
func (c *configuration) LocationConfig() location.Config {
	config := location.Config{
		Type:        c.LocationProvider,
		URL:         c.LocationServiceURL,
		Token:       c.LocationServiceToken,
		Broker:      c.MQTTBroker,
		Username:    c.MQTTUsername,
		Password:    c.MQTTPassword,
		TopicPrefix: c.MQTTTopicPrefix,
	}

	if c.LocationMaxAgeSeconds > 0 {
		config.MaxAge = time.Duration(c.LocationMaxAgeSeconds) * time.Second
	}

	return config
}

// MessagingConfig returns the settings of the SMS gateway.
func (c *configuration) MessagingConfig() messaging.Config {
	return messaging.Config{
		BaseURL:     c.SMSBaseURL,
		AccountSID:  c.SMSAccountSID,
		AuthToken:   c.SMSAuthToken,
		From:        c.SMSFromNumber,
		CountryCode: c.CountryCode,
	}
}

// LocationConfigured reports whether a location provider is selected.
func (c *configuration) LocationConfigured() bool {
	return c.LocationProvider != ""
}

// MessagingConfigured reports whether the SMS gateway credentials are set.
func (c *configuration) MessagingConfigured() bool {
	return c.SMSAccountSID != "" && c.SMSAuthToken != "" && c.SMSFromNumber != ""
}

// providersChanged reports whether anything a running session depends on differs.
func providersChanged(oldConfig, newConfig *configuration) bool {
	return oldConfig.LocationConfig() != newConfig.LocationConfig() ||
		oldConfig.MessagingConfig() != newConfig.MessagingConfig() ||
		oldConfig.AlertInterval() != newConfig.AlertInterval() ||
		oldConfig.LocationTimeout() != newConfig.LocationTimeout()
}

// getConfiguration retrieves the active configuration under lock, making it safe to use
// concurrently. The active configuration may change underneath the client of this method, but
// the struct returned by this API call is considered immutable.
func (p *Plugin) getConfiguration() *configuration {
	p.configurationLock.RLock()
	defer p.configurationLock.RUnlock()

	if p.configuration == nil {
		return &configuration{}
	}

	return p.configuration
}

// setConfiguration replaces the active configuration under lock.
//
// Do not call setConfiguration while holding the configurationLock, as sync.Mutex is not
// reentrant. In particular, avoid using the plugin API entirely, as this may in turn trigger a
// hook back into the plugin. If that hook attempts to acquire this lock, a deadlock may occur.
//
// This method panics if setConfiguration is called with the existing configuration. This almost
// certainly means that the configuration was modified without being cloned and may result in
// an unsafe access.
func (p *Plugin) setConfiguration(configuration *configuration) {
	p.configurationLock.Lock()
	defer p.configurationLock.Unlock()

	if configuration != nil && p.configuration == configuration {
		// Ignore assignment if the configuration struct is empty. Go will optimize the
		// allocation for same to point at the same memory address, breaking the check
		// above.
		if reflect.ValueOf(*configuration).NumField() == 0 {
			return
		}

		panic("setConfiguration called with the existing configuration")
	}

	p.configuration = configuration
}

// OnConfigurationChange is invoked when configuration changes may have been made.
func (p *Plugin) OnConfigurationChange() error {
	var newConfig = new(configuration)

	// Load the public configuration fields from the Mattermost server configuration.
	if err := p.API.LoadPluginConfiguration(newConfig); err != nil {
		return errors.Wrap(err, "failed to load plugin configuration")
	}

	if err := validateConfiguration(newConfig); err != nil {
		return errors.Wrap(err, "invalid plugin configuration")
	}

	oldConfig := p.getConfiguration()
	p.setConfiguration(newConfig)

	// Hooks may run before OnActivate; providers are built there in that case.
	if p.sessions == nil || !providersChanged(oldConfig, newConfig) {
		return nil
	}

	// New sessions pick up the new providers from here on.
	previous := p.rebuildProviders(newConfig)

	// Running sessions hold the old providers, so they are terminated.
	if running := p.sessions.Running(); len(running) > 0 {
		p.API.LogInfo("Stopping SOS sessions after provider configuration change", "sessions", len(running))
		if err := p.sessions.StopAll(sos.DefaultStopTimeout); err != nil {
			p.API.LogWarn("Failed to stop all SOS sessions", "error", err.Error())
		}
	}

	p.closeLocator(previous)

	return nil
}
