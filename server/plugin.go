package main

import (
	"sync"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/mattermost/mattermost/server/public/plugin"
	"github.com/mattermost/mattermost/server/public/pluginapi"
	"github.com/pkg/errors"

	"github.com/mattermost/mattermost-plugin-resq/server/contact"
	"github.com/mattermost/mattermost-plugin-resq/server/indicator"
	"github.com/mattermost/mattermost-plugin-resq/server/kvstore"
	"github.com/mattermost/mattermost-plugin-resq/server/location"
	"github.com/mattermost/mattermost-plugin-resq/server/messaging"
	"github.com/mattermost/mattermost-plugin-resq/server/sos"
)

const (
	pluginID = "com.mattermost.plugin-resq"

	botUsername    = "resq"
	botDisplayName = "ResQ"
)

// Plugin implements the interface expected by the Mattermost server to communicate between the server and plugin processes.
type Plugin struct {
	plugin.MattermostPlugin

	// client is the Mattermost server API client.
	client *pluginapi.Client

	// configurationLock synchronizes access to the configuration.
	configurationLock sync.RWMutex

	// configuration is the active plugin configuration. Consult getConfiguration and
	// setConfiguration for usage.
	configuration *configuration

	// kv is the plugin KV store.
	kv *kvstore.Store

	// contacts holds each user's trusted contacts.
	contacts *contact.Directory

	// sessions tracks the SOS loop of every user.
	sessions *sos.Registry

	// botID is the user that posts SOS indicators.
	botID string

	// providersLock guards locator and messenger, which are replaced on configuration change.
	providersLock sync.RWMutex
	locator       location.Locator
	messenger     sos.Messenger
}

// OnActivate is invoked when the plugin is activated. If an error is returned, the plugin will be deactivated.
func (p *Plugin) OnActivate() error {
	p.client = pluginapi.NewClient(p.API, p.Driver)
	p.kv = kvstore.New(p.API)
	p.contacts = contact.NewDirectory(p.kv, &p.client.Log)
	p.sessions = sos.NewRegistry()

	botID, err := p.API.EnsureBotUser(&model.Bot{
		Username:    botUsername,
		DisplayName: botDisplayName,
		Description: "Shows your SOS status and lets you stop sharing your location.",
	})
	if err != nil {
		return errors.Wrap(err, "failed to ensure bot user")
	}
	p.botID = botID

	p.API.LogInfo("Bot user initialized", "botID", botID, "username", botUsername)

	p.closeLocator(p.rebuildProviders(p.getConfiguration()))

	if err := p.API.RegisterCommand(getCommand()); err != nil {
		return errors.Wrap(err, "failed to register /resq command")
	}

	p.removeStaleIndicators()

	return nil
}

// OnDeactivate is invoked when the plugin is deactivated. Every running
// session is stopped and its indicator removed.
func (p *Plugin) OnDeactivate() error {
	if p.sessions != nil {
		if err := p.sessions.StopAll(sos.DefaultStopTimeout); err != nil {
			p.API.LogError("Failed to stop all SOS sessions during deactivation", "error", err.Error())
		}
	}

	p.providersLock.Lock()
	locator := p.locator
	p.locator = nil
	p.messenger = nil
	p.providersLock.Unlock()

	if locator != nil {
		if err := locator.Close(); err != nil {
			p.API.LogWarn("Failed to close location provider", "error", err.Error())
		}
	}

	return nil
}

// rebuildProviders replaces the location and messaging providers from config
// and returns the previous locator, which the caller closes once no session
// uses it. A provider that cannot be built is left unset; the start gate
// reports it.
func (p *Plugin) rebuildProviders(config *configuration) location.Locator {
	var locator location.Locator
	if config.LocationConfigured() {
		created, err := location.New(config.LocationConfig(), &p.client.Log)
		if err != nil {
			p.API.LogError("Failed to create location provider", "type", config.LocationProvider, "error", err.Error())
		} else {
			locator = created
		}
	}

	var messenger sos.Messenger
	if config.MessagingConfigured() {
		created, err := messaging.NewSMSMessenger(config.MessagingConfig(), &p.client.Log)
		if err != nil {
			p.API.LogError("Failed to create SMS messenger", "error", err.Error())
		} else {
			messenger = created
		}
	}

	p.providersLock.Lock()
	previous := p.locator
	p.locator = locator
	p.messenger = messenger
	p.providersLock.Unlock()

	return previous
}

// closeLocator releases a location provider that is no longer installed.
func (p *Plugin) closeLocator(locator location.Locator) {
	if locator == nil {
		return
	}

	if err := locator.Close(); err != nil {
		p.API.LogWarn("Failed to close previous location provider", "error", err.Error())
	}
}

func (p *Plugin) providers() (location.Locator, sos.Messenger) {
	p.providersLock.RLock()
	defer p.providersLock.RUnlock()

	return p.locator, p.messenger
}

// removeStaleIndicators deletes indicator posts left by sessions that did
// not shut down cleanly. No session survives a restart.
func (p *Plugin) removeStaleIndicators() {
	userIDs, err := kvstore.UsersWithIndicator(p.kv)
	if err != nil {
		p.API.LogWarn("Failed to look up stale SOS indicators", "error", err.Error())
		return
	}

	for _, userID := range userIDs {
		removed, err := indicator.RemoveStale(p.API, kvstore.NewStateStore(p.kv, userID))
		if err != nil {
			p.API.LogWarn("Failed to remove stale SOS indicator", "userId", userID, "error", err.Error())
			continue
		}
		if removed {
			p.API.LogInfo("Removed stale SOS indicator", "userId", userID)
		}
	}
}

// See https://developers.mattermost.com/extend/plugins/server/reference/
