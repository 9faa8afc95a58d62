package main

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/mattermost/mattermost-plugin-resq/server/contact"
	"github.com/mattermost/mattermost-plugin-resq/server/indicator"
	"github.com/mattermost/mattermost-plugin-resq/server/kvstore"
	"github.com/mattermost/mattermost-plugin-resq/server/sos"
)

// sessionStatus is the SOS state reported to a user.
type sessionStatus struct {
	State               string        `json:"state"`
	SessionID           string        `json:"sessionId,omitempty"`
	StartedAt           *time.Time    `json:"startedAt,omitempty"`
	IntervalSeconds     int           `json:"intervalSeconds"`
	Contacts            int           `json:"contacts"`
	ConsentGranted      bool          `json:"consentGranted"`
	LastRun             *time.Time    `json:"lastRun,omitempty"`
	LastSuccess         *time.Time    `json:"lastSuccess,omitempty"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	LastError           string        `json:"lastError,omitempty"`
	LastPosition        *sos.Position `json:"lastPosition,omitempty"`
}

func (p *Plugin) stateStore(userID string) *kvstore.StateStore {
	return kvstore.NewStateStore(p.kv, userID)
}

func (p *Plugin) stopURL() string {
	return "/plugins/" + pluginID + "/api/v1/sos/stop"
}

// listContacts returns the user's trusted contacts.
func (p *Plugin) listContacts(userID string) ([]contact.Record, error) {
	store, err := p.contacts.ForUser(userID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open contacts")
	}

	return store.List(), nil
}

// addContact validates and stores a new trusted contact.
func (p *Plugin) addContact(userID, name, number string) (contact.Record, error) {
	store, err := p.contacts.ForUser(userID)
	if err != nil {
		return contact.Record{}, errors.Wrap(err, "failed to open contacts")
	}

	return store.Add(name, number)
}

// removeContact deletes the contact with the given number. Unknown numbers are ignored.
func (p *Plugin) removeContact(userID, number string) (contact.Record, error) {
	canonical, err := contact.Normalize(number)
	if err != nil {
		return contact.Record{}, err
	}

	store, err := p.contacts.ForUser(userID)
	if err != nil {
		return contact.Record{}, errors.Wrap(err, "failed to open contacts")
	}

	record := contact.Record{Number: canonical}
	for _, existing := range store.List() {
		if existing.Number == canonical {
			record = existing
			break
		}
	}

	if err := store.Remove(record); err != nil {
		return contact.Record{}, err
	}

	return record, nil
}

// startSession starts sharing the user's location with their contacts.
// If a session is already running it is returned with started false.
func (p *Plugin) startSession(userID string) (*sos.Task, bool, error) {
	if loop := p.sessions.Get(userID); loop != nil && loop.State() == sos.StateRunning {
		return loop.Task(), false, nil
	}

	store, err := p.contacts.ForUser(userID)
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to open contacts")
	}
	if store.Len() == 0 {
		return nil, false, ErrNoContacts
	}

	channelID, err := p.checkStartPermissions(userID)
	if err != nil {
		return nil, false, err
	}

	user, appErr := p.API.GetUser(userID)
	if appErr != nil {
		return nil, false, errors.Wrap(appErr, "failed to get user")
	}

	config := p.getConfiguration()
	locator, messenger := p.providers()
	state := p.stateStore(userID)

	return p.sessions.Start(userID, func() (*sos.Loop, error) {
		if err := state.ClearSession(); err != nil {
			p.API.LogWarn("Failed to reset SOS session stats", "userId", userID, "error", err.Error())
		}

		return sos.NewLoop(sos.Config{
			UserID:          userID,
			Interval:        config.AlertInterval(),
			LocationTimeout: config.LocationTimeout(),
			Location:        locator.For(user.Username),
			Messenger:       messenger,
			Contacts:        store,
			Indicators: func(sessionID string) sos.Indicator {
				return indicator.New(indicator.Config{
					API:       p.API,
					BotID:     p.botID,
					ChannelID: channelID,
					SessionID: sessionID,
					StopURL:   p.stopURL(),
					StartedAt: time.Now(),
					Interval:  config.AlertInterval(),
					Store:     state,
					Logger:    &p.client.Log,
				})
			},
			Recorder: state,
			Logger:   &p.client.Log,
		})
	})
}

// stopSession stops the user's session and waits briefly for the indicator
// to be removed. It returns nil if no session was ever started.
func (p *Plugin) stopSession(userID string) *sos.Task {
	task := p.sessions.Stop(userID)
	if task == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), sos.DefaultStopTimeout)
	defer cancel()

	if err := task.Wait(ctx); err != nil {
		p.API.LogWarn("SOS session did not stop in time", "userId", userID, "sessionId", task.ID())
	}

	return task
}

// statusFor reports the user's session state and statistics.
func (p *Plugin) statusFor(userID string) (*sessionStatus, error) {
	config := p.getConfiguration()
	state := p.stateStore(userID)

	status := &sessionStatus{
		State:           sos.StateIdle.String(),
		IntervalSeconds: int(config.AlertInterval() / time.Second),
	}

	if loop := p.sessions.Get(userID); loop != nil && loop.State() == sos.StateRunning {
		task := loop.Task()
		startedAt := task.StartedAt()
		status.State = sos.StateRunning.String()
		status.SessionID = task.ID()
		status.StartedAt = &startedAt
	}

	contacts, err := p.listContacts(userID)
	if err != nil {
		return nil, err
	}
	status.Contacts = len(contacts)

	if status.ConsentGranted, err = state.HasConsent(); err != nil {
		return nil, errors.Wrap(err, "failed to read consent")
	}

	lastRun, err := state.GetLastRun()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read session stats")
	}
	if !lastRun.IsZero() {
		status.LastRun = &lastRun
	}

	lastSuccess, err := state.GetLastSuccess()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read session stats")
	}
	if !lastSuccess.IsZero() {
		status.LastSuccess = &lastSuccess
	}

	if status.ConsecutiveFailures, err = state.GetFailures(); err != nil {
		return nil, errors.Wrap(err, "failed to read session stats")
	}
	if status.LastError, err = state.GetLastError(); err != nil {
		return nil, errors.Wrap(err, "failed to read session stats")
	}
	if status.LastPosition, err = state.GetLastPosition(); err != nil {
		return nil, errors.Wrap(err, "failed to read session stats")
	}

	return status, nil
}

// setConsent records whether the user allows location sharing. Revoking
// consent stops a running session.
func (p *Plugin) setConsent(userID string, granted bool) error {
	if err := p.stateStore(userID).SaveConsent(granted); err != nil {
		return errors.Wrap(err, "failed to save consent")
	}

	if !granted {
		p.stopSession(userID)
	}

	return nil
}
