package main

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/mattermost/mattermost/server/public/plugin/plugintest"
	"github.com/mattermost/mattermost/server/public/pluginapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mattermost/mattermost-plugin-resq/server/contact"
	"github.com/mattermost/mattermost-plugin-resq/server/kvstore"
	"github.com/mattermost/mattermost-plugin-resq/server/sos"
)

// allowLogs accepts any log call with up to seven key-value pairs.
func allowLogs(api *plugintest.API) {
	for _, method := range []string{"LogDebug", "LogInfo", "LogWarn", "LogError"} {
		for n := 1; n <= 15; n++ {
			args := make([]any, n)
			for i := range args {
				args[i] = mock.Anything
			}
			api.On(method, args...).Maybe()
		}
	}
}

// memoryKV backs the plugintest KV methods with a map.
type memoryKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func mockKV(api *plugintest.API) *memoryKV {
	kv := &memoryKV{data: make(map[string][]byte)}

	api.On("KVGet", mock.Anything).Return(func(key string) []byte {
		kv.mu.Lock()
		defer kv.mu.Unlock()
		return kv.data[key]
	}, nil).Maybe()

	api.On("KVSet", mock.Anything, mock.Anything).Return(func(key string, value []byte) *model.AppError {
		kv.mu.Lock()
		defer kv.mu.Unlock()
		kv.data[key] = value
		return nil
	}).Maybe()

	api.On("KVDelete", mock.Anything).Return(func(key string) *model.AppError {
		kv.mu.Lock()
		defer kv.mu.Unlock()
		delete(kv.data, key)
		return nil
	}).Maybe()

	api.On("KVList", mock.Anything, mock.Anything).Return(func(page, _ int) []string {
		kv.mu.Lock()
		defer kv.mu.Unlock()
		if page > 0 {
			return nil
		}
		keys := make([]string, 0, len(kv.data))
		for key := range kv.data {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		return keys
	}, nil).Maybe()

	return kv
}

func (m *memoryKV) get(key string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[key]
}

func (m *memoryKV) set(key string, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
}

// fakeLocator serves a fixed position for every user.
type fakeLocator struct {
	position sos.Position
	onClose  func()
}

func (f *fakeLocator) For(string) sos.LocationProvider { return f }

func (f *fakeLocator) Close() error {
	if f.onClose != nil {
		f.onClose()
	}
	return nil
}

func (f *fakeLocator) CurrentPosition(context.Context, sos.Accuracy) (*sos.Position, error) {
	position := f.position
	return &position, nil
}

// recordingMessenger records sent messages and signals each one.
type recordingMessenger struct {
	mu   sync.Mutex
	sent []string
	ch   chan string
}

func newRecordingMessenger() *recordingMessenger {
	return &recordingMessenger{ch: make(chan string, 16)}
}

func (r *recordingMessenger) Send(_ context.Context, number, text string) error {
	r.mu.Lock()
	r.sent = append(r.sent, number+": "+text)
	r.mu.Unlock()

	r.ch <- number
	return nil
}

type testEnv struct {
	plugin    *Plugin
	api       *plugintest.API
	kv        *memoryKV
	messenger *recordingMessenger
}

// setupTestPlugin builds an activated plugin without running OnActivate.
func setupTestPlugin(t *testing.T) *testEnv {
	api := &plugintest.API{}
	allowLogs(api)
	kv := mockKV(api)

	p := &Plugin{}
	p.SetAPI(api)
	p.client = pluginapi.NewClient(api, &plugintest.Driver{})
	p.kv = kvstore.New(api)
	p.contacts = contact.NewDirectory(p.kv, &p.client.Log)
	p.sessions = sos.NewRegistry()
	p.botID = "bot-id"

	t.Cleanup(func() {
		_ = p.sessions.StopAll(sos.DefaultStopTimeout)
	})

	return &testEnv{plugin: p, api: api, kv: kv}
}

// withProviders configures working providers, consent and a bot DM for userID.
func (e *testEnv) withProviders(userID string) {
	e.plugin.setConfiguration(&configuration{
		LocationProvider:     "http",
		LocationServiceURL:   "https://location.example.com",
		SMSAccountSID:        "AC123",
		SMSAuthToken:         "token",
		SMSFromNumber:        "+15005550006",
		AlertIntervalSeconds: 3600,
	})

	e.messenger = newRecordingMessenger()
	e.plugin.locator = &fakeLocator{position: sos.Position{Latitude: 12.9, Longitude: 77.6}}
	e.plugin.messenger = e.messenger

	e.kv.set("user_"+userID+"_consent", []byte("true"))

	e.api.On("GetDirectChannel", userID, "bot-id").Return(&model.Channel{Id: "dm-channel"}, nil).Maybe()
	e.api.On("GetUser", userID).Return(&model.User{Id: userID, Username: "alice"}, nil).Maybe()
	e.api.On("CreatePost", mock.Anything).Return(&model.Post{Id: "indicator-post"}, nil).Maybe()
	e.api.On("UpdatePost", mock.Anything).Return(&model.Post{Id: "indicator-post"}, nil).Maybe()
	e.api.On("DeletePost", "indicator-post").Return(nil).Maybe()
}

func (e *testEnv) addContact(t *testing.T, userID, name, number string) {
	_, err := e.plugin.addContact(userID, name, number)
	require.NoError(t, err)
}

func TestRemoveStaleIndicators(t *testing.T) {
	env := setupTestPlugin(t)
	env.kv.set("user_u1_indicator_post", []byte("old-post"))
	env.kv.set("user_u2_consent", []byte("true"))
	env.api.On("DeletePost", "old-post").Return(nil).Once()

	env.plugin.removeStaleIndicators()

	assert.Nil(t, env.kv.get("user_u1_indicator_post"))
	assert.NotNil(t, env.kv.get("user_u2_consent"))
	env.api.AssertCalled(t, "DeletePost", "old-post")
}

func TestOnConfigurationChange(t *testing.T) {
	t.Run("invalid configuration is rejected", func(t *testing.T) {
		env := setupTestPlugin(t)
		env.api.On("LoadPluginConfiguration", mock.AnythingOfType("*main.configuration")).Return(func(dest any) error {
			dest.(*configuration).AlertIntervalSeconds = 1
			return nil
		})

		err := env.plugin.OnConfigurationChange()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid plugin configuration")
	})

	t.Run("provider change stops running sessions", func(t *testing.T) {
		env := setupTestPlugin(t)
		env.withProviders("user-1")
		env.addContact(t, "user-1", "Alice", "9876543210")

		task, started, err := env.plugin.startSession("user-1")
		require.NoError(t, err)
		require.True(t, started)

		env.api.On("LoadPluginConfiguration", mock.AnythingOfType("*main.configuration")).Return(func(dest any) error {
			config := dest.(*configuration)
			config.LocationProvider = "http"
			config.LocationServiceURL = "https://other.example.com"
			return nil
		})

		require.NoError(t, env.plugin.OnConfigurationChange())

		require.NoError(t, task.Wait(context.Background()))
		assert.Empty(t, env.plugin.sessions.Running())

		locator, messenger := env.plugin.providers()
		assert.NotNil(t, locator, "location provider is rebuilt from the new settings")
		assert.Nil(t, messenger, "SMS settings were cleared")
	})

	t.Run("previous locator is closed after sessions stop", func(t *testing.T) {
		env := setupTestPlugin(t)
		env.withProviders("user-1")
		env.addContact(t, "user-1", "Alice", "9876543210")

		previous := env.plugin.locator.(*fakeLocator)
		closed := false
		previous.onClose = func() {
			closed = true
			assert.Empty(t, env.plugin.sessions.Running(), "no session may still use a closed locator")

			locator, _ := env.plugin.providers()
			_, stillPrevious := locator.(*fakeLocator)
			assert.False(t, stillPrevious, "new sessions must already see the new locator")
		}

		_, started, err := env.plugin.startSession("user-1")
		require.NoError(t, err)
		require.True(t, started)

		env.api.On("LoadPluginConfiguration", mock.AnythingOfType("*main.configuration")).Return(func(dest any) error {
			config := dest.(*configuration)
			config.LocationProvider = "http"
			config.LocationServiceURL = "https://other.example.com"
			return nil
		})

		require.NoError(t, env.plugin.OnConfigurationChange())
		assert.True(t, closed)
	})
}

func TestPermissionError(t *testing.T) {
	err := &PermissionError{Missing: []string{"a", "b"}}

	assert.Equal(t, "permission required: a; b", err.Error())
	assert.ErrorIs(t, err, ErrPermissionRequired)
}

func TestCheckStartPermissions(t *testing.T) {
	t.Run("everything missing", func(t *testing.T) {
		env := setupTestPlugin(t)
		env.api.On("GetDirectChannel", "user-1", "bot-id").
			Return(nil, model.NewAppError("GetDirectChannel", "app.channel", nil, "", http.StatusForbidden))

		_, err := env.plugin.checkStartPermissions("user-1")

		var permissionErr *PermissionError
		require.ErrorAs(t, err, &permissionErr)
		require.Len(t, permissionErr.Missing, 4)
		assert.Contains(t, permissionErr.Missing[0], "SMS gateway")
		assert.Contains(t, permissionErr.Missing[1], "location provider")
		assert.Contains(t, permissionErr.Missing[2], "consent grant")
		assert.Contains(t, permissionErr.Missing[3], "bot cannot message you")
	})

	t.Run("configured but no provider instance", func(t *testing.T) {
		env := setupTestPlugin(t)
		env.withProviders("user-1")
		env.plugin.locator = nil

		_, err := env.plugin.checkStartPermissions("user-1")

		var permissionErr *PermissionError
		require.ErrorAs(t, err, &permissionErr)
		assert.Equal(t, []string{"no location provider is configured"}, permissionErr.Missing)
	})

	t.Run("all granted", func(t *testing.T) {
		env := setupTestPlugin(t)
		env.withProviders("user-1")

		channelID, err := env.plugin.checkStartPermissions("user-1")
		require.NoError(t, err)
		assert.Equal(t, "dm-channel", channelID)
	})
}

func TestSessionLifecycle(t *testing.T) {
	env := setupTestPlugin(t)
	env.withProviders("user-1")
	env.addContact(t, "user-1", "Alice", "9876543210")
	env.addContact(t, "user-1", "", "+1 (555) 123-4567")

	task, started, err := env.plugin.startSession("user-1")
	require.NoError(t, err)
	assert.True(t, started)

	received := []string{<-env.messenger.ch, <-env.messenger.ch}
	assert.ElementsMatch(t, []string{"9876543210", "5551234567"}, received)

	again, started, err := env.plugin.startSession("user-1")
	require.NoError(t, err)
	assert.False(t, started)
	assert.Same(t, task, again)

	status, err := env.plugin.statusFor("user-1")
	require.NoError(t, err)
	assert.Equal(t, "running", status.State)
	assert.Equal(t, task.ID(), status.SessionID)
	assert.Equal(t, 2, status.Contacts)
	assert.True(t, status.ConsentGranted)

	stopped := env.plugin.stopSession("user-1")
	require.NotNil(t, stopped)
	select {
	case <-stopped.Done():
	default:
		t.Fatal("stopSession must wait for the loop to exit")
	}

	status, err = env.plugin.statusFor("user-1")
	require.NoError(t, err)
	assert.Equal(t, "idle", status.State)
	require.NotNil(t, status.LastSuccess)
	require.NotNil(t, status.LastPosition)
	assert.Equal(t, 12.9, status.LastPosition.Latitude)

	env.messenger.mu.Lock()
	defer env.messenger.mu.Unlock()
	for _, sent := range env.messenger.sent {
		assert.True(t, strings.HasSuffix(sent,
			"SOS! I need help. My current location is: https://maps.google.com/?q=12.9,77.6. Sent automatically via ResQ App."))
	}
}

func TestStartSession_NoContacts(t *testing.T) {
	env := setupTestPlugin(t)
	env.withProviders("user-1")

	_, _, err := env.plugin.startSession("user-1")
	assert.ErrorIs(t, err, ErrNoContacts)
	assert.Empty(t, env.plugin.sessions.Running())
}

func TestSetConsent_RevokeStopsSession(t *testing.T) {
	env := setupTestPlugin(t)
	env.withProviders("user-1")
	env.addContact(t, "user-1", "Alice", "9876543210")

	task, _, err := env.plugin.startSession("user-1")
	require.NoError(t, err)

	require.NoError(t, env.plugin.setConsent("user-1", false))
	require.NoError(t, task.Wait(context.Background()))

	granted, err := env.plugin.stateStore("user-1").HasConsent()
	require.NoError(t, err)
	assert.False(t, granted)
}

func TestRemoveContact(t *testing.T) {
	env := setupTestPlugin(t)
	env.addContact(t, "user-1", "Alice", "9876543210")

	record, err := env.plugin.removeContact("user-1", "+91 98765 43210")
	require.NoError(t, err)
	assert.Equal(t, "Alice", record.Name)

	contacts, err := env.plugin.listContacts("user-1")
	require.NoError(t, err)
	assert.Empty(t, contacts)

	_, err = env.plugin.removeContact("user-1", "12345")
	assert.ErrorIs(t, err, contact.ErrInvalidFormat)
}
