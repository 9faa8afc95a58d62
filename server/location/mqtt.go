package location

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/mattermost/mattermost-plugin-resq/server/sos"
)

const (
	connectTimeout    = 10 * time.Second
	disconnectQuiesce = 250
	qosAtLeastOnce    = 1
)

// ownTracksMessage is the subset of the OwnTracks JSON payload the locator reads.
type ownTracksMessage struct {
	Type      string  `json:"_type"`
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	Accuracy  float64 `json:"acc"`
	Timestamp int64   `json:"tst"`
}

// reportLocationCommand asks an OwnTracks device to publish its position now.
var reportLocationCommand = []byte(`{"_type":"cmd","action":"reportLocation"}`)

// userFixes tracks what the locator knows about one user's devices.
type userFixes struct {
	subscribed bool
	devices    map[string]struct{}
	latest     *sos.Position
	waiting    int

	// updated is closed and replaced whenever a new fix arrives.
	updated chan struct{}
}

// MQTTLocator follows OwnTracks devices through an MQTT broker. Devices
// publish to {prefix}/{user}/{device}; commands go to {prefix}/{user}/{device}/cmd.
type MQTTLocator struct {
	client mqtt.Client
	prefix string
	maxAge time.Duration
	logger sos.Logger

	mu    sync.Mutex
	users map[string]*userFixes
}

// NewMQTTLocator connects to the broker in config.Broker.
func NewMQTTLocator(config Config, logger sos.Logger) (*MQTTLocator, error) {
	if config.Broker == "" {
		return nil, fmt.Errorf("MQTT broker is required")
	}

	clientID := config.ClientID
	if clientID == "" {
		clientID = "resq-" + uuid.New().String()
	}

	var locator *MQTTLocator

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(clientID)

	if config.Username != "" {
		opts.SetUsername(config.Username)
	}
	if config.Password != "" {
		opts.SetPassword(config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		if locator != nil {
			locator.resetSubscriptions()
		}
	})

	locator = newMQTTLocator(mqtt.NewClient(opts), config, logger)
	if err := locator.connect(); err != nil {
		return nil, err
	}

	return locator, nil
}

func newMQTTLocator(client mqtt.Client, config Config, logger sos.Logger) *MQTTLocator {
	return &MQTTLocator{
		client: client,
		prefix: strings.TrimSuffix(config.TopicPrefix, "/"),
		maxAge: config.MaxAge,
		logger: logger,
		users:  make(map[string]*userFixes),
	}
}

func (l *MQTTLocator) connect() error {
	token := l.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("timed out connecting to MQTT broker")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	return nil
}

// For returns the provider for one user.
func (l *MQTTLocator) For(username string) sos.LocationProvider {
	return &mqttProvider{
		locator:  l,
		username: username,
	}
}

// Close disconnects from the broker.
func (l *MQTTLocator) Close() error {
	l.client.Disconnect(disconnectQuiesce)
	return nil
}

// resetSubscriptions forces every user to resubscribe, since a clean
// session loses subscriptions on reconnect.
func (l *MQTTLocator) resetSubscriptions() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, user := range l.users {
		user.subscribed = false
	}
}

func (l *MQTTLocator) user(username string) *userFixes {
	user, ok := l.users[username]
	if !ok {
		user = &userFixes{
			devices: make(map[string]struct{}),
			updated: make(chan struct{}),
		}
		l.users[username] = user
	}
	return user
}

func (l *MQTTLocator) subscribe(ctx context.Context, username string) error {
	l.mu.Lock()
	subscribed := l.user(username).subscribed
	l.mu.Unlock()

	if subscribed {
		return nil
	}

	topic := fmt.Sprintf("%s/%s/+", l.prefix, username)
	token := l.client.Subscribe(topic, qosAtLeastOnce, l.handleMessage)
	if err := waitToken(ctx, token); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}

	l.mu.Lock()
	l.user(username).subscribed = true
	l.mu.Unlock()

	return nil
}

// handleMessage records a location published by one of the user's devices.
func (l *MQTTLocator) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	username, device, ok := l.parseTopic(msg.Topic())
	if !ok {
		return
	}

	var payload ownTracksMessage
	if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
		l.logger.Debug("Ignoring malformed OwnTracks message", "topic", msg.Topic(), "error", err.Error())
		return
	}
	if payload.Type != "location" {
		return
	}

	position := &sos.Position{
		Latitude:  payload.Latitude,
		Longitude: payload.Longitude,
		Accuracy:  payload.Accuracy,
		Time:      time.Unix(payload.Timestamp, 0),
	}

	l.mu.Lock()
	user := l.user(username)
	_, known := user.devices[device]
	user.devices[device] = struct{}{}
	if user.latest == nil || !position.Time.Before(user.latest.Time) {
		user.latest = position
		close(user.updated)
		user.updated = make(chan struct{})
	}
	askNewDevice := !known && user.waiting > 0
	l.mu.Unlock()

	// Not waiting on the token: blocking inside a message handler stalls the client.
	if askNewDevice {
		l.client.Publish(l.commandTopic(username, device), qosAtLeastOnce, false, reportLocationCommand)
	}
}

func (l *MQTTLocator) parseTopic(topic string) (username, device string, ok bool) {
	rest, found := strings.CutPrefix(topic, l.prefix+"/")
	if !found {
		return "", "", false
	}

	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}

	return parts[0], parts[1], true
}

func (l *MQTTLocator) commandTopic(username, device string) string {
	return fmt.Sprintf("%s/%s/%s/cmd", l.prefix, username, device)
}

// requestReport asks every known device of the user for a fresh fix.
func (l *MQTTLocator) requestReport(ctx context.Context, username string) {
	l.mu.Lock()
	devices := make([]string, 0, len(l.user(username).devices))
	for device := range l.user(username).devices {
		devices = append(devices, device)
	}
	l.mu.Unlock()

	for _, device := range devices {
		topic := l.commandTopic(username, device)
		if err := waitToken(ctx, l.client.Publish(topic, qosAtLeastOnce, false, reportLocationCommand)); err != nil {
			l.logger.Warn("Failed to request location report", "topic", topic, "error", err.Error())
		}
	}
}

func (l *MQTTLocator) snapshot(username string) (*sos.Position, <-chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	user := l.user(username)
	if user.latest == nil {
		return nil, user.updated
	}

	position := *user.latest
	return &position, user.updated
}

func (l *MQTTLocator) setWaiting(username string, delta int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.user(username).waiting += delta
}

type mqttProvider struct {
	locator  *MQTTLocator
	username string
}

// CurrentPosition asks the user's devices to report and waits for a fix
// taken after the request. When ctx ends first, a cached fix younger than
// the max age is returned instead.
func (p *mqttProvider) CurrentPosition(ctx context.Context, _ sos.Accuracy) (*sos.Position, error) {
	// OwnTracks timestamps have second resolution.
	requestedAt := time.Now().Truncate(time.Second)

	if err := p.locator.subscribe(ctx, p.username); err != nil {
		return nil, err
	}

	p.locator.setWaiting(p.username, 1)
	defer p.locator.setWaiting(p.username, -1)

	p.locator.requestReport(ctx, p.username)

	for {
		position, updated := p.locator.snapshot(p.username)
		if position != nil && !position.Time.Before(requestedAt) {
			return position, nil
		}

		select {
		case <-updated:
		case <-ctx.Done():
			if position != nil && time.Since(position.Time) <= p.locator.maxAge {
				p.locator.logger.Debug("Using last known position",
					"username", p.username,
					"age", time.Since(position.Time).String())
				return position, nil
			}
			return nil, fmt.Errorf("%w: no report from %s's devices", sos.ErrLocationUnavailable, p.username)
		}
	}
}

// waitToken waits for an MQTT operation to complete or ctx to end.
func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
