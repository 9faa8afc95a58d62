package location

import (
	"fmt"
	"time"

	"github.com/mattermost/mattermost-plugin-resq/server/sos"
)

const (
	// TypeHTTP selects the REST location service provider.
	TypeHTTP = "http"

	// TypeMQTT selects the OwnTracks MQTT provider.
	TypeMQTT = "mqtt"
)

const (
	// DefaultMaxAge is how old a cached fix may be before it is ignored.
	DefaultMaxAge = 2 * time.Minute

	// DefaultTopicPrefix is the OwnTracks base topic.
	DefaultTopicPrefix = "owntracks"

	httpTimeout = 30 * time.Second
)

// Config holds the settings of a location provider.
type Config struct {
	// Type selects the provider implementation ("http" or "mqtt")
	Type string

	// URL is the base URL of the REST location service
	URL string

	// Token is the bearer token sent to the REST location service
	Token string

	// Broker is the MQTT broker address, e.g. tcp://broker:1883
	Broker string

	// Username and Password authenticate against the MQTT broker
	Username string
	Password string

	// ClientID is the MQTT client ID (default: generated)
	ClientID string

	// TopicPrefix is the OwnTracks base topic (default: DefaultTopicPrefix)
	TopicPrefix string

	// MaxAge bounds the age of a fix served from cache (default: DefaultMaxAge)
	MaxAge time.Duration
}

// Locator hands out a LocationProvider per Mattermost username.
type Locator interface {
	For(username string) sos.LocationProvider
	Close() error
}

// Factory is a function type that creates a locator instance
type Factory func(config Config, logger sos.Logger) (Locator, error)

// factoryRegistry maps provider types to their factory functions
var factoryRegistry = make(map[string]Factory)

// RegisterFactory registers a locator factory for a given provider type.
func RegisterFactory(providerType string, factory Factory) {
	factoryRegistry[providerType] = factory
}

// New creates a locator based on the provided configuration.
// Returns an error if the provider type is unknown or if creation fails.
func New(config Config, logger sos.Logger) (Locator, error) {
	if config.Type == "" {
		return nil, fmt.Errorf("location provider type is required")
	}

	factory, exists := factoryRegistry[config.Type]
	if !exists {
		return nil, fmt.Errorf("unknown location provider type: %s", config.Type)
	}

	if config.MaxAge <= 0 {
		config.MaxAge = DefaultMaxAge
	}
	if config.TopicPrefix == "" {
		config.TopicPrefix = DefaultTopicPrefix
	}

	return factory(config, logger)
}

func init() {
	RegisterFactory(TypeHTTP, func(config Config, logger sos.Logger) (Locator, error) {
		return NewHTTPLocator(config, logger)
	})
	RegisterFactory(TypeMQTT, func(config Config, logger sos.Logger) (Locator, error) {
		return NewMQTTLocator(config, logger)
	})
}
