package location

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/mattermost/mattermost-plugin-resq/server/sos"
)

// positionResponse is the body returned by the location service.
type positionResponse struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
}

// HTTPLocator queries a REST location service for the latest position of a user.
type HTTPLocator struct {
	client *resty.Client
	maxAge time.Duration
	logger sos.Logger
}

// NewHTTPLocator creates a locator backed by the REST location service at config.URL.
func NewHTTPLocator(config Config, logger sos.Logger) (*HTTPLocator, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("location service URL is required")
	}

	client := resty.New().
		SetBaseURL(strings.TrimSuffix(config.URL, "/")).
		SetTimeout(httpTimeout).
		SetHeader("Accept", "application/json")

	if config.Token != "" {
		client.SetAuthToken(config.Token)
	}

	return &HTTPLocator{
		client: client,
		maxAge: config.MaxAge,
		logger: logger,
	}, nil
}

// For returns the provider for one user.
func (l *HTTPLocator) For(username string) sos.LocationProvider {
	return &httpProvider{
		locator:  l,
		username: username,
	}
}

// Close is a no-op for the HTTP locator.
func (l *HTTPLocator) Close() error {
	return nil
}

type httpProvider struct {
	locator  *HTTPLocator
	username string
}

// CurrentPosition requests a fix for the user. 404 means no fix is known,
// 401 and 403 mean the service refuses to disclose it.
func (p *httpProvider) CurrentPosition(ctx context.Context, accuracy sos.Accuracy) (*sos.Position, error) {
	var body positionResponse
	resp, err := p.locator.client.R().
		SetContext(ctx).
		SetPathParam("username", p.username).
		SetQueryParam("accuracy", accuracy.String()).
		SetResult(&body).
		Get("/users/{username}/location")
	if err != nil {
		return nil, fmt.Errorf("location request failed: %w", err)
	}

	switch resp.StatusCode() {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, sos.ErrLocationUnavailable
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("%w (HTTP %d)", sos.ErrLocationDenied, resp.StatusCode())
	default:
		return nil, fmt.Errorf("unexpected HTTP status %d", resp.StatusCode())
	}

	fixTime := body.Timestamp
	if fixTime.IsZero() {
		fixTime = time.Now()
	}

	if age := time.Since(fixTime); age > p.locator.maxAge {
		p.locator.logger.Debug("Ignoring stale position",
			"username", p.username,
			"age", age.String())
		return nil, fmt.Errorf("%w: last fix is %s old", sos.ErrLocationUnavailable, age.Round(time.Second))
	}

	return &sos.Position{
		Latitude:  body.Latitude,
		Longitude: body.Longitude,
		Accuracy:  body.Accuracy,
		Time:      fixTime,
	}, nil
}
