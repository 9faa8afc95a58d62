package indicator

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/mattermost/mattermost/server/public/plugin"

	"github.com/mattermost/mattermost-plugin-resq/server/sos"
)

// PostStore remembers the indicator post so it can be removed after a restart.
type PostStore interface {
	SaveIndicatorPost(postID string) error
	GetIndicatorPost() (string, error)
	ClearIndicatorPost() error
}

// Config holds what a DM indicator needs for one session.
type Config struct {
	API       plugin.API
	BotID     string
	ChannelID string
	SessionID string
	StopURL   string
	StartedAt time.Time
	Interval  time.Duration
	Store     PostStore
	Logger    sos.Logger
}

// DMIndicator is a bot direct message with a "Stop Sharing" button. It is
// posted when a session starts, edited after every iteration and deleted
// when the session ends.
type DMIndicator struct {
	config Config

	mu     sync.Mutex
	postID string
}

// New creates an indicator for one session.
func New(config Config) *DMIndicator {
	return &DMIndicator{
		config: config,
	}
}

// PostID returns the ID of the indicator post, or "" when not shown.
func (d *DMIndicator) PostID() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.postID
}

// Show posts the indicator and records its ID.
func (d *DMIndicator) Show(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.postID != "" {
		return nil
	}

	post := d.buildPost(nil)
	created, appErr := d.config.API.CreatePost(post)
	if appErr != nil {
		return fmt.Errorf("failed to create indicator post: %w", appErr)
	}

	d.postID = created.Id

	if err := d.config.Store.SaveIndicatorPost(created.Id); err != nil {
		d.config.Logger.Warn("Failed to record indicator post", "postId", created.Id, "error", err.Error())
	}

	return nil
}

// Update replaces the indicator content with the latest iteration result.
func (d *DMIndicator) Update(_ context.Context, result sos.IterationResult) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.postID == "" {
		return nil
	}

	post := d.buildPost(&result)
	post.Id = d.postID

	if _, appErr := d.config.API.UpdatePost(post); appErr != nil {
		return fmt.Errorf("failed to update indicator post: %w", appErr)
	}

	return nil
}

// Dismiss deletes the indicator post. A post that is already gone is not an error.
func (d *DMIndicator) Dismiss(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.postID == "" {
		return nil
	}

	if appErr := d.config.API.DeletePost(d.postID); appErr != nil && appErr.StatusCode != http.StatusNotFound {
		return fmt.Errorf("failed to delete indicator post: %w", appErr)
	}

	postID := d.postID
	d.postID = ""

	// A newer session of the same user may already have recorded its own post.
	recorded, err := d.config.Store.GetIndicatorPost()
	if err != nil {
		return fmt.Errorf("failed to read indicator post: %w", err)
	}
	if recorded != postID {
		return nil
	}

	if err := d.config.Store.ClearIndicatorPost(); err != nil {
		return fmt.Errorf("failed to clear indicator post: %w", err)
	}

	return nil
}

func (d *DMIndicator) buildPost(last *sos.IterationResult) *model.Post {
	post := &model.Post{
		UserId:    d.config.BotID,
		ChannelId: d.config.ChannelID,
		Type:      model.PostTypeSlackAttachment,
		Props:     model.StringInterface{},
	}

	attachment := FormatIndicator(d.config.SessionID, d.config.StopURL, d.config.StartedAt, d.config.Interval, last)
	model.ParseSlackAttachment(post, []*model.SlackAttachment{attachment})

	return post
}

// RemoveStale deletes an indicator post left behind by a session that did
// not shut down cleanly. It returns true if a post was removed.
func RemoveStale(api plugin.API, store PostStore) (bool, error) {
	postID, err := store.GetIndicatorPost()
	if err != nil {
		return false, err
	}

	if postID == "" {
		return false, nil
	}

	if appErr := api.DeletePost(postID); appErr != nil && appErr.StatusCode != http.StatusNotFound {
		return false, fmt.Errorf("failed to delete stale indicator post %s: %w", postID, appErr)
	}

	if err := store.ClearIndicatorPost(); err != nil {
		return false, err
	}

	return true, nil
}
