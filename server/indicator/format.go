package indicator

import (
	"fmt"
	"time"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/mattermost/mattermost-plugin-resq/server/sos"
)

// Indicator colors
const (
	ColorActive  = "#D24B4E"
	ColorWarning = "#FF9900"
)

const (
	// StopActionID identifies the stop button in the post action request.
	StopActionID = "stopsharing"

	// SessionContextKey carries the session ID in the post action context.
	SessionContextKey = "session_id"
)

// FormatIndicator builds the attachment shown while a session is running.
// last is nil until the first iteration completes.
func FormatIndicator(sessionID, stopURL string, startedAt time.Time, interval time.Duration, last *sos.IterationResult) *model.SlackAttachment {
	attachment := &model.SlackAttachment{
		Title: "SOS is active",
		Text:  fmt.Sprintf("Your location is being sent to your trusted contacts every %s.", interval),
		Color: ColorActive,
	}

	fields := []*model.SlackAttachmentField{
		{
			Title: "Started",
			Value: formatTime(startedAt),
			Short: true,
		},
	}

	if last != nil {
		fields = append(fields, &model.SlackAttachmentField{
			Title: "Last Update",
			Value: formatTime(last.Time),
			Short: true,
		})

		if last.Position != nil {
			fields = append(fields, &model.SlackAttachmentField{
				Title: "Last Location",
				Value: fmt.Sprintf("[%s](%s)", formatCoordinates(*last.Position), sos.MapLink(*last.Position)),
				Short: true,
			})
			fields = append(fields, &model.SlackAttachmentField{
				Title: "Contacts Notified",
				Value: fmt.Sprintf("%d of %d", last.Delivered, last.Delivered+last.Failed),
				Short: true,
			})
		}

		if last.Error != "" {
			attachment.Color = ColorWarning
			fields = append(fields, &model.SlackAttachmentField{
				Title: "Problem",
				Value: last.Error,
				Short: false,
			})
		}
	}

	attachment.Fields = fields
	attachment.Actions = []*model.PostAction{
		{
			Id:    StopActionID,
			Type:  model.PostActionTypeButton,
			Name:  "Stop Sharing",
			Style: "danger",
			Integration: &model.PostActionIntegration{
				URL: stopURL,
				Context: map[string]any{
					SessionContextKey: sessionID,
				},
			},
		},
	}

	return attachment
}

func formatTime(t time.Time) string {
	return t.UTC().Format("Jan 2, 2006 at 3:04:05 PM MST")
}

func formatCoordinates(position sos.Position) string {
	return fmt.Sprintf("%.5f, %.5f", position.Latitude, position.Longitude)
}
