package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/slack-go/slack"
)

// SlackPoster is the subset of *slack.Client used by SlackNotifier.
type SlackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackNotifier posts alerts as message attachments.
type SlackNotifier struct {
	client  SlackPoster
	channel string
}

// NewSlackNotifier creates a notifier posting to channel with a bot token.
func NewSlackNotifier(token, channel string) *SlackNotifier {
	return NewSlackNotifierWithClient(slack.New(token), channel)
}

// NewSlackNotifierWithClient creates a notifier with an existing client.
func NewSlackNotifierWithClient(client SlackPoster, channel string) *SlackNotifier {
	return &SlackNotifier{client: client, channel: channel}
}

// Notify implements Notifier.
func (n *SlackNotifier) Notify(ctx context.Context, a Alert) error {
	_, _, err := n.client.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(a.Title, false),
		slack.MsgOptionAttachments(attachment(a)),
	)
	if err != nil {
		return fmt.Errorf("alert: slack: %w", err)
	}
	return nil
}

func attachment(a Alert) slack.Attachment {
	fields := []slack.AttachmentField{
		{Title: "Kind", Value: string(a.Kind), Short: true},
	}
	if a.FacilityID != "" {
		fields = append(fields, slack.AttachmentField{Title: "Facility", Value: a.FacilityID, Short: true})
	}
	for _, k := range a.SortedFields() {
		fields = append(fields, slack.AttachmentField{Title: k, Value: a.Fields[k], Short: true})
	}
	return slack.Attachment{
		Color:  levelColor(a.Level),
		Text:   a.Message,
		Fields: fields,
		Footer: "querydispatch",
		Ts:     json.Number(strconv.FormatInt(a.At.Unix(), 10)),
	}
}

func levelColor(l Level) string {
	switch l {
	case LevelInfo:
		return "#36a64f"
	case LevelWarning:
		return "#ffcc00"
	case LevelCritical:
		return "#ff0000"
	default:
		return "#000000"
	}
}
