package alert

import (
	"context"
	"net/http"
	"strconv"
	"time"
)

// SlackChannel posts incidents to an incoming webhook as one attachment
type SlackChannel struct {
	webhookURL string
	client     *http.Client
}

func NewSlackChannel(webhookURL string) *SlackChannel {
	return &SlackChannel{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *SlackChannel) Name() string {
	return "slack"
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color    string       `json:"color"`
	Fallback string       `json:"fallback"`
	Pretext  string       `json:"pretext"`
	Text     string       `json:"text"`
	Fields   []slackField `json:"fields,omitempty"`
	TS       int64        `json:"ts"`
	Footer   string       `json:"footer"`
}

type slackMessage struct {
	Attachments []slackAttachment `json:"attachments"`
}

func (s *SlackChannel) Send(ctx context.Context, incident Incident) error {
	if s.webhookURL == "" {
		return nil
	}
	return postJSON(ctx, s.client, s.Name(), s.webhookURL, slackMessage{
		Attachments: []slackAttachment{s.attachment(incident)},
	})
}

func (s *SlackChannel) attachment(incident Incident) slackAttachment {
	color := "#ff0000"
	if incident.Level() == Info {
		color = "#36a64f"
	}

	fields := []slackField{{Title: "Adapter", Value: incident.Adapter, Short: true}}
	if incident.Tick > 0 {
		fields = append(fields, slackField{Title: "Tick", Value: strconv.FormatInt(incident.Tick, 10), Short: true})
	}
	if incident.FailedTicks > 0 {
		fields = append(fields, slackField{Title: "Failed ticks", Value: strconv.FormatInt(incident.FailedTicks, 10), Short: true})
	}
	// The recovery message has no error to show
	if incident.LastError != "" && incident.Kind != Recovered {
		fields = append(fields, slackField{Title: "Last error", Value: incident.LastError})
	}

	return slackAttachment{
		Color:    color,
		Fallback: incident.Title() + ": " + incident.Summary(),
		Pretext:  "[" + string(incident.Level()) + "] " + incident.Title(),
		Text:     incident.Summary(),
		Fields:   fields,
		TS:       incident.Time.Unix(),
		Footer:   "trade_executor",
	}
}
