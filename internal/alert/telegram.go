package alert

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"
)

const telegramAPI = "https://api.telegram.org"

// TelegramChannel sends incidents through a bot to one chat
type TelegramChannel struct {
	botToken string
	chatID   string
	apiURL   string
	client   *http.Client
}

func NewTelegramChannel(botToken, chatID string) *TelegramChannel {
	return &TelegramChannel{
		botToken: botToken,
		chatID:   chatID,
		apiURL:   telegramAPI,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

func (t *TelegramChannel) Send(ctx context.Context, incident Incident) error {
	if t.botToken == "" || t.chatID == "" {
		return nil
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiURL, t.botToken)
	return postJSON(ctx, t.client, t.Name(), url, telegramMessage{
		ChatID:    t.chatID,
		Text:      formatTelegram(incident),
		ParseMode: "HTML",
	})
}

// formatTelegram renders HTML; error text from brokers is escaped since it
// may carry angle brackets
func formatTelegram(incident Incident) string {
	icon := "❌"
	if incident.Level() == Info {
		icon = "✅"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>%s</b>\n%s\n", icon, html.EscapeString(incident.Title()), html.EscapeString(incident.Summary()))
	fmt.Fprintf(&b, "\nadapter: <code>%s</code>", html.EscapeString(incident.Adapter))
	if incident.Tick > 0 {
		fmt.Fprintf(&b, "\ntick: %d", incident.Tick)
	}
	if incident.FailedTicks > 0 {
		fmt.Fprintf(&b, "\nfailed ticks: %d", incident.FailedTicks)
	}
	if incident.LastError != "" && incident.Kind != Recovered {
		fmt.Fprintf(&b, "\nlast error: <pre>%s</pre>", html.EscapeString(incident.LastError))
	}
	fmt.Fprintf(&b, "\n<i>%s</i>", incident.Time.UTC().Format(time.RFC3339))
	return b.String()
}
