// Package alert delivers operator notifications for executor failures
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"trade_executor/internal/config"
	"trade_executor/internal/core"
)

type AlertLevel string

const (
	Info  AlertLevel = "INFO"
	Error AlertLevel = "ERROR"
)

const sendTimeout = 10 * time.Second

// IncidentKind names the executor condition an alert reports
type IncidentKind string

const (
	StartFailed IncidentKind = "start_failed"
	TickFailing IncidentKind = "tick_failing"
	Recovered   IncidentKind = "recovered"
)

// Incident is one executor condition worth telling an operator about
type Incident struct {
	Kind    IncidentKind
	Adapter string
	// Tick is the tick number that triggered the incident, zero on start
	Tick        int64
	FailedTicks int64
	LastError   string
	Time        time.Time
}

func (i Incident) Level() AlertLevel {
	if i.Kind == Recovered {
		return Info
	}
	return Error
}

func (i Incident) Title() string {
	switch i.Kind {
	case StartFailed:
		return "Executor start failed"
	case TickFailing:
		return "Tick failures"
	case Recovered:
		return "Executor recovered"
	default:
		return string(i.Kind)
	}
}

// Summary is the one-line human description of the incident
func (i Incident) Summary() string {
	switch i.Kind {
	case StartFailed:
		return fmt.Sprintf("Adapter %s could not start: %s", i.Adapter, i.LastError)
	case TickFailing:
		return fmt.Sprintf("%d consecutive ticks failed, fills stay queued until the remote service answers", i.FailedTicks)
	case Recovered:
		return fmt.Sprintf("Tick %d succeeded after %d failed ticks", i.Tick, i.FailedTicks)
	default:
		return i.LastError
	}
}

type AlertChannel interface {
	Send(ctx context.Context, incident Incident) error
	Name() string
}

// AlertManager fans an incident out to every channel. Delivery is
// asynchronous so the tick path never waits on a webhook.
type AlertManager struct {
	channels []AlertChannel
	logger   core.ILogger
	mu       sync.RWMutex
	inflight sync.WaitGroup
	now      func() time.Time
}

func NewAlertManager(logger core.ILogger) *AlertManager {
	return &AlertManager{
		channels: make([]AlertChannel, 0),
		logger:   logger.WithField("component", "alert_manager"),
		now:      time.Now,
	}
}

// NewFromConfig creates a manager with the channels that have credentials
func NewFromConfig(cfg config.AlertsConfig, logger core.ILogger) *AlertManager {
	am := NewAlertManager(logger)
	if cfg.SlackWebhookURL != "" {
		am.AddChannel(NewSlackChannel(cfg.SlackWebhookURL))
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		am.AddChannel(NewTelegramChannel(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	return am
}

func (am *AlertManager) AddChannel(ch AlertChannel) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.channels = append(am.channels, ch)
	am.logger.Info("Added alert channel", "name", ch.Name())
}

// Channels returns the number of configured channels
func (am *AlertManager) Channels() int {
	am.mu.RLock()
	defer am.mu.RUnlock()
	return len(am.channels)
}

// Notify delivers the incident to every channel in the background
func (am *AlertManager) Notify(ctx context.Context, incident Incident) {
	if incident.Time.IsZero() {
		incident.Time = am.now()
	}

	am.logger.Info("Triggering alert",
		"kind", incident.Kind,
		"adapter", incident.Adapter,
		"failed_ticks", incident.FailedTicks)

	am.mu.RLock()
	defer am.mu.RUnlock()

	// Delivery outlives the caller's context, bounded by sendTimeout
	base := context.WithoutCancel(ctx)
	for _, ch := range am.channels {
		am.inflight.Add(1)
		go func(c AlertChannel) {
			defer am.inflight.Done()
			timeoutCtx, cancel := context.WithTimeout(base, sendTimeout)
			defer cancel()

			if err := c.Send(timeoutCtx, incident); err != nil {
				am.logger.Error("Failed to send alert", "channel", c.Name(), "kind", incident.Kind, "error", err)
			}
		}(ch)
	}
}

// Wait blocks until every alert sent so far has been delivered or failed
func (am *AlertManager) Wait() {
	am.inflight.Wait()
}

// postJSON sends body to url and treats anything but 200 as failure
func postJSON(ctx context.Context, client *http.Client, channel, url string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s request failed with status: %d", channel, resp.StatusCode)
	}
	return nil
}
