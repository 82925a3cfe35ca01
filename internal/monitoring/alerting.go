package monitoring

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// AlertLevel grades operational alerts.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertElevated AlertLevel = "ELEVATED"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alerter delivers notifications to an external channel. Implementations
// must never block the caller for long and must swallow their own errors.
type Alerter interface {
	Alert(level AlertLevel, message string, metadata map[string]any)
}

// MultiAlerter fans one alert out to several alerters.
type MultiAlerter struct {
	alerters []Alerter
}

func NewMultiAlerter(alerters ...Alerter) *MultiAlerter {
	return &MultiAlerter{alerters: alerters}
}

func (m *MultiAlerter) Alert(level AlertLevel, message string, metadata map[string]any) {
	for _, a := range m.alerters {
		// Goroutine per target so a slow webhook cannot block the rest.
		go a.Alert(level, message, metadata)
	}
}

// SlackAlerter posts alerts to a Slack incoming webhook.
type SlackAlerter struct {
	webhookURL string
	channel    string
	username   string
}

func NewSlackAlerter(webhookURL, channel, username string) *SlackAlerter {
	return &SlackAlerter{webhookURL: webhookURL, channel: channel, username: username}
}

func (s *SlackAlerter) Alert(level AlertLevel, message string, metadata map[string]any) {
	if s.webhookURL == "" {
		return // not configured
	}

	fields := []map[string]any{}
	for k, v := range metadata {
		fields = append(fields, map[string]any{
			"title": k,
			"value": fmt.Sprintf("%v", v),
			"short": true,
		})
	}

	payload := map[string]any{
		"username": s.username,
		"channel":  s.channel,
		"text":     fmt.Sprintf("%s *%s Alert*", s.emoji(level), level),
		"attachments": []map[string]any{
			{
				"color":     s.color(level),
				"title":     message,
				"fields":    fields,
				"timestamp": time.Now().Unix(),
				"footer":    "chatmirror",
			},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	client := &http.Client{Timeout: 5 * time.Second}
	// Alerting must never break the engine; errors are dropped.
	_, _ = client.Post(s.webhookURL, "application/json", bytes.NewBuffer(body))
}

func (s *SlackAlerter) color(level AlertLevel) string {
	switch level {
	case AlertCritical, AlertElevated:
		return "danger"
	case AlertWarning:
		return "warning"
	default:
		return "good"
	}
}

func (s *SlackAlerter) emoji(level AlertLevel) string {
	switch level {
	case AlertCritical:
		return ":rotating_light:"
	case AlertElevated:
		return ":x:"
	case AlertWarning:
		return ":warning:"
	default:
		return ":information_source:"
	}
}

// LogAlerter writes alerts to the structured log. The default when no
// webhook is configured.
type LogAlerter struct {
	logger zerolog.Logger
}

func NewLogAlerter(logger zerolog.Logger) *LogAlerter {
	return &LogAlerter{logger: logger.With().Str("component", "alerts").Logger()}
}

func (l *LogAlerter) Alert(level AlertLevel, message string, metadata map[string]any) {
	ev := l.logger.Warn()
	if level == AlertCritical {
		ev = l.logger.Error()
	}
	ev.Str("level", string(level)).Fields(metadata).Msg(message)
}
