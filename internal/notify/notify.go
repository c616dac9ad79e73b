// Package notify records operational messages and failure events of a
// rotation run and delivers them to the configured channels.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"zfs-rotate/internal/config"
	"zfs-rotate/internal/logging"
)

// Level is the severity of an event
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

var levelRank = map[Level]int{
	LevelInfo:     1,
	LevelWarning:  2,
	LevelCritical: 3,
}

// ParseLevel converts a configured level name
func ParseLevel(s string) (Level, error) {
	level := Level(strings.ToLower(s))
	if _, ok := levelRank[level]; !ok {
		return "", fmt.Errorf("invalid notification level: %s", s)
	}
	return level, nil
}

// AtLeast reports whether l is as severe as min. An unknown min allows all.
func (l Level) AtLeast(min Level) bool {
	minRank, ok := levelRank[min]
	if !ok {
		return true
	}
	return levelRank[l] >= minRank
}

// EventType identifies what happened
type EventType string

const (
	EventRunStarted          EventType = "run_started"
	EventRunCompleted        EventType = "run_completed"
	EventPreconditionFailed  EventType = "precondition_failed"
	EventStoreFailed         EventType = "store_failed"
	EventTransportFailed     EventType = "transport_failed"
	EventPruneCompleted      EventType = "prune_completed"
	EventConfigurationFailed EventType = "configuration_failed"
	EventRunInterrupted      EventType = "run_interrupted"
)

var eventTitles = map[EventType]string{
	EventRunStarted:          "Rotation started",
	EventRunCompleted:        "Rotation completed",
	EventPreconditionFailed:  "Rotation aborted: precondition failed",
	EventStoreFailed:         "Rotation aborted: snapshot operation failed",
	EventTransportFailed:     "Rotation aborted: transfer failed",
	EventPruneCompleted:      "Expired snapshot pruned",
	EventConfigurationFailed: "Rotation aborted: invalid configuration",
	EventRunInterrupted:      "Rotation interrupted",
}

// Event is one notification. Context carries the run parameters: source,
// destination, host, user, lock mode, keep, run timestamp and run id.
type Event struct {
	Level     Level
	Type      EventType
	Message   string
	Context   map[string]interface{}
	Error     error
	Timestamp time.Time
	RunID     string
}

// Title returns a one-line summary of the event type
func (e Event) Title() string {
	if title, ok := eventTitles[e.Type]; ok {
		return title
	}
	return string(e.Type)
}

// Notifier is the alerting sink of the rotation engine
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Channel delivers events to one destination
type Channel interface {
	Send(ctx context.Context, msg Message) error
	Type() string
	IsEnabled() bool
}

// Message is the rendered form of an event shared by all channels
type Message struct {
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Level     Level                  `json:"level"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	RunID     string                 `json:"run_id,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Color     string                 `json:"color,omitempty"`
	IconEmoji string                 `json:"icon_emoji,omitempty"`
}

// FormatMessage renders event for delivery
func FormatMessage(event Event) Message {
	msg := Message{
		Title:     event.Title(),
		Message:   event.Message,
		Level:     event.Level,
		Type:      event.Type,
		Timestamp: event.Timestamp,
		RunID:     event.RunID,
		Context:   event.Context,
	}
	if event.Error != nil {
		msg.Error = event.Error.Error()
	}

	switch event.Level {
	case LevelInfo:
		msg.Color = "#36a64f"
		msg.IconEmoji = ":information_source:"
	case LevelWarning:
		msg.Color = "#ff9900"
		msg.IconEmoji = ":warning:"
	case LevelCritical:
		msg.Color = "#ff0000"
		msg.IconEmoji = ":rotating_light:"
	}

	return msg
}

// Manager fans events out to every enabled channel. The log channel always
// receives every event; the others only events at or above the minimum level.
type Manager struct {
	logger   *logging.Logger
	enabled  bool
	minLevel Level
	log      Channel
	channels []Channel
	now      func() time.Time
}

// NewManager builds the channels named in cfg
func NewManager(logger *logging.Logger, cfg config.NotificationConfig) (*Manager, error) {
	minLevel := LevelInfo
	if cfg.MinLevel != "" {
		level, err := ParseLevel(cfg.MinLevel)
		if err != nil {
			return nil, err
		}
		minLevel = level
	}

	m := &Manager{
		logger:   logger,
		enabled:  cfg.Enabled,
		minLevel: minLevel,
		log:      NewLogChannel(logger),
		now:      time.Now,
	}

	if cfg.File.Path != "" {
		m.channels = append(m.channels, NewFileChannel(cfg.File))
	}
	if cfg.Webhook.URL != "" {
		m.channels = append(m.channels, NewWebhookChannel(cfg.Webhook))
	}
	if cfg.Slack.WebhookURL != "" {
		m.channels = append(m.channels, NewSlackChannel(cfg.Slack))
	}
	if cfg.Email.SMTPHost != "" && len(cfg.Email.To) > 0 {
		m.channels = append(m.channels, NewEmailChannel(cfg.Email))
	}

	return m, nil
}

// AddChannel registers an additional channel
func (m *Manager) AddChannel(channel Channel) {
	m.channels = append(m.channels, channel)
}

// Channels returns the type names of the external channels
func (m *Manager) Channels() []string {
	names := make([]string, 0, len(m.channels))
	for _, channel := range m.channels {
		names = append(names, channel.Type())
	}
	return names
}

// Notify implements Notifier. It fails only when every attempted external
// channel failed.
func (m *Manager) Notify(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = m.now()
	}
	if event.RunID == "" {
		event.RunID = logging.RunIDFromContext(ctx)
	}

	msg := FormatMessage(event)
	_ = m.log.Send(ctx, msg)

	if !m.enabled {
		return nil
	}
	if !event.Level.AtLeast(m.minLevel) {
		m.logger.WithContext(ctx).WithFields(map[string]interface{}{
			"event": string(event.Type),
			"level": string(event.Level),
		}).Debug("Event below notification threshold, not sending")
		return nil
	}

	var failures []string
	attempted := 0

	for _, channel := range m.channels {
		if !channel.IsEnabled() {
			continue
		}
		attempted++

		if err := channel.Send(ctx, msg); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", channel.Type(), err))
			m.logger.WithContext(ctx).WithFields(map[string]interface{}{
				"channel": channel.Type(),
				"event":   string(event.Type),
				"error":   err.Error(),
			}).Error("Failed to send notification")
			continue
		}

		m.logger.WithContext(ctx).WithFields(map[string]interface{}{
			"channel": channel.Type(),
			"event":   string(event.Type),
		}).Debug("Notification sent")
	}

	if attempted > 0 && len(failures) == attempted {
		return fmt.Errorf("all notification channels failed: %s", strings.Join(failures, "; "))
	}
	return nil
}
