package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/smtp"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"zfs-rotate/internal/config"
	"zfs-rotate/internal/logging"
)

// LogChannel writes events to the application log
type LogChannel struct {
	logger *logging.Logger
}

// NewLogChannel creates the log channel
func NewLogChannel(logger *logging.Logger) *LogChannel {
	return &LogChannel{logger: logger}
}

// Send implements Channel
func (lc *LogChannel) Send(ctx context.Context, msg Message) error {
	fields := logrus.Fields{
		"event": string(msg.Type),
		"level": string(msg.Level),
	}
	for k, v := range msg.Context {
		fields[k] = v
	}
	if msg.Error != "" {
		fields["error"] = msg.Error
	}

	entry := lc.logger.WithContext(ctx).WithFields(fields)
	text := msg.Title
	if msg.Message != "" {
		text = msg.Title + ": " + msg.Message
	}

	switch msg.Level {
	case LevelCritical:
		entry.Error(text)
	case LevelWarning:
		entry.Warn(text)
	default:
		entry.Info(text)
	}
	return nil
}

// Type implements Channel
func (lc *LogChannel) Type() string { return "log" }

// IsEnabled implements Channel
func (lc *LogChannel) IsEnabled() bool { return true }

// FileChannel appends events to a file as text or JSON lines
type FileChannel struct {
	config config.FileConfig
}

// NewFileChannel creates a file channel
func NewFileChannel(cfg config.FileConfig) *FileChannel {
	return &FileChannel{config: cfg}
}

// Send implements Channel
func (fc *FileChannel) Send(_ context.Context, msg Message) error {
	if fc.config.Path == "" {
		return fmt.Errorf("file path not configured")
	}

	var content string
	switch fc.config.Format {
	case "json":
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal notification to JSON: %w", err)
		}
		content = string(data) + "\n"
	default:
		content = fmt.Sprintf("[%s] %s - %s: %s", msg.Timestamp.Format(time.RFC3339), msg.Level, msg.Type, msg.Title)
		if msg.Message != "" {
			content += " - " + msg.Message
		}
		if msg.Error != "" {
			content += " (error: " + msg.Error + ")"
		}
		content += "\n"
	}

	file, err := os.OpenFile(fc.config.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open notification file: %w", err)
	}
	defer file.Close()

	if _, err := file.WriteString(content); err != nil {
		return fmt.Errorf("failed to write notification to file: %w", err)
	}
	return nil
}

// Type implements Channel
func (fc *FileChannel) Type() string { return "file" }

// IsEnabled implements Channel
func (fc *FileChannel) IsEnabled() bool { return fc.config.Path != "" }

// WebhookChannel posts the JSON message to a URL
type WebhookChannel struct {
	config config.WebhookConfig
	client *http.Client
}

// NewWebhookChannel creates a webhook channel
func NewWebhookChannel(cfg config.WebhookConfig) *WebhookChannel {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &WebhookChannel{
		config: cfg,
		client: &http.Client{Timeout: timeout},
	}
}

// Send implements Channel
func (wc *WebhookChannel) Send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	method := wc.config.Method
	if method == "" {
		method = http.MethodPost
	}

	headers := map[string]string{"Content-Type": "application/json"}
	for k, v := range wc.config.Headers {
		headers[k] = v
	}

	return postJSON(ctx, wc.client, method, wc.config.URL, payload, headers, "webhook")
}

// Type implements Channel
func (wc *WebhookChannel) Type() string { return "webhook" }

// IsEnabled implements Channel
func (wc *WebhookChannel) IsEnabled() bool { return wc.config.URL != "" }

// SlackChannel posts an attachment to a Slack incoming webhook
type SlackChannel struct {
	config config.SlackConfig
	client *http.Client
}

// NewSlackChannel creates a Slack channel
func NewSlackChannel(cfg config.SlackConfig) *SlackChannel {
	return &SlackChannel{
		config: cfg,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Send implements Channel
func (sc *SlackChannel) Send(ctx context.Context, msg Message) error {
	fields := []map[string]interface{}{
		{"title": "Event", "value": string(msg.Type), "short": true},
		{"title": "Level", "value": string(msg.Level), "short": true},
	}
	if msg.RunID != "" {
		fields = append(fields, map[string]interface{}{"title": "Run", "value": msg.RunID, "short": true})
	}
	for _, key := range sortedKeys(msg.Context) {
		fields = append(fields, map[string]interface{}{
			"title": key,
			"value": fmt.Sprint(msg.Context[key]),
			"short": true,
		})
	}

	text := msg.Message
	if msg.Error != "" {
		text = strings.TrimSpace(text + "\n" + msg.Error)
	}

	payload := map[string]interface{}{
		"text": fmt.Sprintf("%s %s", msg.IconEmoji, msg.Title),
		"attachments": []map[string]interface{}{
			{
				"color":  msg.Color,
				"title":  msg.Title,
				"text":   text,
				"ts":     msg.Timestamp.Unix(),
				"fields": fields,
			},
		},
	}
	if sc.config.Channel != "" {
		payload["channel"] = sc.config.Channel
	}
	if sc.config.Username != "" {
		payload["username"] = sc.config.Username
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal Slack payload: %w", err)
	}

	return postJSON(ctx, sc.client, http.MethodPost, sc.config.WebhookURL, data,
		map[string]string{"Content-Type": "application/json"}, "Slack")
}

// Type implements Channel
func (sc *SlackChannel) Type() string { return "slack" }

// IsEnabled implements Channel
func (sc *SlackChannel) IsEnabled() bool { return sc.config.WebhookURL != "" }

func postJSON(ctx context.Context, client *http.Client, method, url string, payload []byte, headers map[string]string, name string) error {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", name, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send %s notification: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s returned error status: %d", name, resp.StatusCode)
	}
	return nil
}

// sendMailFunc matches smtp.SendMail
type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailChannel sends events by SMTP
type EmailChannel struct {
	config   config.EmailConfig
	sendMail sendMailFunc
}

// NewEmailChannel creates an email channel
func NewEmailChannel(cfg config.EmailConfig) *EmailChannel {
	return &EmailChannel{config: cfg, sendMail: smtp.SendMail}
}

// Send implements Channel
func (ec *EmailChannel) Send(_ context.Context, msg Message) error {
	if ec.config.SMTPHost == "" || len(ec.config.To) == 0 {
		return fmt.Errorf("email configuration incomplete")
	}

	var auth smtp.Auth
	if ec.config.Username != "" {
		auth = smtp.PlainAuth("", ec.config.Username, ec.config.Password, ec.config.SMTPHost)
	}
	addr := net.JoinHostPort(ec.config.SMTPHost, strconv.Itoa(ec.config.SMTPPort))

	if err := ec.sendMail(addr, auth, ec.config.From, ec.config.To, ec.compose(msg)); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

func (ec *EmailChannel) compose(msg Message) []byte {
	var body strings.Builder
	fmt.Fprintf(&body, "%s\r\n\r\n", msg.Title)
	fmt.Fprintf(&body, "Event: %s\r\nLevel: %s\r\nTime: %s\r\n", msg.Type, msg.Level, msg.Timestamp.Format(time.RFC3339))
	if msg.RunID != "" {
		fmt.Fprintf(&body, "Run: %s\r\n", msg.RunID)
	}
	if msg.Message != "" {
		fmt.Fprintf(&body, "\r\n%s\r\n", msg.Message)
	}
	if msg.Error != "" {
		fmt.Fprintf(&body, "\r\nError: %s\r\n", msg.Error)
	}
	if len(msg.Context) > 0 {
		body.WriteString("\r\nDetails:\r\n")
		for _, key := range sortedKeys(msg.Context) {
			fmt.Fprintf(&body, "  %s: %v\r\n", key, msg.Context[key])
		}
	}

	subject := fmt.Sprintf("[zfs-rotate] %s", msg.Title)
	return []byte(fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		ec.config.From, strings.Join(ec.config.To, ", "), subject, body.String()))
}

// Type implements Channel
func (ec *EmailChannel) Type() string { return "email" }

// IsEnabled implements Channel
func (ec *EmailChannel) IsEnabled() bool {
	return ec.config.SMTPHost != "" && len(ec.config.To) > 0
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
