package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	appErrors "zfs-rotate/internal/errors"
	"zfs-rotate/internal/snapshot"
)

// Lock modes
const (
	LockModeNone  = "none"
	LockModeMySQL = "mysql"
)

// Transport types
const (
	TransportSSH   = "ssh"
	TransportLocal = "local"
	TransportS3    = "s3"
	TransportGCS   = "gcs"
	TransportAzure = "azure"
)

// Compression algorithms
const (
	CompressionNone = "none"
	CompressionGzip = "gzip"
	CompressionZstd = "zstd"
	CompressionLZ4  = "lz4"
)

// Defaults
const (
	DefaultKeep    = 5
	DefaultUser    = "root"
	DefaultZFSPath = "zfs"
	DefaultSSHPort = 22
)

// Config is the run configuration. It is built once at startup and never
// mutated while a rotation runs.
type Config struct {
	Source      string `mapstructure:"source" yaml:"source"`
	Destination string `mapstructure:"destination" yaml:"destination"`
	Host        string `mapstructure:"host" yaml:"host"`
	User        string `mapstructure:"user" yaml:"user"`
	Keep        int    `mapstructure:"keep" yaml:"keep"`
	Recursive   bool   `mapstructure:"recursive" yaml:"recursive"`
	Init        bool   `mapstructure:"init" yaml:"init"`
	DryRun      bool   `mapstructure:"dry_run" yaml:"dry_run"`
	ZFSPath     string `mapstructure:"zfs_path" yaml:"zfs_path"`
	Schedule    string `mapstructure:"schedule" yaml:"schedule,omitempty"`

	Lock          LockConfig         `mapstructure:"lock" yaml:"lock"`
	Transport     TransportConfig    `mapstructure:"transport" yaml:"transport"`
	Notifications NotificationConfig `mapstructure:"notifications" yaml:"notifications"`
	Metrics       MetricsConfig      `mapstructure:"metrics" yaml:"metrics"`
	Log           LogConfig          `mapstructure:"log" yaml:"log"`
}

// LockConfig selects how the source is quiesced while the snapshot is taken
type LockConfig struct {
	Mode  string          `mapstructure:"mode" yaml:"mode"`
	MySQL MySQLLockConfig `mapstructure:"mysql" yaml:"mysql"`
}

// MySQLLockConfig holds the connection used for FLUSH TABLES WITH READ LOCK
type MySQLLockConfig struct {
	Host     string        `mapstructure:"host" yaml:"host"`
	Port     int           `mapstructure:"port" yaml:"port"`
	Socket   string        `mapstructure:"socket" yaml:"socket,omitempty"`
	User     string        `mapstructure:"user" yaml:"user"`
	Password string        `mapstructure:"password" yaml:"password"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// TransportConfig selects and configures the transfer channel
type TransportConfig struct {
	Type        string            `mapstructure:"type" yaml:"type"`
	Compression CompressionConfig `mapstructure:"compression" yaml:"compression"`
	SSH         SSHConfig         `mapstructure:"ssh" yaml:"ssh"`
	S3          S3Config          `mapstructure:"s3" yaml:"s3,omitempty"`
	GCS         GCSConfig         `mapstructure:"gcs" yaml:"gcs,omitempty"`
	Azure       AzureConfig       `mapstructure:"azure" yaml:"azure,omitempty"`
}

// CompressionConfig defines stream compression settings
type CompressionConfig struct {
	Algorithm string `mapstructure:"algorithm" yaml:"algorithm"`
	Level     int    `mapstructure:"level" yaml:"level"`
}

// SSHConfig for the ssh transport
type SSHConfig struct {
	Port                  int           `mapstructure:"port" yaml:"port"`
	KeyFiles              []string      `mapstructure:"key_files" yaml:"key_files,omitempty"`
	KnownHosts            string        `mapstructure:"known_hosts" yaml:"known_hosts"`
	InsecureIgnoreHostKey bool          `mapstructure:"insecure_ignore_host_key" yaml:"insecure_ignore_host_key"`
	UseAgent              bool          `mapstructure:"use_agent" yaml:"use_agent"`
	Timeout               time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// S3Config for Amazon S3 archive storage
type S3Config struct {
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	Region    string `mapstructure:"region" yaml:"region"`
	Prefix    string `mapstructure:"prefix" yaml:"prefix"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key"`
}

// GCSConfig for Google Cloud Storage archive storage
type GCSConfig struct {
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	Prefix          string `mapstructure:"prefix" yaml:"prefix"`
	CredentialsPath string `mapstructure:"credentials_path" yaml:"credentials_path"`
}

// AzureConfig for Azure Blob Storage archive storage
type AzureConfig struct {
	AccountName   string `mapstructure:"account_name" yaml:"account_name"`
	AccountKey    string `mapstructure:"account_key" yaml:"account_key"`
	ContainerName string `mapstructure:"container_name" yaml:"container_name"`
	Prefix        string `mapstructure:"prefix" yaml:"prefix"`
}

// NotificationConfig holds configuration for notifications
type NotificationConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	MinLevel string        `mapstructure:"min_level" yaml:"min_level"`
	File     FileConfig    `mapstructure:"file" yaml:"file,omitempty"`
	Webhook  WebhookConfig `mapstructure:"webhook" yaml:"webhook,omitempty"`
	Slack    SlackConfig   `mapstructure:"slack" yaml:"slack,omitempty"`
	Email    EmailConfig   `mapstructure:"email" yaml:"email,omitempty"`
}

// FileConfig for file-based notifications
type FileConfig struct {
	Path   string `mapstructure:"path" yaml:"path"`
	Format string `mapstructure:"format" yaml:"format"` // json, text
}

// WebhookConfig for generic webhook notifications
type WebhookConfig struct {
	URL     string            `mapstructure:"url" yaml:"url"`
	Method  string            `mapstructure:"method" yaml:"method"`
	Headers map[string]string `mapstructure:"headers" yaml:"headers,omitempty"`
	Timeout time.Duration     `mapstructure:"timeout" yaml:"timeout"`
}

// SlackConfig for Slack notifications
type SlackConfig struct {
	WebhookURL string `mapstructure:"webhook_url" yaml:"webhook_url"`
	Channel    string `mapstructure:"channel" yaml:"channel"`
	Username   string `mapstructure:"username" yaml:"username"`
}

// EmailConfig for email notifications
type EmailConfig struct {
	SMTPHost string   `mapstructure:"smtp_host" yaml:"smtp_host"`
	SMTPPort int      `mapstructure:"smtp_port" yaml:"smtp_port"`
	Username string   `mapstructure:"username" yaml:"username"`
	Password string   `mapstructure:"password" yaml:"password"`
	From     string   `mapstructure:"from" yaml:"from"`
	To       []string `mapstructure:"to" yaml:"to,omitempty"`
}

// MetricsConfig for the node-exporter textfile
type MetricsConfig struct {
	Textfile string `mapstructure:"textfile" yaml:"textfile"`
}

// LogConfig for the application logger
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file"`
}

// Incremental reports whether the run sends a delta against a prior snapshot
func (c *Config) Incremental() bool {
	return !c.Init
}

// LockEnabled reports whether the snapshot is taken under a lock
func (c *Config) LockEnabled() bool {
	return c.Lock.Mode != "" && c.Lock.Mode != LockModeNone
}

// SetDefaults fills every unset field with its default. Keep is left alone:
// an explicit zero is invalid, and the loader and flags already default it.
func (c *Config) SetDefaults() {
	if c.User == "" {
		c.User = DefaultUser
	}
	if c.ZFSPath == "" {
		c.ZFSPath = DefaultZFSPath
	}

	c.Lock.SetDefaults()
	c.Transport.SetDefaults()
	c.Notifications.SetDefaults()
	c.Log.SetDefaults()
}

// Validate checks the configuration. Every failure is a configuration error.
func (c *Config) Validate() error {
	var errs []error

	if err := snapshot.ValidateDataset(c.Source); err != nil {
		errs = append(errs, fmt.Errorf("source: %w", err))
	}
	if err := snapshot.ValidateDataset(c.Destination); err != nil {
		errs = append(errs, fmt.Errorf("destination: %w", err))
	}
	if c.Keep < 1 {
		errs = append(errs, fmt.Errorf("keep must be at least 1, got %d", c.Keep))
	}
	if c.Transport.Type == TransportSSH {
		if c.Host == "" {
			errs = append(errs, errors.New("host is required for the ssh transport"))
		}
		if c.User == "" {
			errs = append(errs, errors.New("user is required for the ssh transport"))
		}
	}

	if err := c.Lock.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("lock: %w", err))
	}
	if err := c.Transport.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("transport: %w", err))
	}
	if err := c.Notifications.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("notifications: %w", err))
	}
	if err := c.Log.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("log: %w", err))
	}

	if len(errs) > 0 {
		return appErrors.NewConfigurationError("configuration validation failed", errors.Join(errs...)).
			WithContext("problems", len(errs))
	}

	return nil
}

// SetDefaults sets default values for lock configuration
func (lc *LockConfig) SetDefaults() {
	if lc.Mode == "" {
		lc.Mode = LockModeNone
	}
	if lc.Mode != LockModeMySQL {
		return
	}
	if lc.MySQL.Host == "" && lc.MySQL.Socket == "" {
		lc.MySQL.Host = "localhost"
	}
	if lc.MySQL.Port == 0 {
		lc.MySQL.Port = 3306
	}
	if lc.MySQL.User == "" {
		lc.MySQL.User = "root"
	}
	if lc.MySQL.Timeout == 0 {
		lc.MySQL.Timeout = 30 * time.Second
	}
}

// Validate validates the lock configuration
func (lc *LockConfig) Validate() error {
	switch lc.Mode {
	case LockModeNone, "":
		return nil
	case LockModeMySQL:
		if lc.MySQL.Port < 0 || lc.MySQL.Port > 65535 {
			return fmt.Errorf("invalid mysql port: %d", lc.MySQL.Port)
		}
		if lc.MySQL.Timeout < 0 {
			return errors.New("mysql timeout cannot be negative")
		}
		return nil
	default:
		return fmt.Errorf("invalid lock mode %q, must be one of: none, mysql", lc.Mode)
	}
}

// SetDefaults sets default values for transport configuration
func (tc *TransportConfig) SetDefaults() {
	if tc.Type == "" {
		tc.Type = TransportSSH
	}
	tc.Compression.SetDefaults()

	if tc.SSH.Port == 0 {
		tc.SSH.Port = DefaultSSHPort
	}
	if tc.SSH.Timeout == 0 {
		tc.SSH.Timeout = 30 * time.Second
	}
	if home, err := os.UserHomeDir(); err == nil {
		if tc.SSH.KnownHosts == "" && !tc.SSH.InsecureIgnoreHostKey {
			tc.SSH.KnownHosts = filepath.Join(home, ".ssh", "known_hosts")
		}
		// key files back up the agent, which is usually absent under cron
		if len(tc.SSH.KeyFiles) == 0 {
			tc.SSH.KeyFiles = []string{
				filepath.Join(home, ".ssh", "id_ed25519"),
				filepath.Join(home, ".ssh", "id_rsa"),
			}
		}
	}
	if tc.Type == TransportS3 && tc.S3.Region == "" {
		tc.S3.Region = "us-east-1"
	}
}

// Validate validates the transport configuration
func (tc *TransportConfig) Validate() error {
	if err := tc.Compression.Validate(); err != nil {
		return fmt.Errorf("compression: %w", err)
	}

	switch tc.Type {
	case TransportSSH:
		if tc.SSH.Port < 1 || tc.SSH.Port > 65535 {
			return fmt.Errorf("invalid ssh port: %d", tc.SSH.Port)
		}
		if !tc.SSH.InsecureIgnoreHostKey && tc.SSH.KnownHosts == "" {
			return errors.New("ssh known_hosts is required unless insecure_ignore_host_key is set")
		}
		if !tc.SSH.UseAgent && len(tc.SSH.KeyFiles) == 0 {
			return errors.New("ssh needs use_agent or at least one key file")
		}
	case TransportLocal:
	case TransportS3:
		if tc.S3.Bucket == "" {
			return errors.New("bucket is required for S3 storage")
		}
		if tc.S3.Region == "" {
			return errors.New("region is required for S3 storage")
		}
	case TransportGCS:
		if tc.GCS.Bucket == "" {
			return errors.New("bucket is required for GCS storage")
		}
	case TransportAzure:
		if tc.Azure.AccountName == "" {
			return errors.New("account name is required for Azure storage")
		}
		if tc.Azure.AccountKey == "" {
			return errors.New("account key is required for Azure storage")
		}
		if tc.Azure.ContainerName == "" {
			return errors.New("container name is required for Azure storage")
		}
	default:
		return fmt.Errorf("invalid transport type %q, must be one of: ssh, local, s3, gcs, azure", tc.Type)
	}

	return nil
}

// SetDefaults sets default values for compression configuration
func (cc *CompressionConfig) SetDefaults() {
	cc.Algorithm = strings.ToLower(cc.Algorithm)
	if cc.Algorithm == "" {
		cc.Algorithm = CompressionNone
	}

	if cc.Level == 0 {
		switch cc.Algorithm {
		case CompressionGzip:
			cc.Level = 6
		case CompressionLZ4:
			cc.Level = 1
		case CompressionZstd:
			cc.Level = 3
		}
	}
}

// Validate validates the compression configuration
func (cc *CompressionConfig) Validate() error {
	switch cc.Algorithm {
	case CompressionNone, "":
		return nil
	case CompressionGzip:
		if cc.Level < 1 || cc.Level > 9 {
			return errors.New("gzip compression level must be between 1 and 9")
		}
	case CompressionLZ4:
		if cc.Level < 1 || cc.Level > 12 {
			return errors.New("lz4 compression level must be between 1 and 12")
		}
	case CompressionZstd:
		if cc.Level < 1 || cc.Level > 22 {
			return errors.New("zstd compression level must be between 1 and 22")
		}
	default:
		return fmt.Errorf("invalid compression algorithm: %s", cc.Algorithm)
	}
	return nil
}

// SetDefaults sets default values for notification configuration
func (nc *NotificationConfig) SetDefaults() {
	if nc.MinLevel == "" {
		nc.MinLevel = "info"
	}
	if nc.File.Path != "" && nc.File.Format == "" {
		nc.File.Format = "json"
	}
	if nc.Webhook.URL != "" {
		if nc.Webhook.Method == "" {
			nc.Webhook.Method = "POST"
		}
		if nc.Webhook.Timeout == 0 {
			nc.Webhook.Timeout = 30 * time.Second
		}
	}
	if nc.Email.SMTPHost != "" && nc.Email.SMTPPort == 0 {
		nc.Email.SMTPPort = 587
	}
}

// Validate validates the notification configuration
func (nc *NotificationConfig) Validate() error {
	switch nc.MinLevel {
	case "", "info", "warning", "critical":
	default:
		return fmt.Errorf("invalid min_level %q, must be one of: info, warning, critical", nc.MinLevel)
	}

	switch nc.File.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid file format %q, must be json or text", nc.File.Format)
	}

	if nc.Email.SMTPHost != "" {
		if nc.Email.From == "" {
			return errors.New("email from address is required")
		}
		if len(nc.Email.To) == 0 {
			return errors.New("email needs at least one recipient")
		}
	}

	return nil
}

// SetDefaults sets default values for log configuration
func (lc *LogConfig) SetDefaults() {
	if lc.Level == "" {
		lc.Level = "normal"
	}
	if lc.Format == "" {
		lc.Format = "text"
	}
}

// Validate validates the log configuration
func (lc *LogConfig) Validate() error {
	switch lc.Level {
	case "quiet", "normal", "verbose", "debug":
	default:
		return fmt.Errorf("invalid log level %q, must be one of: quiet, normal, verbose, debug", lc.Level)
	}
	switch lc.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be text or json", lc.Format)
	}
	return nil
}
