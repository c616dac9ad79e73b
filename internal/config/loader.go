package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	appErrors "zfs-rotate/internal/errors"
)

// EnvPrefix is the prefix of every environment override
const EnvPrefix = "ZFS_ROTATE"

// ConfigName is the default config file name, without extension
const ConfigName = ".zfs-rotate"

const secretMask = "********"

// Loader reads the run configuration from a config file, the environment and
// bound command-line flags, in increasing order of precedence.
type Loader struct {
	viper *viper.Viper
}

// NewLoader creates a loader over v
func NewLoader(v *viper.Viper) *Loader {
	return &Loader{viper: v}
}

// Viper returns the underlying viper instance so callers can bind flags
func (l *Loader) Viper() *viper.Viper {
	return l.viper
}

// Setup points viper at configFile, or searches $HOME and the working
// directory for .zfs-rotate.yaml when it is empty.
func (l *Loader) Setup(configFile string) {
	if configFile != "" {
		l.viper.SetConfigFile(configFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			l.viper.AddConfigPath(home)
		}
		l.viper.AddConfigPath(".")
		l.viper.SetConfigType("yaml")
		l.viper.SetConfigName(ConfigName)
	}

	l.viper.SetEnvPrefix(EnvPrefix)
	l.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.viper.AutomaticEnv()

	RegisterDefaults(l.viper)
}

// ReadInConfig reads the config file. A missing file is not an error unless
// it was named explicitly.
func (l *Loader) ReadInConfig(explicit bool) error {
	err := l.viper.ReadInConfig()
	if err == nil {
		return nil
	}

	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) && !explicit {
		return nil
	}
	return appErrors.NewConfigurationError("failed to read config file", err).
		WithContext("config_file", l.viper.ConfigFileUsed())
}

// ConfigFileUsed returns the path of the file that was read, if any
func (l *Loader) ConfigFileUsed() string {
	return l.viper.ConfigFileUsed()
}

// Load unmarshals, defaults and validates the configuration
func (l *Loader) Load() (*Config, error) {
	cfg, err := l.Unmarshal()
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Unmarshal unmarshals and defaults the configuration without validating it
func (l *Loader) Unmarshal() (*Config, error) {
	cfg := &Config{}
	if err := l.viper.Unmarshal(cfg); err != nil {
		return nil, appErrors.NewConfigurationError("failed to unmarshal configuration", err)
	}
	cfg.SetDefaults()
	return cfg, nil
}

// RegisterDefaults registers defaults with viper so environment variables for
// keys absent from the config file are still picked up by Unmarshal.
func RegisterDefaults(v *viper.Viper) {
	v.SetDefault("source", "")
	v.SetDefault("destination", "")
	v.SetDefault("host", "")
	v.SetDefault("user", DefaultUser)
	v.SetDefault("keep", DefaultKeep)
	v.SetDefault("recursive", false)
	v.SetDefault("init", false)
	v.SetDefault("dry_run", false)
	v.SetDefault("zfs_path", DefaultZFSPath)
	v.SetDefault("schedule", "")

	v.SetDefault("lock.mode", LockModeNone)
	v.SetDefault("lock.mysql.host", "")
	v.SetDefault("lock.mysql.port", 3306)
	v.SetDefault("lock.mysql.socket", "")
	v.SetDefault("lock.mysql.user", "root")
	v.SetDefault("lock.mysql.password", "")
	v.SetDefault("lock.mysql.timeout", "30s")

	v.SetDefault("transport.type", TransportSSH)
	v.SetDefault("transport.compression.algorithm", CompressionNone)
	v.SetDefault("transport.compression.level", 0)
	v.SetDefault("transport.ssh.port", DefaultSSHPort)
	v.SetDefault("transport.ssh.known_hosts", "")
	v.SetDefault("transport.ssh.insecure_ignore_host_key", false)
	v.SetDefault("transport.ssh.use_agent", true)
	v.SetDefault("transport.ssh.timeout", "30s")
	v.SetDefault("transport.s3.bucket", "")
	v.SetDefault("transport.s3.region", "")
	v.SetDefault("transport.s3.prefix", "")
	v.SetDefault("transport.s3.access_key", "")
	v.SetDefault("transport.s3.secret_key", "")
	v.SetDefault("transport.gcs.bucket", "")
	v.SetDefault("transport.gcs.prefix", "")
	v.SetDefault("transport.gcs.credentials_path", "")
	v.SetDefault("transport.azure.account_name", "")
	v.SetDefault("transport.azure.account_key", "")
	v.SetDefault("transport.azure.container_name", "")
	v.SetDefault("transport.azure.prefix", "")

	v.SetDefault("notifications.enabled", false)
	v.SetDefault("notifications.min_level", "info")
	v.SetDefault("notifications.file.path", "")
	v.SetDefault("notifications.file.format", "")
	v.SetDefault("notifications.webhook.url", "")
	v.SetDefault("notifications.slack.webhook_url", "")
	v.SetDefault("notifications.email.smtp_host", "")
	v.SetDefault("notifications.email.password", "")

	v.SetDefault("metrics.textfile", "")

	v.SetDefault("log.level", "normal")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
}

// Masked returns a copy of cfg with every secret replaced
func Masked(cfg Config) Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return secretMask
	}

	cfg.Lock.MySQL.Password = mask(cfg.Lock.MySQL.Password)
	cfg.Transport.S3.AccessKey = mask(cfg.Transport.S3.AccessKey)
	cfg.Transport.S3.SecretKey = mask(cfg.Transport.S3.SecretKey)
	cfg.Transport.Azure.AccountKey = mask(cfg.Transport.Azure.AccountKey)
	cfg.Notifications.Email.Password = mask(cfg.Notifications.Email.Password)

	if len(cfg.Notifications.Webhook.Headers) > 0 {
		headers := make(map[string]string, len(cfg.Notifications.Webhook.Headers))
		for k, v := range cfg.Notifications.Webhook.Headers {
			if strings.EqualFold(k, "authorization") || strings.Contains(strings.ToLower(k), "token") {
				v = mask(v)
			}
			headers[k] = v
		}
		cfg.Notifications.Webhook.Headers = headers
	}

	return cfg
}

// MarshalYAML renders cfg with secrets masked
func MarshalYAML(cfg Config) ([]byte, error) {
	data, err := yaml.Marshal(Masked(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal configuration: %w", err)
	}
	return data, nil
}

// WriteSample writes the sample configuration to path, refusing to overwrite
func WriteSample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return appErrors.NewConfigurationError(fmt.Sprintf("configuration file already exists: %s", path), nil)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, []byte(SampleConfig), 0600); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}
	return nil
}

// SampleConfig is a commented configuration template
const SampleConfig = `# zfs-rotate configuration file

# Dataset to snapshot and the dataset it is received into
source: tank/data
destination: backup/data

# Remote end of the ssh transport
host: backup.example.com
user: root

# Number of daily snapshots kept on the source
keep: 5

# Snapshot and send descendant datasets too (zfs snapshot -r, zfs send -R)
recursive: false

# Send a full stream instead of an incremental (first run only)
init: false

# Print the plan and stop
dry_run: false

zfs_path: zfs

# Cron expression used by "zfs-rotate schedule"
# schedule: "0 2 * * *"

# Quiesce the source while the snapshot is taken
lock:
  mode: none              # none, mysql
  mysql:
    host: localhost
    port: 3306
    # socket: /var/run/mysqld/mysqld.sock
    user: root
    password: ""          # prefer ZFS_ROTATE_LOCK_MYSQL_PASSWORD
    timeout: 30s

transport:
  type: ssh               # ssh, local, s3, gcs, azure
  compression:
    algorithm: none       # none, gzip, zstd, lz4
    level: 0              # 0 selects the algorithm default
  ssh:
    port: 22
    use_agent: true
    # key_files: [~/.ssh/id_ed25519]
    # known_hosts: ~/.ssh/known_hosts
    insecure_ignore_host_key: false
    timeout: 30s
  # s3:
  #   bucket: my-zfs-archive
  #   region: us-east-1
  #   prefix: zfs
  #   access_key: ""
  #   secret_key: ""
  # gcs:
  #   bucket: my-zfs-archive
  #   prefix: zfs
  #   credentials_path: ""
  # azure:
  #   account_name: ""
  #   account_key: ""
  #   container_name: zfs
  #   prefix: ""

notifications:
  enabled: false
  min_level: info         # info, warning, critical
  # file:
  #   path: /var/log/zfs-rotate/events.log
  #   format: json
  # webhook:
  #   url: https://hooks.example.com/zfs
  #   method: POST
  # slack:
  #   webhook_url: https://hooks.slack.com/services/...
  #   channel: "#backups"
  # email:
  #   smtp_host: smtp.example.com
  #   smtp_port: 587
  #   from: zfs-rotate@example.com
  #   to: [ops@example.com]

metrics:
  # node-exporter textfile collector output
  textfile: ""

log:
  level: normal           # quiet, normal, verbose, debug
  format: text            # text, json
  file: ""

# Every key can be overridden from the environment, e.g.
#   ZFS_ROTATE_KEEP=7
#   ZFS_ROTATE_TRANSPORT_TYPE=local
#   ZFS_ROTATE_LOCK_MYSQL_PASSWORD=secret
`
