package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// ErrInvalid wraps every validation failure returned by Load and Validate.
var ErrInvalid = errors.New("invalid configuration")

const (
	defaultThresholdSeconds = 300
	defaultValiditySeconds  = 3600
	defaultRetrySeconds     = 60
	defaultShutdownSeconds  = 30
	defaultJobPollSeconds   = 30
	defaultLogMaxBytes      = 10 << 20
	defaultLogBackups       = 5
)

// BindEnv lets credentials come from the environment (or a .env file loaded
// beforehand) instead of config.json.
func BindEnv(v *viper.Viper) {
	_ = v.BindEnv("authentication.username", "CM_USERNAME")
	_ = v.BindEnv("authentication.password", "CM_PASSWORD")
	_ = v.BindEnv("authentication.bearer_token", "CM_BEARER_TOKEN")
	_ = v.BindEnv("ibm_cm_api_base_url", "CM_API_BASE_URL")
}

// SetDefaults registers the documented defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("authentication.token_expiry_threshold_seconds", defaultThresholdSeconds)
	v.SetDefault("authentication.default_token_validity_seconds", defaultValiditySeconds)
	v.SetDefault("performance.max_parallel_uploads", 1)
	v.SetDefault("performance.max_parallel_downloads", 1)
	v.SetDefault("performance.max_parallel_metadata_updates", 1)
	v.SetDefault("daemon_settings.cm_connection_retry_interval_seconds", defaultRetrySeconds)
	v.SetDefault("daemon_settings.shutdown_timeout_seconds", defaultShutdownSeconds)
	v.SetDefault("job_settings.poll_interval_seconds", defaultJobPollSeconds)
	v.SetDefault("logging.log_level", "INFO")
	v.SetDefault("logging.log_rotation_max_bytes", defaultLogMaxBytes)
	v.SetDefault("logging.log_rotation_backup_count", defaultLogBackups)
	v.SetDefault("download_settings.failed_archive_directory", "failed_archive")
}

// Load decodes, normalizes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultDataDir is where state lives when the config does not say otherwise.
// Windows: %PROGRAMDATA%\CleverData\cmsync
// Linux: /var/lib/cmsync
func DefaultDataDir() string {
	if os.Getenv("OS") == "Windows_NT" {
		return filepath.Join(os.Getenv("ProgramData"), "CleverData", "cmsync")
	}
	return "/var/lib/cmsync"
}

func (c *Config) normalize() error {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")

	for i := range c.ScanDirectories {
		d := &c.ScanDirectories[i]
		if d.FilePattern == "" {
			d.FilePattern = "*"
		}
		d.ActionAfterUpload = Action(strings.ToLower(strings.TrimSpace(string(d.ActionAfterUpload))))
		if err := absPath(&d.Path); err != nil {
			return err
		}
		if err := absPath(&d.MoveTargetDirectory); err != nil {
			return err
		}
	}

	for _, p := range []*string{
		&c.Download.DefaultTargetDirectory,
		&c.Download.FailedArchiveDirectory,
		&c.Jobs.InboxDirectory,
		&c.StateDBPath,
		&c.Daemon.LockFilePath,
	} {
		if err := absPath(p); err != nil {
			return err
		}
	}

	if c.StateDBPath == "" {
		c.StateDBPath = filepath.Join(DefaultDataDir(), "state.db")
	}
	if c.Daemon.LockFilePath == "" {
		c.Daemon.LockFilePath = filepath.Join(filepath.Dir(c.StateDBPath), "cmsync.lock")
	}
	return nil
}

func absPath(p *string) error {
	trimmed := strings.TrimSpace(*p)
	if trimmed == "" {
		*p = ""
		return nil
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return fmt.Errorf("resolve path %q: %w", trimmed, err)
	}
	*p = abs
	return nil
}

// Validate checks what the daemon relies on before it starts.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.BaseURL == "" {
		add("ibm_cm_api_base_url is required")
	}
	a := c.Authentication
	if a.BearerToken == "" && a.TokenRenewalURL == "" {
		add("authentication needs bearer_token or token_renewal_url")
	}
	if a.TokenExpiryThresholdSeconds < 0 {
		add("authentication.token_expiry_threshold_seconds must be >= 0")
	}
	if a.DefaultTokenValiditySeconds <= a.TokenExpiryThresholdSeconds {
		add("authentication.default_token_validity_seconds (%d) must exceed token_expiry_threshold_seconds (%d)",
			a.DefaultTokenValiditySeconds, a.TokenExpiryThresholdSeconds)
	}

	seen := make(map[string]bool)
	for i, d := range c.ScanDirectories {
		prefix := fmt.Sprintf("scan_directories[%d]", i)
		if d.Path == "" {
			add("%s.path is required", prefix)
		} else if seen[d.Path] {
			add("%s.path %q is configured twice", prefix, d.Path)
		}
		seen[d.Path] = true
		if d.ScanIntervalSeconds < 0 {
			add("%s.scan_interval_seconds must be >= 0", prefix)
		}
		if d.SettleSeconds < 0 {
			add("%s.settle_seconds must be >= 0", prefix)
		}
		if _, err := filepath.Match(d.FilePattern, ""); err != nil {
			add("%s.file_pattern %q: %v", prefix, d.FilePattern, err)
		}
		if d.TargetItemType == "" {
			add("%s.target_itemtype is required", prefix)
		}
		switch d.ActionAfterUpload {
		case ActionMove:
			if d.MoveTargetDirectory == "" {
				add("%s.move_target_directory is required when action_after_upload is move", prefix)
			}
		case ActionDelete:
		default:
			add("%s.action_after_upload must be move or delete, got %q", prefix, d.ActionAfterUpload)
		}
	}

	if c.Download.FailedArchiveDirectory == "" {
		add("download_settings.failed_archive_directory is required")
	}
	p := c.Performance
	if p.MaxParallelUploads <= 0 {
		add("performance.max_parallel_uploads must be > 0")
	}
	if p.MaxParallelDownloads <= 0 {
		add("performance.max_parallel_downloads must be > 0")
	}
	if p.MaxParallelMetadataUpdates <= 0 {
		add("performance.max_parallel_metadata_updates must be > 0")
	}
	if c.Daemon.CMConnectionRetryIntervalSeconds <= 0 {
		add("daemon_settings.cm_connection_retry_interval_seconds must be > 0")
	}
	if c.Daemon.InternalAPIPort < 0 || c.Daemon.InternalAPIPort > 65535 {
		add("daemon_settings.internal_api_port_for_config_reload out of range")
	}
	if c.Daemon.ShutdownTimeoutSeconds <= 0 {
		add("daemon_settings.shutdown_timeout_seconds must be > 0")
	}
	if c.Jobs.PollIntervalSeconds <= 0 {
		add("job_settings.poll_interval_seconds must be > 0")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}
