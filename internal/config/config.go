package config

import "time"

// Action is what happens to a source file after a successful upload.
type Action string

const (
	ActionMove   Action = "move"
	ActionDelete Action = "delete"
)

// Config mirrors config.json. It is read-only once loaded; a reload replaces
// the whole value.
type Config struct {
	BaseURL         string                `mapstructure:"ibm_cm_api_base_url"`
	Authentication  AuthConfig            `mapstructure:"authentication"`
	ScanDirectories []ScanDirectoryConfig `mapstructure:"scan_directories"`
	Download        DownloadSettings      `mapstructure:"download_settings"`
	Logging         LoggingConfig         `mapstructure:"logging"`
	Performance     PerformanceConfig     `mapstructure:"performance"`
	Daemon          DaemonSettings        `mapstructure:"daemon_settings"`
	Jobs            JobSettings           `mapstructure:"job_settings"`
	StateDBPath     string                `mapstructure:"state_db_path"`
}

type AuthConfig struct {
	BearerToken                 string `mapstructure:"bearer_token"`
	TokenRenewalURL             string `mapstructure:"token_renewal_url"`
	TokenExpiryThresholdSeconds int    `mapstructure:"token_expiry_threshold_seconds"`
	DefaultTokenValiditySeconds int    `mapstructure:"default_token_validity_seconds"`
	Username                    string `mapstructure:"username"`
	Password                    string `mapstructure:"password"`
	ServerName                  string `mapstructure:"servername"`
	LoginHost                   string `mapstructure:"login_host"`
}

// ScanDirectoryConfig describes one watched directory.
type ScanDirectoryConfig struct {
	Path                string `mapstructure:"path"`
	ScanIntervalSeconds int    `mapstructure:"scan_interval_seconds"` // 0 = one-shot
	TargetItemType      string `mapstructure:"target_itemtype"`
	RecursiveScan       bool   `mapstructure:"recursive_scan"`
	ActionAfterUpload   Action `mapstructure:"action_after_upload"`
	MoveTargetDirectory string `mapstructure:"move_target_directory"`
	FilePattern         string `mapstructure:"file_pattern"`
	Enabled             *bool  `mapstructure:"enabled"`
	SettleSeconds       int    `mapstructure:"settle_seconds"` // Skip files modified more recently than this
	WatchEvents         bool   `mapstructure:"watch_events"`   // fsnotify triggers an early cycle
}

type DownloadSettings struct {
	DefaultTargetDirectory string `mapstructure:"default_target_directory"`
	FailedArchiveDirectory string `mapstructure:"failed_archive_directory"`
}

type LoggingConfig struct {
	LogFilePath            string `mapstructure:"log_file_path"`
	LogLevel               string `mapstructure:"log_level"`
	LogFormat              string `mapstructure:"log_format"`
	LogRotationMaxBytes    int64  `mapstructure:"log_rotation_max_bytes"`
	LogRotationBackupCount int    `mapstructure:"log_rotation_backup_count"`
}

type PerformanceConfig struct {
	MaxParallelUploads         int `mapstructure:"max_parallel_uploads"`
	MaxParallelDownloads       int `mapstructure:"max_parallel_downloads"`        // accepted, currently inert
	MaxParallelMetadataUpdates int `mapstructure:"max_parallel_metadata_updates"` // accepted, currently inert
}

type DaemonSettings struct {
	CMConnectionRetryIntervalSeconds int    `mapstructure:"cm_connection_retry_interval_seconds"`
	InternalAPIPort                  int    `mapstructure:"internal_api_port_for_config_reload"`
	ShutdownTimeoutSeconds           int    `mapstructure:"shutdown_timeout_seconds"`
	LockFilePath                     string `mapstructure:"lock_file_path"`
}

type JobSettings struct {
	InboxDirectory      string `mapstructure:"inbox_directory"`
	PollIntervalSeconds int    `mapstructure:"poll_interval_seconds"`
}

// IsEnabled reports whether the directory takes part in the scan rotation.
// A missing "enabled" key means enabled.
func (d ScanDirectoryConfig) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

func (d ScanDirectoryConfig) ScanInterval() time.Duration {
	return time.Duration(d.ScanIntervalSeconds) * time.Second
}

func (d ScanDirectoryConfig) Settle() time.Duration {
	return time.Duration(d.SettleSeconds) * time.Second
}

func (a AuthConfig) ExpiryThreshold() time.Duration {
	return time.Duration(a.TokenExpiryThresholdSeconds) * time.Second
}

func (a AuthConfig) DefaultValidity() time.Duration {
	return time.Duration(a.DefaultTokenValiditySeconds) * time.Second
}

func (d DaemonSettings) RetryInterval() time.Duration {
	return time.Duration(d.CMConnectionRetryIntervalSeconds) * time.Second
}

func (d DaemonSettings) ShutdownTimeout() time.Duration {
	return time.Duration(d.ShutdownTimeoutSeconds) * time.Second
}

func (j JobSettings) PollInterval() time.Duration {
	return time.Duration(j.PollIntervalSeconds) * time.Second
}

// EnabledDirectories returns the directories currently in rotation.
func (c *Config) EnabledDirectories() []ScanDirectoryConfig {
	var out []ScanDirectoryConfig
	for _, d := range c.ScanDirectories {
		if d.IsEnabled() {
			out = append(out, d)
		}
	}
	return out
}
