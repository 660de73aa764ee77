package config_test

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"

	"github.com/cleverdata/cmsync/internal/config"
)

func load(t *testing.T, raw string) (*config.Config, error) {
	t.Helper()
	v := viper.New()
	v.SetConfigType("json")
	if err := v.ReadConfig(bytes.NewBufferString(raw)); err != nil {
		t.Fatalf("read config: %v", err)
	}
	return config.Load(v)
}

const minimal = `{
  "ibm_cm_api_base_url": "https://cm.example.com/api/",
  "authentication": {"bearer_token": "abc"},
  "scan_directories": [
    {"path": "/data/in", "target_itemtype": "Invoice", "action_after_upload": "delete", "scan_interval_seconds": 10}
  ]
}`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := load(t, minimal)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.BaseURL != "https://cm.example.com/api" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.BaseURL)
	}
	if cfg.Authentication.TokenExpiryThresholdSeconds != 300 {
		t.Fatalf("threshold default = %d", cfg.Authentication.TokenExpiryThresholdSeconds)
	}
	if cfg.Authentication.DefaultTokenValiditySeconds != 3600 {
		t.Fatalf("validity default = %d", cfg.Authentication.DefaultTokenValiditySeconds)
	}
	if cfg.Performance.MaxParallelUploads != 1 {
		t.Fatalf("max_parallel_uploads default = %d", cfg.Performance.MaxParallelUploads)
	}
	d := cfg.ScanDirectories[0]
	if d.FilePattern != "*" {
		t.Fatalf("file_pattern default = %q", d.FilePattern)
	}
	if !d.IsEnabled() {
		t.Fatal("directory should be enabled when key is absent")
	}
	if !filepath.IsAbs(cfg.Download.FailedArchiveDirectory) {
		t.Fatalf("failed archive dir not absolute: %q", cfg.Download.FailedArchiveDirectory)
	}
	if cfg.StateDBPath == "" || cfg.Daemon.LockFilePath == "" {
		t.Fatal("state paths should be filled in")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "move without target",
			raw: `{"ibm_cm_api_base_url": "https://cm", "authentication": {"bearer_token": "x"},
			  "scan_directories": [{"path": "/in", "target_itemtype": "T", "action_after_upload": "move"}]}`,
			want: "move_target_directory",
		},
		{
			name: "unknown action",
			raw: `{"ibm_cm_api_base_url": "https://cm", "authentication": {"bearer_token": "x"},
			  "scan_directories": [{"path": "/in", "target_itemtype": "T", "action_after_upload": "copy"}]}`,
			want: "action_after_upload",
		},
		{
			name: "negative interval",
			raw: `{"ibm_cm_api_base_url": "https://cm", "authentication": {"bearer_token": "x"},
			  "scan_directories": [{"path": "/in", "target_itemtype": "T", "action_after_upload": "delete", "scan_interval_seconds": -1}]}`,
			want: "scan_interval_seconds",
		},
		{
			name: "zero parallelism",
			raw: `{"ibm_cm_api_base_url": "https://cm", "authentication": {"bearer_token": "x"},
			  "performance": {"max_parallel_uploads": 0}}`,
			want: "max_parallel_uploads",
		},
		{
			name: "threshold above validity",
			raw: `{"ibm_cm_api_base_url": "https://cm",
			  "authentication": {"bearer_token": "x", "token_expiry_threshold_seconds": 600, "default_token_validity_seconds": 300}}`,
			want: "default_token_validity_seconds",
		},
		{
			name: "bad pattern",
			raw: `{"ibm_cm_api_base_url": "https://cm", "authentication": {"bearer_token": "x"},
			  "scan_directories": [{"path": "/in", "target_itemtype": "T", "action_after_upload": "delete", "file_pattern": "[a-"}]}`,
			want: "file_pattern",
		},
		{
			name: "missing base url",
			raw:  `{"authentication": {"bearer_token": "x"}}`,
			want: "ibm_cm_api_base_url",
		},
		{
			name: "no credentials",
			raw:  `{"ibm_cm_api_base_url": "https://cm"}`,
			want: "bearer_token",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := load(t, tc.raw)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, config.ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestEnabledDirectories(t *testing.T) {
	cfg, err := load(t, `{
	  "ibm_cm_api_base_url": "https://cm", "authentication": {"bearer_token": "x"},
	  "scan_directories": [
	    {"path": "/a", "target_itemtype": "T", "action_after_upload": "delete"},
	    {"path": "/b", "target_itemtype": "T", "action_after_upload": "delete", "enabled": false},
	    {"path": "/c", "target_itemtype": "T", "action_after_upload": "move", "move_target_directory": "/done"}
	  ]}`)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	dirs := cfg.EnabledDirectories()
	if len(dirs) != 2 {
		t.Fatalf("expected 2 enabled directories, got %d", len(dirs))
	}
	if dirs[0].Path != filepath.Clean("/a") || dirs[1].Path != filepath.Clean("/c") {
		t.Fatalf("unexpected directories: %+v", dirs)
	}
}

func TestBindEnvOverridesCredentials(t *testing.T) {
	t.Setenv("CM_USERNAME", "svc-user")
	t.Setenv("CM_BEARER_TOKEN", "from-env")

	v := viper.New()
	v.SetConfigType("json")
	if err := v.ReadConfig(bytes.NewBufferString(`{"ibm_cm_api_base_url": "https://cm"}`)); err != nil {
		t.Fatalf("read config: %v", err)
	}
	config.BindEnv(v)
	cfg, err := config.Load(v)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Authentication.Username != "svc-user" || cfg.Authentication.BearerToken != "from-env" {
		t.Fatalf("env not applied: %+v", cfg.Authentication)
	}
}
