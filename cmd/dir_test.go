// Copyright 2026 CleverData
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"

	"github.com/cleverdata/cmsync/internal/config"
)

func useConfigFile(t *testing.T, raw string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.SetConfigFile(path)
	config.BindEnv(viper.GetViper())
	if err := viper.ReadInConfig(); err != nil {
		t.Fatalf("read config: %v", err)
	}
	return path
}

func reload(t *testing.T, path string) *config.Config {
	t.Helper()
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		t.Fatalf("re-read config: %v", err)
	}
	cfg, err := config.Load(v)
	if err != nil {
		t.Fatalf("written config does not load: %v", err)
	}
	return cfg
}

func TestDisableDirectoryRoundTrip(t *testing.T) {
	in := filepath.Join(t.TempDir(), "in")
	done := filepath.Join(t.TempDir(), "done")
	path := useConfigFile(t, `{
  "ibm_cm_api_base_url": "https://cm.example.com/api",
  "authentication": {"token_renewal_url": "https://cm.example.com/login"},
  "scan_directories": [
    {"path": "`+filepath.ToSlash(in)+`", "target_itemtype": "Invoice", "action_after_upload": "move",
     "move_target_directory": "`+filepath.ToSlash(done)+`", "scan_interval_seconds": 15,
     "recursive_scan": true, "file_pattern": "*.pdf", "settle_seconds": 5}
  ]
}`)
	t.Setenv("CM_PASSWORD", "from-dotenv")

	if err := updateDirectory(in, func(dirs []config.ScanDirectoryConfig, i int) []config.ScanDirectoryConfig {
		off := false
		dirs[i].Enabled = &off
		return dirs
	}, "disabled"); err != nil {
		t.Fatalf("disable: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "from-dotenv") {
		t.Fatal("environment credentials were written into config.json")
	}

	cfg := reload(t, path)
	if len(cfg.ScanDirectories) != 1 {
		t.Fatalf("expected 1 directory, got %d", len(cfg.ScanDirectories))
	}
	d := cfg.ScanDirectories[0]
	if d.IsEnabled() {
		t.Fatal("directory still enabled")
	}
	if d.TargetItemType != "Invoice" || !d.RecursiveScan || d.FilePattern != "*.pdf" ||
		d.SettleSeconds != 5 || d.ScanIntervalSeconds != 15 || d.ActionAfterUpload != config.ActionMove {
		t.Fatalf("directory settings lost in round trip: %+v", d)
	}
	if len(cfg.EnabledDirectories()) != 0 {
		t.Fatal("disabled directory still in rotation")
	}
}

func TestRemoveUnknownDirectory(t *testing.T) {
	useConfigFile(t, `{"ibm_cm_api_base_url": "https://cm.example.com/api", "scan_directories": []}`)
	err := updateDirectory(filepath.Join(t.TempDir(), "nope"), func(dirs []config.ScanDirectoryConfig, i int) []config.ScanDirectoryConfig {
		return dirs
	}, "removed")
	if err == nil || !strings.Contains(err.Error(), "not configured") {
		t.Fatalf("expected not configured error, got %v", err)
	}
}

func TestDisplayTokenMasks(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"short", "****"},
		{"abcdefghijklmnop", "abcd...mnop"},
	}
	for _, tt := range tests {
		if got := displayToken(tt.in); got != tt.want {
			t.Errorf("displayToken(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
