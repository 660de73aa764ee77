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
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cleverdata/cmsync/internal/api"
	"github.com/cleverdata/cmsync/internal/auth"
	"github.com/cleverdata/cmsync/internal/config"
)

var dirCmd = &cobra.Command{
	Use:   "dir",
	Short: "Manage watched scan directories",
}

var dirAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a directory to scan",
	Long: `Adds a local directory to scan_directories in config.json.

Each scan cycle enumerates the directory (recursively with --recursive),
uploads matching files as --itemtype and then moves them to --move-target or
deletes them. An interval of 0 scans once at startup.`,
	Example: `  cmsync dir add --path /data/scans --itemtype Invoice --action move --move-target /data/done --interval 30`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("path")
		itemType, _ := cmd.Flags().GetString("itemtype")
		action, _ := cmd.Flags().GetString("action")
		moveTarget, _ := cmd.Flags().GetString("move-target")
		interval, _ := cmd.Flags().GetInt("interval")
		recursive, _ := cmd.Flags().GetBool("recursive")
		pattern, _ := cmd.Flags().GetString("pattern")
		settle, _ := cmd.Flags().GetInt("settle")
		watch, _ := cmd.Flags().GetBool("watch")
		force, _ := cmd.Flags().GetBool("force")

		if path == "" || itemType == "" {
			return errors.New("--path and --itemtype are required")
		}
		absPath, err := filepath.Abs(path)
		if err != nil {
			return fmt.Errorf("invalid path: %w", err)
		}
		if moveTarget != "" {
			if moveTarget, err = filepath.Abs(moveTarget); err != nil {
				return fmt.Errorf("invalid move target: %w", err)
			}
		}

		dirs, err := scanDirectories()
		if err != nil {
			return err
		}
		for _, d := range dirs {
			if samePath(d.Path, absPath) {
				return fmt.Errorf("directory %s is already configured", absPath)
			}
		}

		dirs = append(dirs, config.ScanDirectoryConfig{
			Path:                absPath,
			ScanIntervalSeconds: interval,
			TargetItemType:      itemType,
			RecursiveScan:       recursive,
			ActionAfterUpload:   config.Action(action),
			MoveTargetDirectory: moveTarget,
			FilePattern:         pattern,
			SettleSeconds:       settle,
			WatchEvents:         watch,
		})

		// Validate the would-be config before touching the file.
		check, err := fileConfig()
		if err != nil {
			return err
		}
		check.Set("scan_directories", dirMaps(dirs))
		config.BindEnv(check)
		cfg, err := config.Load(check)
		if err != nil {
			return err
		}

		// --- VERIFICATION STEP ---
		if !force {
			fmt.Printf("Verifying connection to %s...\n", cfg.BaseURL)
			if err := verifyConnection(cmd.Context(), cfg); err != nil {
				return fmt.Errorf("%w (use --force to add anyway)", err)
			}
			fmt.Println("Connection verified.")
		}

		if err := saveDirectories(dirs); err != nil {
			return err
		}
		fmt.Printf("Directory added: %s -> %s (%s after upload)\n", absPath, itemType, action)
		fmt.Println("Run 'cmsync reload' to apply it to the running daemon.")
		return nil
	},
}

var dirListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List configured scan directories",
	RunE: func(cmd *cobra.Command, args []string) error {
		dirs, err := scanDirectories()
		if err != nil {
			return err
		}
		if len(dirs) == 0 {
			fmt.Println("No scan directories configured.")
			return nil
		}

		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.SetStyle(table.StyleLight)
		tw.AppendHeader(table.Row{"Path", "Item type", "Interval", "Action", "Pattern", "Recursive", "Enabled"})
		for _, d := range dirs {
			interval := "once"
			if d.ScanIntervalSeconds > 0 {
				interval = d.ScanInterval().String()
			}
			action := string(d.ActionAfterUpload)
			if d.ActionAfterUpload == config.ActionMove {
				action += " -> " + d.MoveTargetDirectory
			}
			pattern := d.FilePattern
			if pattern == "" {
				pattern = "*"
			}
			tw.AppendRow(table.Row{d.Path, d.TargetItemType, interval, action, pattern, d.RecursiveScan, d.IsEnabled()})
		}
		tw.Render()
		return nil
	},
}

var dirRemoveCmd = &cobra.Command{
	Use:     "remove [path]",
	Aliases: []string{"rm", "del"},
	Short:   "Remove a scan directory",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateDirectory(args[0], func(dirs []config.ScanDirectoryConfig, i int) []config.ScanDirectoryConfig {
			return append(dirs[:i], dirs[i+1:]...)
		}, "removed")
	},
}

var dirEnableCmd = &cobra.Command{
	Use:   "enable [path]",
	Short: "Put a scan directory back into rotation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateDirectory(args[0], func(dirs []config.ScanDirectoryConfig, i int) []config.ScanDirectoryConfig {
			on := true
			dirs[i].Enabled = &on
			return dirs
		}, "enabled")
	},
}

var dirDisableCmd = &cobra.Command{
	Use:   "disable [path]",
	Short: "Take a scan directory out of rotation without removing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateDirectory(args[0], func(dirs []config.ScanDirectoryConfig, i int) []config.ScanDirectoryConfig {
			off := false
			dirs[i].Enabled = &off
			return dirs
		}, "disabled")
	},
}

func scanDirectories() ([]config.ScanDirectoryConfig, error) {
	var dirs []config.ScanDirectoryConfig
	if err := viper.UnmarshalKey("scan_directories", &dirs); err != nil {
		return nil, fmt.Errorf("parse scan_directories: %w", err)
	}
	return dirs, nil
}

func updateDirectory(path string, change func([]config.ScanDirectoryConfig, int) []config.ScanDirectoryConfig, verb string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	dirs, err := scanDirectories()
	if err != nil {
		return err
	}
	for i, d := range dirs {
		if !samePath(d.Path, absPath) {
			continue
		}
		if err := saveDirectories(change(dirs, i)); err != nil {
			return err
		}
		fmt.Printf("Directory %s %s.\n", absPath, verb)
		fmt.Println("Run 'cmsync reload' to apply it to the running daemon.")
		return nil
	}
	return fmt.Errorf("directory %s is not configured", absPath)
}

func samePath(configured, abs string) bool {
	p, err := filepath.Abs(configured)
	return err == nil && p == abs
}

// dirMaps converts directories back to their config.json shape.
func dirMaps(dirs []config.ScanDirectoryConfig) []map[string]any {
	out := make([]map[string]any, 0, len(dirs))
	for _, d := range dirs {
		m := map[string]any{
			"path":                  d.Path,
			"scan_interval_seconds": d.ScanIntervalSeconds,
			"target_itemtype":       d.TargetItemType,
			"recursive_scan":        d.RecursiveScan,
			"action_after_upload":   string(d.ActionAfterUpload),
		}
		if d.MoveTargetDirectory != "" {
			m["move_target_directory"] = d.MoveTargetDirectory
		}
		if d.FilePattern != "" {
			m["file_pattern"] = d.FilePattern
		}
		if d.Enabled != nil {
			m["enabled"] = *d.Enabled
		}
		if d.SettleSeconds > 0 {
			m["settle_seconds"] = d.SettleSeconds
		}
		if d.WatchEvents {
			m["watch_events"] = true
		}
		out = append(out, m)
	}
	return out
}

// fileConfig reads the config file alone, without defaults or environment
// overrides, so writing it back never leaks credentials from .env.
func fileConfig() (*viper.Viper, error) {
	path := viper.ConfigFileUsed()
	if path == "" {
		return nil, errors.New("no config file found; create config.json first or pass --config")
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return v, nil
}

func saveDirectories(dirs []config.ScanDirectoryConfig) error {
	v, err := fileConfig()
	if err != nil {
		return err
	}
	v.Set("scan_directories", dirMaps(dirs))
	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("failed to update config: %w", err)
	}
	return nil
}

// verifyConnection obtains a token and pings the CM once.
func verifyConnection(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	client, tokens := newClient(cfg)
	tok, err := tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}
	o := client.Ping(ctx)
	switch o.Kind {
	case api.Success:
	case api.AuthRejected:
		return fmt.Errorf("authentication rejected (status %d)", o.StatusCode)
	default:
		return fmt.Errorf("connection failed: %s", o.String())
	}
	if !tok.ExpiresAt.IsZero() {
		fmt.Printf("Token valid until %s\n", tok.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

func newClient(cfg *config.Config, opts ...api.Option) (*api.Client, *auth.Manager) {
	var renewer auth.Renewer
	if cfg.Authentication.TokenRenewalURL != "" {
		renewer = auth.NewHTTPRenewer(cfg.Authentication)
	}
	tokens := auth.NewManager(auth.Options{
		Renewer:   renewer,
		Static:    cfg.Authentication.BearerToken,
		Threshold: cfg.Authentication.ExpiryThreshold(),
		Validity:  cfg.Authentication.DefaultValidity(),
	})
	return api.New(cfg.BaseURL, tokens, opts...), tokens
}

func init() {
	dirAddCmd.Flags().String("path", "", "Local directory to scan")
	dirAddCmd.Flags().String("itemtype", "", "CM item type assigned to uploads")
	dirAddCmd.Flags().String("action", string(config.ActionMove), "What to do after a successful upload: move or delete")
	dirAddCmd.Flags().String("move-target", "", "Where uploaded files are moved (required for --action move)")
	dirAddCmd.Flags().Int("interval", 60, "Seconds between scans; 0 scans once at startup")
	dirAddCmd.Flags().Bool("recursive", false, "Scan subdirectories too")
	dirAddCmd.Flags().String("pattern", "*", "Glob matched against file names")
	dirAddCmd.Flags().Int("settle", 0, "Skip files modified within this many seconds")
	dirAddCmd.Flags().Bool("watch", false, "Also react to filesystem events between scans")
	dirAddCmd.Flags().Bool("force", false, "Skip connection verification")

	dirCmd.AddCommand(dirAddCmd)
	dirCmd.AddCommand(dirListCmd)
	dirCmd.AddCommand(dirRemoveCmd)
	dirCmd.AddCommand(dirEnableCmd)
	dirCmd.AddCommand(dirDisableCmd)
	rootCmd.AddCommand(dirCmd)
}
