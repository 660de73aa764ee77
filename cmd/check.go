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
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var showToken bool

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate config.json and test the CM connection",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Printf("Config OK: %s\n", viper.ConfigFileUsed())
		fmt.Printf("  %d scan %s (%d enabled)\n", len(cfg.ScanDirectories),
			plural(int64(len(cfg.ScanDirectories)), "directory", "directories"), len(cfg.EnabledDirectories()))
		if cfg.Jobs.InboxDirectory != "" {
			fmt.Printf("  job inbox: %s\n", cfg.Jobs.InboxDirectory)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()
		client, tokens := newClient(cfg)
		tok, err := tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("token: %w", err)
		}
		expiry := "no expiry known"
		if !tok.ExpiresAt.IsZero() {
			expiry = "expires " + humanize.Time(tok.ExpiresAt)
		}
		fmt.Printf("Token OK (%s): %s\n", expiry, displayToken(tok.Value))

		if o := client.Ping(ctx); !o.OK() {
			return fmt.Errorf("CM at %s: %s", cfg.BaseURL, o.String())
		}
		fmt.Printf("CM reachable at %s\n", cfg.BaseURL)
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Obtain a bearer token with the configured credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()
		_, tokens := newClient(cfg)
		tok, err := tokens.Token(ctx)
		if err != nil {
			return err
		}
		fmt.Println(displayToken(tok.Value))
		if !tok.ExpiresAt.IsZero() {
			fmt.Printf("Expires: %s (%s)\n", tok.ExpiresAt.Format(time.RFC3339), humanize.Time(tok.ExpiresAt))
		}
		return nil
	},
}

// displayToken masks the token unless --show-token is given on a terminal.
func displayToken(v string) string {
	if showToken && isatty.IsTerminal(os.Stdout.Fd()) {
		return v
	}
	if len(v) <= 8 {
		return "****"
	}
	return v[:4] + "..." + v[len(v)-4:]
}

func init() {
	checkCmd.Flags().BoolVar(&showToken, "show-token", false, "Print the full bearer token (terminal only)")
	tokenCmd.Flags().BoolVar(&showToken, "show-token", false, "Print the full bearer token (terminal only)")
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(tokenCmd)
}
