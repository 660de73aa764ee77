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
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/cleverdata/cmsync/internal/ledger"
)

var (
	resetPath    string
	historyLimit int
)

func openLedger() (*ledger.Ledger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return ledger.Open(cfg.StateDBPath)
}

var resetCmd = &cobra.Command{
	Use:   "reset-history",
	Short: "Clear the upload history database",
	Long: `Clears the local SQLite database that tracks uploaded files. A file that was
uploaded but could not be moved or deleted is skipped on later scans while
its history row exists; clearing it makes the daemon upload the file again.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := openLedger()
		if err != nil {
			return err
		}
		defer l.Close()

		if resetPath != "" {
			abs, err := filepath.Abs(resetPath)
			if err != nil {
				return err
			}
			resetPath = abs
			fmt.Printf("Clearing history for: %s\n", resetPath)
		} else {
			fmt.Println("WARNING: clearing the ENTIRE upload history. Files still on disk will be uploaded again.")
		}

		n, err := l.Reset(cmd.Context(), resetPath)
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d history %s.\n", n, plural(n, "entry", "entries"))
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the most recent upload attempts",
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := openLedger()
		if err != nil {
			return err
		}
		defer l.Close()

		entries, err := l.Recent(cmd.Context(), historyLimit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No uploads recorded yet.")
			return nil
		}

		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.SetStyle(table.StyleLight)
		tw.AppendHeader(table.Row{"File", "Size", "Status", "Doc ID", "Disposition", "Tries", "When"})
		for _, e := range entries {
			detail := e.Disposition
			if e.Error != "" {
				detail = e.Error
			}
			if detail == "" && e.Status == ledger.StatusDisposed {
				detail = "deleted"
			}
			tw.AppendRow(table.Row{
				e.Path,
				humanize.Bytes(uint64(max(e.Size, 0))),
				e.Status,
				e.DocID,
				detail,
				e.Attempts,
				humanize.Time(e.UpdatedAt),
			})
		}
		tw.SetColumnConfigs([]table.ColumnConfig{
			{Number: 5, WidthMax: 60},
		})
		tw.Render()
		return nil
	},
}

func plural(n int64, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func init() {
	resetCmd.Flags().StringVarP(&resetPath, "path", "p", "", "Specific file path to clear from history")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of entries to show")
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(historyCmd)
}
