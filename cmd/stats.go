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
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-resty/resty/v2"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/cleverdata/cmsync/internal/daemon"
)

// localAPI returns a client for the running daemon's loopback endpoint.
func localAPI() (*resty.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	port := cfg.Daemon.InternalAPIPort
	if port <= 0 {
		return nil, errors.New("internal API is disabled (daemon_settings.internal_api_port_for_config_reload is 0)")
	}
	return resty.New().
		SetBaseURL(fmt.Sprintf("http://127.0.0.1:%d", port)).
		SetTimeout(45 * time.Second), nil
}

type apiError struct {
	Error string `json:"error"`
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show counters from the running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := localAPI()
		if err != nil {
			return err
		}
		var st daemon.Status
		resp, err := client.R().SetContext(cmd.Context()).SetResult(&st).Get("/api/status")
		if err != nil {
			return fmt.Errorf("daemon not reachable: %w", err)
		}
		if resp.IsError() {
			return fmt.Errorf("daemon returned %s", resp.Status())
		}

		state := "connected"
		if st.Paused {
			state = "PAUSED (CM unreachable or token renewal failing)"
		}
		fmt.Printf("Up since %s (%s), %s\n", st.StartedAt.Format(time.RFC3339), humanize.Time(st.StartedAt), state)

		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.SetStyle(table.StyleLight)
		tw.AppendHeader(table.Row{"Counter", "Value"})
		tw.AppendRows([]table.Row{
			{"Files scanned", humanize.Comma(st.FilesScanned)},
			{"Uploads succeeded", humanize.Comma(st.UploadsSucceeded)},
			{"Uploads failed", humanize.Comma(st.UploadsFailed)},
			{"Upload retries", humanize.Comma(st.UploadsRetried)},
			{"Local I/O errors", humanize.Comma(st.UploadsLocalErrors)},
			{"Bytes uploaded", humanize.Bytes(uint64(max(st.BytesUploaded, 0)))},
			{"Job entries processed", humanize.Comma(st.JobEntriesProcessed)},
			{"Job entries failed", humanize.Comma(st.JobEntriesFailed)},
			{"Uploads queued / running", fmt.Sprintf("%d / %d", st.QueuedUploads, st.RunningUploads)},
			{"Outages", humanize.Comma(st.OutageCount)},
			{"Token renewals", humanize.Comma(st.TokenRenewals)},
			{"Reloads", humanize.Comma(st.Reloads)},
		})
		tw.Render()

		if len(st.Directories) > 0 {
			dw := table.NewWriter()
			dw.SetOutputMirror(os.Stdout)
			dw.SetStyle(table.StyleLight)
			dw.AppendHeader(table.Row{"Directory", "Last scan"})
			for _, d := range st.Directories {
				last := "never"
				if !d.LastScan.IsZero() {
					last = humanize.Time(d.LastScan)
				}
				dw.AppendRow(table.Row{d.Path, last})
			}
			dw.Render()
		}
		if st.JobInbox != "" {
			fmt.Printf("Job inbox: %s\n", st.JobInbox)
		}
		return nil
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Ask the running daemon to re-read config.json",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := localAPI()
		if err != nil {
			return err
		}
		var failure apiError
		resp, err := client.R().SetContext(cmd.Context()).SetError(&failure).Post("/api/reload")
		if err != nil {
			return fmt.Errorf("daemon not reachable: %w", err)
		}
		if resp.IsError() {
			if failure.Error != "" {
				return fmt.Errorf("reload rejected: %s", failure.Error)
			}
			return fmt.Errorf("reload rejected: %s", resp.Status())
		}
		fmt.Println("Configuration reloaded.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(reloadCmd)
}
