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
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/cleverdata/cmsync/internal/api"
	"github.com/cleverdata/cmsync/internal/fileutil"
	"github.com/cleverdata/cmsync/internal/jobs"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Run or queue download and metadata update job files",
}

var jobRunCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Run a job file in the foreground",
	Long: `Runs every entry of a job file against the CM and writes <name>.results.jsonl
next to it. Entries run one at a time; a failed entry does not stop the job.
Ctrl+C stops before the next entry.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg, nil)
		if err != nil {
			return err
		}
		defer logger.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		client, tokens := newClient(cfg, api.WithLogger(logger.With("component", "api")))
		p := jobs.NewProcessor(jobs.Options{
			Client:                 client,
			Tokens:                 tokens,
			Logger:                 logger.With("component", "jobs"),
			DefaultTargetDirectory: cfg.Download.DefaultTargetDirectory,
		})

		sum, err := p.Process(ctx, args[0])
		if err != nil && !errors.Is(err, jobs.ErrInterrupted) {
			return err
		}

		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.SetStyle(table.StyleLight)
		tw.AppendHeader(table.Row{"Total", "Succeeded", "Transient failures", "Permanent failures"})
		tw.AppendRow(table.Row{sum.Total, sum.Succeeded, sum.TransientFailed, sum.PermanentFailed})
		tw.Render()
		fmt.Printf("Results: %s\n", jobs.ResultsPath(args[0]))
		if sum.Interrupted {
			return err
		}
		if sum.TransientFailed+sum.PermanentFailed > 0 {
			return fmt.Errorf("%d of %d entries failed", sum.TransientFailed+sum.PermanentFailed, sum.Total)
		}
		return nil
	},
}

var jobSubmitCmd = &cobra.Command{
	Use:   "submit [file]",
	Short: "Queue a job file in the daemon's inbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		inbox := cfg.Jobs.InboxDirectory
		if inbox == "" {
			return errors.New("job_settings.inbox_directory is not configured")
		}
		if _, err := jobs.Parse(args[0]); err != nil {
			return err
		}
		if err := os.MkdirAll(inbox, 0o755); err != nil {
			return err
		}

		// Copy under a hidden name so the inbox never sees a partial file.
		base := filepath.Base(args[0])
		tmp := filepath.Join(inbox, "."+base+".part")
		if err := fileutil.CopyFileExclusive(args[0], tmp); err != nil {
			return fmt.Errorf("copy job: %w", err)
		}
		dst, err := fileutil.MoveNoClobber(tmp, filepath.Join(inbox, base), time.Now())
		if err != nil {
			_ = os.Remove(tmp)
			return fmt.Errorf("queue job: %w", err)
		}
		fmt.Printf("Job queued: %s\n", dst)
		return nil
	},
}

func init() {
	jobCmd.AddCommand(jobRunCmd)
	jobCmd.AddCommand(jobSubmitCmd)
	rootCmd.AddCommand(jobCmd)
}
