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
	"os/signal"
	"syscall"
	"time"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cleverdata/cmsync/internal/daemon"
	"github.com/cleverdata/cmsync/internal/logging"
)

// runDaemon is the entry point for the long-running process. It returns
// when ctx ends and the daemon has drained.
func runDaemon(ctx context.Context, system logging.SystemLogger) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, system)
	if err != nil {
		return err
	}
	defer logger.Close()

	logger.Info("cmsync starting", "version", Version, "config", viper.ConfigFileUsed(), "interactive", service.Interactive())

	d, err := daemon.New(cfg, daemon.Options{Logger: logger.Logger, Loader: loadConfig})
	if err != nil {
		return err
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-hup:
				rctx, cancel := context.WithTimeout(ctx, 30*time.Second)
				if err := d.Reload(rctx); err != nil {
					logger.Error("reload failed", "error", err)
				}
				cancel()
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := d.Run(ctx); err != nil {
		logger.Error("daemon exited", "error", err)
		return err
	}
	return nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon in the foreground",
	Long:  `Runs the sync daemon directly. The installed service invokes this command too.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if service.Interactive() {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, nil)
		}
		// When running as a service, we MUST call s.Run() to check in with the service manager
		s, err := getService(viper.ConfigFileUsed())
		if err != nil {
			return fmt.Errorf("initialize service: %w", err)
		}
		return s.Run()
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
