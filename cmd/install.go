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
	"os/exec"
	"runtime"
	"time"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cleverdata/cmsync/internal/logging"
)

const serviceName = "cmsync"

// stopGrace bounds how long Stop waits for the daemon to drain. The daemon
// enforces its own shutdown_timeout_seconds inside this window.
const stopGrace = 2 * time.Minute

// program implements the service.Interface
type program struct {
	cancel context.CancelFunc
	done   chan struct{}
	logger service.Logger
}

func (p *program) Start(s service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx)
	return nil
}

func (p *program) Stop(s service.Service) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	select {
	case <-p.done:
		return nil
	case <-time.After(stopGrace):
		return errors.New("daemon did not stop in time")
	}
}

func (p *program) run(ctx context.Context) {
	defer close(p.done)
	var system logging.SystemLogger
	if p.logger != nil {
		system = p.logger
	}
	if err := runDaemon(ctx, system); err != nil && p.logger != nil {
		_ = p.logger.Error(err)
	}
}

func getService(configPath string) (service.Service, error) {
	args := []string{"run"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}

	svcConfig := &service.Config{
		Name:        serviceName,
		DisplayName: "CM Sync Daemon",
		Description: "Uploads documents from watched folders to the content management server and runs job files.",
		Arguments:   args,
	}

	prg := &program{}
	s, err := service.New(prg, svcConfig)
	if err != nil {
		return nil, err
	}
	if l, err := s.Logger(nil); err == nil {
		prg.logger = l
	}
	return s, nil
}

// controlService builds a handle for start/stop style commands, which need
// no arguments.
func controlService() (service.Service, error) {
	return service.New(&program{}, &service.Config{Name: serviceName})
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install cmsync as a system service",
	RunE: func(cmd *cobra.Command, args []string) error {
		// Find current config file to pass to the service
		configPath := viper.ConfigFileUsed()
		if configPath == "" {
			return errors.New("no config file found; create config.json first or pass --config")
		}
		if _, err := loadConfig(); err != nil {
			return err
		}

		s, err := getService(configPath)
		if err != nil {
			return fmt.Errorf("setup failed: %w", err)
		}

		// Check if already installed
		if status, err := s.Status(); err == nil {
			fmt.Println("cmsync is already installed.")
			if status == service.StatusRunning {
				fmt.Println("Service is currently RUNNING.")
			} else {
				fmt.Println("Service is currently STOPPED.")
			}
			fmt.Println("Use 'cmsync reload' or 'cmsync restart' to apply config changes, or 'cmsync uninstall' to remove it.")
			return nil
		}

		fmt.Println("Installing cmsync service...")
		if err := s.Install(); err != nil {
			return fmt.Errorf("install: %w (are you running as Administrator/root?)", err)
		}
		fmt.Println("Service installed successfully.")

		fmt.Println("Starting service...")
		if err := s.Start(); err != nil {
			return fmt.Errorf("start: %w", err)
		}
		fmt.Println("Service started.")
		return nil
	},
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the cmsync service",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := controlService()
		if err != nil {
			return err
		}
		// It might not be running
		_ = s.Stop()

		if err := s.Uninstall(); err != nil {
			return fmt.Errorf("uninstall: %w", err)
		}
		fmt.Println("Service uninstalled.")
		return nil
	},
}

// serviceAction builds start, stop and restart.
func serviceAction(use, short, verb string, act func(service.Service) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := controlService()
			if err != nil {
				return err
			}
			fmt.Printf("%s cmsync service...\n", verb)
			if err := act(s); err != nil {
				return fmt.Errorf("%s: %w", use, err)
			}
			fmt.Println("Done.")
			return nil
		},
	}
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the status of the cmsync service",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := controlService()
		if err != nil {
			return err
		}
		status, err := s.Status()
		if err != nil {
			return fmt.Errorf("could not get status: %w", err)
		}

		statusStr := "Unknown"
		switch status {
		case service.StatusRunning:
			statusStr = "Running"
		case service.StatusStopped:
			statusStr = "Stopped"
		}
		fmt.Printf("cmsync service status: %s\n", statusStr)
		return nil
	},
}

// setStartType switches the Windows service between automatic and manual
// start. Other platforms configure this through their init system.
func setStartType(mode string) error {
	if runtime.GOOS != "windows" {
		return fmt.Errorf("not supported on %s; use your init system (e.g. systemctl enable %s)", runtime.GOOS, serviceName)
	}
	return exec.Command("sc", "config", serviceName, "start=", mode).Run()
}

var enableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Start cmsync automatically at boot (Windows)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := setStartType("auto"); err != nil {
			return fmt.Errorf("enable: %w", err)
		}
		fmt.Println("Service enabled for automatic start.")
		return nil
	},
}

var disableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Stop cmsync and only start it manually (Windows)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if s, err := controlService(); err == nil {
			_ = s.Stop()
		}
		if err := setStartType("demand"); err != nil {
			return fmt.Errorf("disable: %w", err)
		}
		fmt.Println("Service disabled.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(serviceAction("start", "Start the cmsync service", "Starting", service.Service.Start))
	rootCmd.AddCommand(serviceAction("stop", "Stop the cmsync service", "Stopping", service.Service.Stop))
	rootCmd.AddCommand(serviceAction("restart", "Restart the cmsync service", "Restarting", service.Service.Restart))
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(enableCmd)
	rootCmd.AddCommand(disableCmd)
}
