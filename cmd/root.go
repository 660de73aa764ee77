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

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cleverdata/cmsync/internal/config"
	"github.com/cleverdata/cmsync/internal/logging"
)

var (
	cfgFile  string
	logLevel string
	Version  = "0.1.0" // Default version
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "cmsync",
	Short: "CM sync daemon",
	Long: `cmsync watches local folders and uploads new documents to the content
management server, and runs download and metadata update job files.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.json next to the executable, in ProgramData or /etc/cmsync)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.log_level")
}

// configDirs lists where config.json and .env are looked up, best first.
func configDirs() []string {
	var dirs []string
	// 1. Same folder as the executable - best for dev
	if exePath, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(exePath))
	}
	// 2. ProgramData - standard for Windows services
	if programData := os.Getenv("PROGRAMDATA"); programData != "" {
		dirs = append(dirs, filepath.Join(programData, "CleverData", "cmsync"))
	}
	dirs = append(dirs, "/etc/cmsync")
	// 3. Home directory
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".cmsync"))
	}
	return dirs
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	// Credentials may live in a .env file beside the config. Variables that
	// are already set win.
	envFiles := []string{".env"}
	if cfgFile != "" {
		envFiles = append(envFiles, filepath.Join(filepath.Dir(cfgFile), ".env"))
	}
	for _, dir := range configDirs() {
		envFiles = append(envFiles, filepath.Join(dir, ".env"))
	}
	for _, f := range envFiles {
		if _, err := os.Stat(f); err == nil {
			_ = godotenv.Load(f)
		}
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		for _, dir := range configDirs() {
			viper.AddConfigPath(dir)
		}
		viper.SetConfigName("config")
		viper.SetConfigType("json")
	}
	config.BindEnv(viper.GetViper())

	if err := viper.ReadInConfig(); err == nil {
		// If we found one, lock it in so 'viper.WriteConfig()' updates the CORRECT file
		viper.SetConfigFile(viper.ConfigFileUsed())
	}
}

// loadConfig re-reads the config file and validates it. The daemon's reload
// uses it too.
func loadConfig() (*config.Config, error) {
	if viper.ConfigFileUsed() == "" {
		return nil, fmt.Errorf("no config file found (use --config or place config.json in %v)", configDirs())
	}
	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read %s: %w", viper.ConfigFileUsed(), err)
	}
	return config.Load(viper.GetViper())
}

func newLogger(cfg *config.Config, system logging.SystemLogger) (*logging.Logger, error) {
	lc := cfg.Logging
	if logLevel != "" {
		lc.LogLevel = logLevel
	}
	return logging.NewFromConfig(lc, system)
}
