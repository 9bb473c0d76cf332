// Package cmd implements the tabsync command line.
package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stevemurr/tabsync/logging"
)

const (
	optionNameDataDir        = "data-dir"
	optionNameSyncBackend    = "sync-backend"
	optionNameLocalBackend   = "local-backend"
	optionNameRemoteURL      = "remote-url"
	optionNameAddr           = "addr"
	optionNameAllowedOrigins = "allowed-origins"
	optionNameVerbosity      = "verbosity"
	optionNameLogFormat      = "log-format"
	optionNamePollInterval   = "poll-interval"
	optionNameWriteRate      = "write-rate"
	optionNameChangelogSize  = "changelog-size"
)

const configName = ".tabsync"

type command struct {
	root    *cobra.Command
	config  *viper.Viper
	cfgFile string
	homeDir string
	envFile string
}

type option func(*command)

// WithCfgFile sets the config file, overriding the one in the home dir.
func WithCfgFile(f string) func(c *command) {
	return func(c *command) {
		c.cfgFile = f
	}
}

// WithHomeDir sets the directory searched for the config file.
func WithHomeDir(dir string) func(c *command) {
	return func(c *command) {
		c.homeDir = dir
	}
}

// WithEnvFile sets the dotenv file loaded before the environment is read.
func WithEnvFile(f string) func(c *command) {
	return func(c *command) {
		c.envFile = f
	}
}

func WithArgs(a ...string) func(c *command) {
	return func(c *command) {
		c.root.SetArgs(a)
	}
}

func WithInput(r io.Reader) func(c *command) {
	return func(c *command) {
		c.root.SetIn(r)
	}
}

func WithOutput(w io.Writer) func(c *command) {
	return func(c *command) {
		c.root.SetOut(w)
	}
}

func WithErrorOutput(w io.Writer) func(c *command) {
	return func(c *command) {
		c.root.SetErr(w)
	}
}

func newCommand(opts ...option) (c *command, err error) {
	c = &command{
		envFile: ".env",
		root: &cobra.Command{
			Use:           "tabsync",
			Short:         "Chunked synchronized storage for the new tab extension",
			SilenceErrors: true,
			SilenceUsage:  true,
			PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
				return c.initConfig(cmd)
			},
		},
	}

	for _, o := range opts {
		o(c)
	}

	// Find home directory.
	if err := c.setHomeDir(); err != nil {
		return nil, err
	}

	c.initGlobalFlags()

	c.initServeCmd()
	c.initMigrateCmd()
	c.initExportCmd()
	c.initImportCmd()
	c.initInspectCmd()
	c.initVersionCmd()
	return c, nil
}

func (c *command) Execute() (err error) {
	return c.root.Execute()
}

// Execute parses command line arguments and runs appropriate functions.
func Execute() (err error) {
	c, err := newCommand()
	if err != nil {
		return err
	}
	return c.Execute()
}

func (c *command) initGlobalFlags() {
	globalFlags := c.root.PersistentFlags()
	globalFlags.StringVar(&c.cfgFile, "config", c.cfgFile, "config file (default is $HOME/.tabsync.yaml)")
	globalFlags.String(optionNameDataDir, "./data", "data directory of file backed stores")
	globalFlags.String(optionNameSyncBackend, "json", "sync area backend: memory, json, sqlite, leveldb or remote")
	globalFlags.String(optionNameLocalBackend, "json", "local area backend: memory, json, sqlite, leveldb or remote")
	globalFlags.String(optionNameRemoteURL, "", "sync server URL used by remote backends")
	globalFlags.Duration(optionNamePollInterval, defaultPollInterval, "how often remote backends poll for changes")
	globalFlags.Int(optionNameWriteRate, defaultWriteRate, "sync area write operations per minute, 0 disables the limit")
	globalFlags.String(optionNameVerbosity, "info", "log verbosity level 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=trace")
	globalFlags.String(optionNameLogFormat, "text", "log format: text or json")
}

// initConfig reads the dotenv file, the config file and the environment,
// and binds the flags of the running command so flags take precedence.
func (c *command) initConfig(cmd *cobra.Command) (err error) {
	if c.envFile != "" {
		if err := godotenv.Load(c.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", c.envFile, err)
		}
	}

	config := viper.New()
	if c.cfgFile != "" {
		// Use config file from the flag.
		config.SetConfigFile(c.cfgFile)
	} else {
		// Search config in home directory with name ".tabsync" (without extension).
		config.AddConfigPath(c.homeDir)
		config.SetConfigName(configName)
	}

	// Environment
	config.SetEnvPrefix("tabsync")
	config.AutomaticEnv() // read in environment variables that match
	config.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// If a config file is found, read it in.
	if err := config.ReadInConfig(); err != nil {
		var e viper.ConfigFileNotFoundError
		if !errors.As(err, &e) {
			return err
		}
	}

	if err := config.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	c.config = config
	return nil
}

func (c *command) setHomeDir() (err error) {
	if c.homeDir != "" {
		return nil
	}
	dir, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	c.homeDir = dir
	return nil
}

// newLogger builds the logger of a command run. Logs go to the error
// output so they never mix with exported data.
func (c *command) newLogger(cmd *cobra.Command) (*logrus.Logger, error) {
	return logging.New(cmd.ErrOrStderr(), c.config.GetString(optionNameVerbosity), c.config.GetString(optionNameLogFormat))
}

// dataDir returns the data directory, creating it when missing.
func (c *command) dataDir() (string, error) {
	dir := c.config.GetString(optionNameDataDir)
	if dir == "" {
		return "", errors.New("data dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return filepath.Clean(dir), nil
}
