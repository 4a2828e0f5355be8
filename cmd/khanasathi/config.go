package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	khanasathi "github.com/nispal155/khanasathi/sdk/golang"
)

var showEffective bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configShowCmd.Flags().BoolVar(&showEffective, "effective", false, "Show resolved settings with .env, environment and defaults applied")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage KhanaSathi configuration",
	Long:  "View or modify the KhanaSathi CLI configuration stored in ~/.khanasathi/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showEffective {
			cfg, err := loadEffectiveConfig()
			if err != nil {
				return err
			}
			return writeEffective(cmd.OutOrStdout(), cfg)
		}

		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Fprintln(cmd.OutOrStdout(), "No configuration file found. Run 'khanasathi init <token>' to create one.")
				return nil
			}
			return fmt.Errorf("cannot read config file: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: khanasathi config set realtime.poll_degraded 5s",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if key == "default.token" {
			value = maskKey(value)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		return nil
	},
}

// setConfigValue sets a config field using dot notation (e.g. "default.token").
func setConfigValue(cfg *Config, key, value string) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.token)")
	}

	switch section {
	case "default":
		switch field {
		case "token":
			cfg.Default.Token = value
		case "environment":
			cfg.Default.Environment = value
		case "base_url":
			cfg.Default.BaseURL = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "realtime":
		if _, err := parseInterval(key, value); err != nil {
			return err
		}
		switch field {
		case "poll_connected":
			cfg.Realtime.PollConnected = value
		case "poll_degraded":
			cfg.Realtime.PollDegraded = value
		default:
			return fmt.Errorf("unknown field %q in section [realtime]", field)
		}
	case "devserver":
		switch field {
		case "addr":
			cfg.Devserver.Addr = value
		default:
			return fmt.Errorf("unknown field %q in section [devserver]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, realtime, devserver)", section)
	}
	return nil
}

// parseInterval validates a polling interval. A zero interval would spin the
// poller, so only positive durations are accepted.
func parseInterval(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration such as 10s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", key, value)
	}
	return d, nil
}

// pollIntervals parses the [realtime] section; unset values are zero.
func (c *Config) pollIntervals() (connected, degraded time.Duration, err error) {
	if c.Realtime.PollConnected != "" {
		if connected, err = parseInterval("realtime.poll_connected", c.Realtime.PollConnected); err != nil {
			return 0, 0, err
		}
	}
	if c.Realtime.PollDegraded != "" {
		if degraded, err = parseInterval("realtime.poll_degraded", c.Realtime.PollDegraded); err != nil {
			return 0, 0, err
		}
	}
	return connected, degraded, nil
}

// writeEffective prints the settings a session would run with.
func writeEffective(w io.Writer, cfg *Config) error {
	connected, degraded, err := cfg.pollIntervals()
	if err != nil {
		return err
	}
	if connected == 0 {
		connected = khanasathi.DefaultPollConnected
	}
	if degraded == 0 {
		degraded = khanasathi.DefaultPollDegraded
	}
	token := "(not set)"
	if cfg.Default.Token != "" {
		token = maskKey(cfg.Default.Token)
	}

	fmt.Fprintf(w, "token           %s\n", token)
	fmt.Fprintf(w, "base_url        %s\n", valueOrDefault(cfg.Default.BaseURL, khanasathi.DefaultBaseURL))
	fmt.Fprintf(w, "environment     %s\n", valueOrDefault(cfg.Default.Environment, "development"))
	fmt.Fprintf(w, "poll_connected  %s\n", connected)
	fmt.Fprintf(w, "poll_degraded   %s\n", degraded)
	fmt.Fprintf(w, "devserver.addr  %s\n", valueOrDefault(cfg.Devserver.Addr, ":8080"))
	return nil
}
