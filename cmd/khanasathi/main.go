package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.khanasathi/config.toml.
type Config struct {
	Default   ConfigDefault   `toml:"default"`
	Realtime  ConfigRealtime  `toml:"realtime"`
	Devserver ConfigDevserver `toml:"devserver"`
}

// ConfigDefault holds connection settings.
type ConfigDefault struct {
	Token       string `toml:"token"`
	Environment string `toml:"environment"`
	BaseURL     string `toml:"base_url"`
}

// ConfigRealtime holds polling intervals as Go duration strings.
type ConfigRealtime struct {
	PollConnected string `toml:"poll_connected"`
	PollDegraded  string `toml:"poll_degraded"`
}

// ConfigDevserver holds the development server settings.
type ConfigDevserver struct {
	Addr string `toml:"addr"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.khanasathi, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".khanasathi")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// loadEffectiveConfig is loadConfig with .env and environment overrides
// applied. The result is never written back.
func loadEffectiveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	_ = godotenv.Load()
	applyEnv(cfg, os.Getenv)
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv("KHANASATHI_TOKEN"); v != "" {
		cfg.Default.Token = v
	}
	if v := getenv("KHANASATHI_BASE_URL"); v != "" {
		cfg.Default.BaseURL = v
	}
	if v := getenv("KHANASATHI_ENV"); v != "" {
		cfg.Default.Environment = v
	}
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// ============================================================================
// Logging and metrics
// ============================================================================

// newLogger writes human-readable output in development and JSON otherwise.
func newLogger(env string, verbose bool) zerolog.Logger {
	var logger zerolog.Logger
	if env == "" || env == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stderr).
			With().
			Timestamp().
			Logger()
	}
	if verbose {
		return logger.Level(zerolog.DebugLevel)
	}
	return logger.Level(zerolog.WarnLevel)
}

func serveMetrics(addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		logger.Info().Str("addr", addr).Msg("serving metrics")
		if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()
}

// ============================================================================
// Root command
// ============================================================================

var (
	verbose     bool
	metricsAddr string
	logger      = zerolog.Nop()
)

var rootCmd = &cobra.Command{
	Use:   "khanasathi",
	Short: "KhanaSathi real-time CLI",
	Long:  "Command-line interface for the KhanaSathi real-time SDK.\nFollow order chats and tracking, manage configuration, and run a local development server.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return err
		}
		logger = newLogger(cfg.Default.Environment, verbose)
		if metricsAddr != "" {
			serveMetrics(metricsAddr, logger)
		}
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
