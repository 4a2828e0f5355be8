package main

import (
	"errors"

	khanasathi "github.com/nispal155/khanasathi/sdk/golang"
)

var errNoToken = errors.New("no token configured; run 'khanasathi init <token>' or set KHANASATHI_TOKEN")

// newClient builds an API client from the effective configuration.
func newClient(cfg *Config) (*khanasathi.Client, error) {
	if cfg.Default.Token == "" {
		return nil, errNoToken
	}
	opts := []khanasathi.ClientOption{khanasathi.WithLogger(logger)}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, khanasathi.WithBaseURL(cfg.Default.BaseURL))
	}
	return khanasathi.NewClient(cfg.Default.Token, opts...), nil
}

// maskKey shows the first 4 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
