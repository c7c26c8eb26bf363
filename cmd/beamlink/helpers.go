package main

import (
	"fmt"
	"os"

	beamlink "github.com/beamlink-io/beamlink-go"
)

// newStreamClient creates a configured Beamlink client from the local config.
func newStreamClient() (*beamlink.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.APIKey == "" {
		fmt.Fprintln(os.Stderr, "No API key. Run 'beamlink init <api-key>' first.")
		os.Exit(1)
	}

	var opts []beamlink.Option
	if cfg.Default.BaseURL != "" {
		opts = append(opts, beamlink.WithBaseURL(cfg.Default.BaseURL))
	}
	if cfg.Default.AppID != "" {
		opts = append(opts, beamlink.WithAppID(cfg.Default.AppID))
	}
	if cfg.Default.DeviceID != "" {
		opts = append(opts, beamlink.WithDeviceID(cfg.Default.DeviceID))
	}

	client := beamlink.NewClient(opts...)
	if err := client.Configure(cfg.Default.APIKey); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure client: %v\n", err)
		os.Exit(1)
	}

	// Replay persisted session identity before the stream opens.
	if cfg.Session.UserID != "" {
		client.RegisterUserID(cfg.Session.UserID)
	}
	if len(cfg.Session.Tags) > 0 {
		client.RegisterTags(cfg.Session.Tags)
	}
	return client, cfg
}

// maskKey shows the first 12 and last 4 characters of a key.
func maskKey(key string) string {
	if len(key) <= 16 {
		if len(key) <= 8 {
			return "****"
		}
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
