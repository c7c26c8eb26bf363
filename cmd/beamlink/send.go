package main

import (
	"fmt"
	"strings"
	"time"

	beamlink "github.com/beamlink-io/beamlink-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(userCmd)
	rootCmd.AddCommand(tagsCmd)
	rootCmd.AddCommand(eventCmd)
	rootCmd.AddCommand(metadataCmd)
	metadataCmd.AddCommand(metadataSetCmd)
	metadataCmd.AddCommand(metadataClearCmd)
}

// connectAndRun opens the stream, waits for it to be acknowledged, runs op on
// the live client, then ends the stream gracefully.
func connectAndRun(op func(*beamlink.Client) error) error {
	client, _ := newStreamClient()
	defer client.Close()

	if err := client.OpenStream(nil); err != nil {
		return err
	}

	deadline := time.Now().Add(15 * time.Second)
	for !client.IsConnected() {
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for the stream to connect")
		}
		time.Sleep(50 * time.Millisecond)
	}

	if err := op(client); err != nil {
		return err
	}

	// Give the send queue a moment to drain before the graceful end.
	time.Sleep(200 * time.Millisecond)
	client.EndStream(false)
	return nil
}

// parsePairs converts k=v arguments into a metadata map.
func parsePairs(args []string) (map[string]any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	metadata := make(map[string]any, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		metadata[k] = v
	}
	return metadata, nil
}

var userCmd = &cobra.Command{
	Use:   "user <user-id>",
	Short: "Register the user id for this install",
	Long:  "Persist the user id locally and register it on the stream.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Session.UserID = args[0]
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		// Identity is replayed when the stream is acknowledged.
		if err := connectAndRun(func(*beamlink.Client) error { return nil }); err != nil {
			return err
		}
		fmt.Printf("Registered user id %s\n", args[0])
		return nil
	},
}

var tagsCmd = &cobra.Command{
	Use:   "tags <tag>...",
	Short: "Replace the registered tag set",
	Long:  "Persist the tag set locally and register it on the stream. The full set replaces any previous one.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Session.Tags = args
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if err := connectAndRun(func(*beamlink.Client) error { return nil }); err != nil {
			return err
		}
		fmt.Printf("Registered tags: %s\n", strings.Join(args, ", "))
		return nil
	},
}

var eventCmd = &cobra.Command{
	Use:   "event <name> [key=value]...",
	Short: "Send a custom event",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		metadata, err := parsePairs(args[1:])
		if err != nil {
			return err
		}
		if err := connectAndRun(func(client *beamlink.Client) error {
			client.SendCustomEvent(args[0], metadata)
			return nil
		}); err != nil {
			return err
		}
		fmt.Printf("Sent event %s\n", args[0])
		return nil
	},
}

var metadataCmd = &cobra.Command{
	Use:   "metadata",
	Short: "Manage session metadata",
}

var metadataSetCmd = &cobra.Command{
	Use:   "set <key=value>...",
	Short: "Replace session metadata",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		metadata, err := parsePairs(args)
		if err != nil {
			return err
		}
		if err := connectAndRun(func(client *beamlink.Client) error {
			client.SetMetadata(metadata)
			return nil
		}); err != nil {
			return err
		}
		fmt.Println("Metadata updated")
		return nil
	},
}

var metadataClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear all session metadata",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := connectAndRun(func(client *beamlink.Client) error {
			client.ClearMetadata()
			return nil
		}); err != nil {
			return err
		}
		fmt.Println("Metadata cleared")
		return nil
	},
}
