package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	beamlink "github.com/beamlink-io/beamlink-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(tailCmd)
}

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Connect to the stream and print incoming messages",
	Long:  "Open a persistent stream and print every incoming message to stdout until interrupted.\nThe connection survives network interruptions; press Ctrl-C to end it.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := newStreamClient()
		defer client.Close()

		client.SetDelegate(beamlink.DelegateFuncs{
			ConnectionStatusChanged: func(status beamlink.StreamStatus) {
				ts := time.Now().Format(time.RFC3339)
				if status.Err != nil {
					fmt.Fprintf(os.Stderr, "[%s] %s: %v\n", ts, status.State, status.Err)
					return
				}
				fmt.Fprintf(os.Stderr, "[%s] %s\n", ts, status.State)
			},
			MessageReceived: func(content string) {
				fmt.Println(content)
			},
		})

		if err := client.OpenStream(nil); err != nil {
			return err
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig

		client.EndStream(true)
		return nil
	},
}
