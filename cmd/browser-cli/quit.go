package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/browserd/wire"
)

var quitCmd = &cobra.Command{
	Use:   "quit",
	Short: "Ask the daemon to shut down cleanly",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := send(wire.KindQuit, nil)
		if err != nil {
			return err
		}
		return emit(payload, func(raw json.RawMessage) error {
			fmt.Println("daemon stopping")
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(quitCmd)
}
