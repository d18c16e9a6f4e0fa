package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/browserd/wire"
)

var createURL string

var createContextCmd = &cobra.Command{
	Use:   "create-browsing-context <name>",
	Short: "Open a new named browsing context (tab)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := send(wire.KindCreateContext, wire.CreateContextParams{
			Name: args[0],
			URL:  createURL,
		})
		if err != nil {
			return err
		}
		return emit(payload, func(raw json.RawMessage) error {
			var res wire.CreateContextResult
			if err := json.Unmarshal(raw, &res); err != nil {
				return err
			}
			fmt.Printf("created %s at %s\n", res.Name, res.URL)
			return nil
		})
	},
}

var closeContextCmd = &cobra.Command{
	Use:   "close-browsing-context <name>",
	Short: "Close a named browsing context and discard its history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := send(wire.KindCloseContext, wire.CloseContextParams{Name: args[0]})
		if err != nil {
			return err
		}
		return emit(payload, func(raw json.RawMessage) error {
			var res wire.CloseContextResult
			if err := json.Unmarshal(raw, &res); err != nil {
				return err
			}
			fmt.Printf("closed %s\n", res.Name)
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon state and all live browsing contexts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := send(wire.KindStatus, nil)
		if err != nil {
			return err
		}
		return emit(payload, func(raw json.RawMessage) error {
			var res wire.StatusResult
			if err := json.Unmarshal(raw, &res); err != nil {
				return err
			}
			fmt.Printf("daemon %s (pid %d), %d context(s)\n", res.State, res.PID, len(res.Contexts))
			for _, c := range res.Contexts {
				fmt.Printf("  %-12s %s", c.Name, c.URL)
				if c.Title != "" {
					fmt.Printf("  %q", c.Title)
				}
				fmt.Printf("  up %ds\n", c.AgeSeconds)
				for _, a := range c.LastActions {
					printAction("    ", a)
				}
			}
			return nil
		})
	},
}

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "browsing-context-history <name>",
	Short: "Show the action history of one browsing context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := send(wire.KindHistory, wire.HistoryParams{
			Name:  args[0],
			Limit: historyLimit,
		})
		if err != nil {
			return err
		}
		return emit(payload, func(raw json.RawMessage) error {
			var res wire.HistoryResult
			if err := json.Unmarshal(raw, &res); err != nil {
				return err
			}
			for _, a := range res.Records {
				printAction("", a)
			}
			return nil
		})
	},
}

func printAction(indent string, a wire.ActionSummary) {
	mark := "ok"
	if !a.OK {
		mark = "FAILED"
	}
	fmt.Printf("%s%s  %-10s %s", indent, a.At.Format("15:04:05"), a.Kind, mark)
	if a.Intention != "" {
		fmt.Printf("  (%s)", a.Intention)
	}
	if a.Summary != "" {
		fmt.Printf("  %s", a.Summary)
	}
	fmt.Println()
}

func init() {
	rootCmd.AddCommand(createContextCmd, closeContextCmd, statusCmd, historyCmd)

	createContextCmd.Flags().StringVar(&createURL, "url", "", "initial URL (default about:blank)")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 0, "show only the most recent N records")
}
