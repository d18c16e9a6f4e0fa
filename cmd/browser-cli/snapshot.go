package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/browserd/snapshot"
	"github.com/hazyhaar/browserd/wire"
)

var (
	snapMode       string
	snapFocus      string
	snapDiff       bool
	snapTokenLimit int
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Capture a compact interactive-element snapshot of the page",
	Long:  "Capture the page's interactive elements, optionally scoped to a subtree (--focus) or reported as a diff against the previous snapshot (--diff).",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := send(wire.KindSnapshot, wire.SnapshotParams{
			Mode:          wire.SnapshotMode(snapMode),
			FocusSelector: snapFocus,
			Diff:          snapDiff,
			TokenLimit:    snapTokenLimit,
		})
		if err != nil {
			return err
		}
		return emit(payload, func(raw json.RawMessage) error {
			var res snapshot.Result
			if err := json.Unmarshal(raw, &res); err != nil {
				return err
			}
			if res.Diffed {
				fmt.Printf("diff: +%d ~%d -%d\n", res.Added, res.Changed, res.Removed)
			}
			for _, el := range res.Elements {
				printElement(el, 0)
			}
			if res.Truncated {
				fmt.Fprintln(cmd.ErrOrStderr(), "(truncated to token budget)")
			}
			return nil
		})
	},
}

func printElement(el *snapshot.Element, depth int) {
	line := el.Role
	if el.Name != "" {
		line += fmt.Sprintf(" %q", el.Name)
	}
	if el.Value != "" {
		line += " = " + el.Value
	}
	fmt.Printf("%s%s\n", strings.Repeat("  ", depth), line)
	for _, child := range el.Children {
		printElement(child, depth+1)
	}
}

func init() {
	rootCmd.AddCommand(snapshotCmd)

	snapshotCmd.Flags().StringVar(&snapMode, "mode", "", "capture mode: tree (default) or dom")
	snapshotCmd.Flags().StringVar(&snapFocus, "focus-selector", "", "scope the snapshot to the subtree matching this selector")
	snapshotCmd.Flags().BoolVar(&snapDiff, "diff", false, "report only changes since the previous snapshot")
	snapshotCmd.Flags().IntVar(&snapTokenLimit, "token-limit", 0, "token budget for the output")
}
