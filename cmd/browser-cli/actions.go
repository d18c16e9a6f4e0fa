package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/browserd/wire"
)

var navigateCmd = &cobra.Command{
	Use:   "navigate <url>",
	Short: "Load a URL in the browsing context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := send(wire.KindNavigate, wire.NavigateParams{URL: args[0]})
		if err != nil {
			return err
		}
		return emit(payload, func(raw json.RawMessage) error {
			var res wire.NavigateResult
			if err := json.Unmarshal(raw, &res); err != nil {
				return err
			}
			if res.Title != "" {
				fmt.Printf("%s (%s)\n", res.URL, res.Title)
			} else {
				fmt.Println(res.URL)
			}
			return nil
		})
	},
}

var clickCmd = &cobra.Command{
	Use:   "click <selector>",
	Short: "Click the first element matching a CSS selector",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := send(wire.KindClick, wire.ClickParams{Selector: args[0]})
		if err != nil {
			return err
		}
		return emit(payload, func(raw json.RawMessage) error {
			var res wire.InteractionResult
			if err := json.Unmarshal(raw, &res); err != nil {
				return err
			}
			fmt.Printf("clicked %s\n", res.Element)
			return nil
		})
	},
}

var typeClear bool

var typeCmd = &cobra.Command{
	Use:   "type <selector> <text>",
	Short: "Type text into the element matching a CSS selector",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := send(wire.KindType, wire.TypeParams{
			Selector: args[0],
			Text:     args[1],
			Clear:    typeClear,
		})
		if err != nil {
			return err
		}
		return emit(payload, func(raw json.RawMessage) error {
			var res wire.InteractionResult
			if err := json.Unmarshal(raw, &res); err != nil {
				return err
			}
			fmt.Printf("typed into %s\n", res.Element)
			return nil
		})
	},
}

var (
	waitText    string
	waitTimeout time.Duration
)

var waitCmd = &cobra.Command{
	Use:   "wait [selector]",
	Short: "Wait for a selector or page text to appear",
	Long:  "Wait for a CSS selector (positional) or page text (--text) to appear. Expiry is reported as found=false, not as an error.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var selector string
		if len(args) > 0 {
			selector = args[0]
		}
		payload, err := send(wire.KindWait, wire.WaitParams{
			Selector:  selector,
			Text:      waitText,
			TimeoutMS: int(waitTimeout.Milliseconds()),
		})
		if err != nil {
			return err
		}
		return emit(payload, func(raw json.RawMessage) error {
			var res wire.WaitResult
			if err := json.Unmarshal(raw, &res); err != nil {
				return err
			}
			if res.Found {
				fmt.Println("found")
			} else {
				fmt.Println("not found")
			}
			return nil
		})
	},
}

var evalCmd = &cobra.Command{
	Use:   "eval <expression>",
	Short: "Evaluate a JavaScript expression and print its JSON value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := send(wire.KindEval, wire.EvalParams{Expression: args[0]})
		if err != nil {
			return err
		}
		return emit(payload, func(raw json.RawMessage) error {
			var res wire.EvalResult
			if err := json.Unmarshal(raw, &res); err != nil {
				return err
			}
			fmt.Println(string(res.Value))
			return nil
		})
	},
}

var (
	extractFormat   string
	extractMaxChars int
)

var extractCmd = &cobra.Command{
	Use:   "extract [selector]",
	Short: "Extract page or element content",
	Long:  "Extract the page (or the element matching the positional selector) as text, markdown or html.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var selector string
		if len(args) > 0 {
			selector = args[0]
		}
		payload, err := send(wire.KindExtract, wire.ExtractParams{
			Selector: selector,
			Format:   wire.ExtractFormat(extractFormat),
			MaxChars: extractMaxChars,
		})
		if err != nil {
			return err
		}
		return emit(payload, func(raw json.RawMessage) error {
			var res wire.ExtractResult
			if err := json.Unmarshal(raw, &res); err != nil {
				return err
			}
			fmt.Println(res.Content)
			if res.Truncated {
				fmt.Fprintln(cmd.ErrOrStderr(), "(truncated)")
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(navigateCmd, clickCmd, typeCmd, waitCmd, evalCmd, extractCmd)

	typeCmd.Flags().BoolVar(&typeClear, "clear", false, "clear the field before typing")

	waitCmd.Flags().StringVar(&waitText, "text", "", "page text to wait for instead of a selector")
	waitCmd.Flags().DurationVar(&waitTimeout, "for", 0, "wait budget (default 10s, max 2m)")

	extractCmd.Flags().StringVar(&extractFormat, "format", "text", "output format: text, markdown, html")
	extractCmd.Flags().IntVar(&extractMaxChars, "max-chars", 0, "cap output at this many characters")
}
