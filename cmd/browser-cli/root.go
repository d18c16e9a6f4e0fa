// Command browser-cli drives a running browser-daemon over its unix
// socket. Every subcommand is one control-protocol request; the daemon
// keeps all the state.
//
// Exit codes: 0 on success, 1 when the daemon rejects the command, 2 when
// the daemon cannot be reached at all.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/browserd/browserd"
	"github.com/hazyhaar/browserd/wire"
)

const (
	exitCommandFailed = 1
	exitTransport     = 2
)

var (
	flagSocket    string
	flagContext   string
	flagIntention string
	flagJSON      bool
	flagTimeout   time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "browser-cli",
	Short:         "Control a running browser daemon",
	Long:          "browser-cli sends commands to a browser-daemon over its unix socket: navigation, interaction, content extraction and session management.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagSocket, "socket", "", "daemon socket path (default $BROWSERD_SOCKET, then per-user default)")
	rootCmd.PersistentFlags().StringVar(&flagContext, "browsing-context", "main", "browsing context to operate on")
	rootCmd.PersistentFlags().StringVar(&flagIntention, "intention", "", "why this action is being taken; recorded in the context's history")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "print the raw response payload as JSON")
	rootCmd.PersistentFlags().DurationVar(&flagTimeout, "timeout", 60*time.Second, "overall request timeout")
}

// cliError carries the process exit code alongside the message.
type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }

func transportErr(err error) error   { return &cliError{code: exitTransport, err: err} }
func commandErr(we *wire.Error) error { return &cliError{code: exitCommandFailed, err: we} }

// send performs one command against the daemon. A nil error means the
// command succeeded and payload holds the response body.
func send(kind wire.Kind, params any) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, transportErr(fmt.Errorf("encode params: %w", err))
		}
		raw = data
	}

	req := &wire.Request{Kind: kind, Params: raw}
	if kind.TargetsContext() {
		req.Context = flagContext
		req.Intention = flagIntention
	}

	ctx, cancel := context.WithTimeout(context.Background(), flagTimeout)
	defer cancel()

	client := wire.NewClient(browserd.ResolveSocket(flagSocket, nil))
	resp, err := client.Do(ctx, req)
	if err != nil {
		return nil, transportErr(err)
	}
	if !resp.Success {
		return nil, commandErr(resp.Error)
	}
	return resp.Payload, nil
}

// emit prints the payload: raw JSON under --json, the human rendering
// otherwise.
func emit(payload json.RawMessage, human func(json.RawMessage) error) error {
	if flagJSON {
		fmt.Println(string(payload))
		return nil
	}
	return human(payload)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "browser-cli:", err)
		var ce *cliError
		if errors.As(err, &ce) {
			os.Exit(ce.code)
		}
		os.Exit(exitCommandFailed)
	}
}
