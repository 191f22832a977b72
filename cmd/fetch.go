package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/egress-fetcher/internal/egress"
)

type fetchFlags struct {
	method       string
	payload      string
	index        bool
	ignoreRobots bool
}

// newFetchCmd creates the 'fetch' subcommand, which performs one request
// through the pool and prints the uniform response as JSON.
func newFetchCmd() *cobra.Command {
	flags := &fetchFlags{}
	cmd := &cobra.Command{
		Use:   "fetch <url>",
		Short: "Fetch one URL through the egress pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetchCommand(cmd, args[0], flags)
		},
	}
	cmd.Flags().StringVar(&flags.method, "method", "get", "request method (get or post)")
	cmd.Flags().StringVar(&flags.payload, "payload", "", "JSON payload for post requests")
	cmd.Flags().BoolVar(&flags.index, "index", false, "store the fetched document in the index")
	cmd.Flags().BoolVar(&flags.ignoreRobots, "ignore-robots", false, "skip the robots.txt check")
	return cmd
}

func runFetchCommand(cmd *cobra.Command, rawURL string, flags *fetchFlags) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.GetLogger()
	ctx := cmd.Context()

	method, ok := egress.ParseMethod(flags.method)
	if !ok {
		return fmt.Errorf("unsupported method %q", flags.method)
	}
	var payload any
	if flags.payload != "" {
		if err := json.Unmarshal([]byte(flags.payload), &payload); err != nil {
			return fmt.Errorf("parse payload: %w", err)
		}
	}

	if appInstance.Blocked(rawURL) {
		return fmt.Errorf("fetch %s: host is blocked", rawURL)
	}
	if appInstance.GetConfig().Robots.Respect && !flags.ignoreRobots {
		if robots := appInstance.Robots(); robots != nil && !robots.Allowed(ctx, rawURL) {
			return fmt.Errorf("fetch %s: disallowed by robots.txt", rawURL)
		}
	}

	resp, err := appInstance.Fetcher().Fetch(ctx, method, rawURL, payload)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	logger.Debug("fetch complete", zap.String("url", rawURL), zap.Int("status", resp.StatusCode))

	if flags.index {
		indexer := appInstance.Indexer()
		if indexer == nil {
			return errors.New("index requested but index.path is not configured")
		}
		docID, err := indexer.IndexResponse(ctx, rawURL, resp)
		if err != nil {
			return fmt.Errorf("index %s: %w", rawURL, err)
		}
		logger.Info("document indexed", zap.String("url", rawURL), zap.Int64("doc_id", docID))
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}
