package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/j0hanz/fetch-url-mcp-sub001/converter"
)

func newFetchCommand() *cobra.Command {
	var (
		includeMetadata  bool
		skipNoiseRemoval bool
		asJSON           bool
	)

	cmd := &cobra.Command{
		Use:   "fetch <url>",
		Short: "Fetch one URL and print it as markdown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(args[0], converter.Options{
				IncludeMetadata:  includeMetadata,
				SkipNoiseRemoval: skipNoiseRemoval,
			}, asJSON)
		},
	}

	cmd.Flags().BoolVar(&includeMetadata, "metadata", false, "include page metadata in the output")
	cmd.Flags().BoolVar(&skipNoiseRemoval, "raw", false, "convert the full page without noise removal")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full result as JSON")

	return cmd
}

func runFetch(url string, opts converter.Options, asJSON bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger()

	application, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fetched, err := application.Fetcher.Fetch(ctx, url)
	if err != nil {
		return err
	}

	opts.InputTruncated = fetched.Truncated
	result, err := application.Pool.Transform(ctx, fetched.Body, fetched.FinalURL, opts)
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	fmt.Println(result.Markdown)
	if result.Truncated {
		fmt.Fprintln(os.Stderr, "note: content was truncated")
	}
	return nil
}
