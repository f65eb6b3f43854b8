package cmd

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetchengine/internal/storage/local"
)

type fetchOptions struct {
	file    string
	outDir  string
	headers map[string]string
}

// newFetchCmd creates the 'fetch' subcommand, which retrieves URLs given as
// arguments or listed in a file and prints the results keyed by URL.
func newFetchCmd() *cobra.Command {
	opts := &fetchOptions{}
	cmd := &cobra.Command{
		Use:   "fetch [url...]",
		Short: "Fetch URLs and print the results as JSON",
		Long: `Groups the URLs by host, fetches each host group on the worker pool with
retries and rate limiting, and prints one result per URL.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd, args, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "file with one URL per line ('-' for stdin)")
	cmd.Flags().StringVarP(&opts.outDir, "out", "o", "", "also archive each result as JSON under this directory")
	cmd.Flags().StringToStringVarP(&opts.headers, "header", "H", nil, "extra request header as name=value")
	return cmd
}

func runFetch(cmd *cobra.Command, args []string, opts *fetchOptions) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}

	urls := append([]string(nil), args...)
	if opts.file != "" {
		fromFile, err := readURLs(cmd.InOrStdin(), opts.file)
		if err != nil {
			return err
		}
		urls = append(urls, fromFile...)
	}
	if len(urls) == 0 {
		return errors.New("no urls given")
	}

	results, err := appInstance.GetEngine().FetchAll(cmd.Context(), urls, opts.headers)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}

	failed := 0
	for _, res := range results {
		if !res.Successful() {
			failed++
		}
	}
	if opts.outDir != "" {
		store, err := local.New(local.Config{BaseDir: opts.outDir})
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		saved, err := store.SaveAll(cmd.Context(), results)
		if err != nil {
			appInstance.GetLogger().Warn("Some results could not be archived.", zap.Error(err))
		}
		appInstance.GetLogger().Info("Archived results.", zap.String("dir", opts.outDir), zap.Int("saved", saved))
	}

	appInstance.GetLogger().Info("Fetch command finished.",
		zap.Int("urls", len(results)),
		zap.Int("failed", failed),
	)
	return printJSON(cmd.OutOrStdout(), results)
}

func readURLs(stdin io.Reader, path string) ([]string, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open url file: %w", err)
		}
		defer func() { _ = f.Close() }()
		r = f
	}

	var urls []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read url file: %w", err)
	}
	return urls, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
