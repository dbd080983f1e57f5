package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/agatticelli/feedsync/internal/feed"
	"github.com/agatticelli/feedsync/internal/platform/config"
	"github.com/agatticelli/feedsync/internal/platform/storage"
	"github.com/spf13/cobra"
)

// Version is set at build time
var Version = "dev"

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

// execute runs the CLI with the given arguments and IO writers
func execute(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(stderr, "Error:", err)
		return 1
	}
	return 0
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "feedsync",
		Short:         "Feed data-freshness service",
		Long:          "feedsync keeps a swipe feed fresh: tiered cache, preloading, optimistic actions and classified retries.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default ./config/config.yaml)")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newInspectCmd(&configPath, stdout))
	return root
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the feed service with its HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg)
		},
	}
}

func newInspectCmd(configPath *string, stdout io.Writer) *cobra.Command {
	var prefix string

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "List feed pages held in the durable cache tier",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return inspect(cmd.Context(), cfg, prefix, stdout)
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", feed.KeyPrefix, "key prefix to list")
	return cmd
}

type inspectReport struct {
	Backend string   `json:"backend"`
	Path    string   `json:"path,omitempty"`
	Prefix  string   `json:"prefix"`
	Keys    []string `json:"keys"`
}

func inspect(ctx context.Context, cfg *config.Config, prefix string, stdout io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	store, err := storage.Open(ctx, storageOptions(cfg))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	keys, err := store.ListKeys(ctx, prefix)
	if err != nil {
		return fmt.Errorf("list keys: %w", err)
	}
	if keys == nil {
		keys = []string{}
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(inspectReport{
		Backend: cfg.Storage.Backend,
		Path:    cfg.Storage.Path,
		Prefix:  prefix,
		Keys:    keys,
	})
}
