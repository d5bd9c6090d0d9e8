// Package main provides the ezxss CLI entry point.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/lwllvyb/ezXSS/cli"
	"github.com/lwllvyb/ezXSS/config"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	dbPath  string
	format  string
	verbose bool
)

func main() {
	// Load .env file if present (ignore "file not found" errors)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load .env file: %v\n", err)
		}
	}

	rootCmd := &cobra.Command{
		Use:   "ezxss",
		Short: "Inspect and manage captured browser sessions",
		Long: `A CLI for the ezXSS session store.

Each captured request is stored as a summary row plus a blob row holding the
DOM snapshot, local/session storage and console log. Blobs are compressed
when the compress setting is on at capture time.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Database path (default $EZXSS_DB or "+config.DefaultDBPath+")")
	rootCmd.PersistentFlags().StringVarP(&format, "format", "f", cli.FormatJSON, "Output format (json, yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Show debug logs")

	rootCmd.AddCommand(addCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(clientCmd())
	rootCmd.AddCommand(requestsCmd())
	rootCmd.AddCommand(consoleCmd())
	rootCmd.AddCommand(archiveCmd())
	rootCmd.AddCommand(deleteCmd())
	rootCmd.AddCommand(setCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(compressCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// options builds CLI options from the environment and global flags.
func options() (cli.Options, error) {
	settings, err := config.New()
	if err != nil {
		return cli.Options{}, err
	}
	if dbPath != "" {
		settings.Storage.Path = dbPath
	}

	level := settings.Log.Level
	if verbose {
		level = slog.LevelDebug
	}

	opts := cli.DefaultOptions()
	opts.Settings = settings
	opts.Format = format
	opts.Logger = cli.NewLogger(os.Stderr, level)
	return opts, nil
}

// run resolves options and invokes fn.
func run(fn func(ctx context.Context, opts cli.Options) error) error {
	opts, err := options()
	if err != nil {
		return err
	}
	return fn(context.Background(), opts)
}

func addCmd() *cobra.Command {
	var in cli.AddInput

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Store a captured request",
		Long: `Store a captured request and its blob.

When --client-id is omitted a new client id is generated. The DOM can be
given inline with --dom or read from --dom-file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, opts cli.Options) error {
				return cli.AddSession(ctx, in, opts)
			})
		},
	}

	cmd.Flags().StringVar(&in.ClientID, "client-id", "", "Client id (generated when empty)")
	cmd.Flags().StringVar(&in.Origin, "origin", "", "Origin the capture fired on")
	cmd.Flags().StringVar(&in.Cookies, "cookies", "", "Captured cookies")
	cmd.Flags().StringVar(&in.Referer, "referer", "", "Referer")
	cmd.Flags().StringVar(&in.URI, "uri", "", "Page URI")
	cmd.Flags().StringVar(&in.UserAgent, "user-agent", "", "User agent")
	cmd.Flags().StringVar(&in.IP, "ip", "", "Client IP")
	cmd.Flags().StringVar(&in.Payload, "payload", "", "Payload name")
	cmd.Flags().StringVar(&in.DOM, "dom", "", "DOM snapshot")
	cmd.Flags().StringVar(&in.DOMFile, "dom-file", "", "Read the DOM snapshot from a file")
	cmd.Flags().StringVar(&in.LocalStorage, "local-storage", "{}", "Serialized localStorage")
	cmd.Flags().StringVar(&in.SessionStorage, "session-storage", "{}", "Serialized sessionStorage")
	cmd.Flags().StringVar(&in.Console, "console", "", "Console log")

	return cmd
}

func listCmd() *cobra.Command {
	var archive string
	var payload string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the latest request of each client",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, opts cli.Options) error {
				return cli.ListReports(ctx, archive, payload, opts)
			})
		},
	}

	cmd.Flags().StringVar(&archive, "archive", "", "Restrict to active or archived sessions")
	cmd.Flags().StringVar(&payload, "payload", "", "Restrict to payloads containing this text")

	return cmd
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [id]",
		Short: "Show a request with its captured data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, opts cli.Options) error {
				return cli.ShowSession(ctx, args[0], opts)
			})
		},
	}
}

func clientCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "client [client-id] [origin]",
		Short: "Show the newest request of a client on an origin",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, opts cli.Options) error {
				return cli.ShowClient(ctx, args[0], args[1], all, opts)
			})
		},
	}

	cmd.Flags().BoolVarP(&all, "all", "a", false, "List every request instead of the newest")

	return cmd
}

func requestsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requests [client-id]",
		Short: "Count the requests of a client across origins",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, opts cli.Options) error {
				return cli.RequestCount(ctx, args[0], opts)
			})
		},
	}
}

func consoleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "console [client-id] [origin]",
		Short: "Print the console log of every request of a client, newest first",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, opts cli.Options) error {
				return cli.Console(ctx, args[0], args[1], opts)
			})
		},
	}
}

func archiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive [client-id] [origin]",
		Short: "Toggle the archive state of a client on an origin",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, opts cli.Options) error {
				return cli.Archive(ctx, args[0], args[1], opts)
			})
		},
	}
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [client-id] [origin]",
		Short: "Delete every request of a client on an origin",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, opts cli.Options) error {
				return cli.Delete(ctx, args[0], args[1], opts)
			})
		},
	}
}

func setCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set [id] [column] [value]",
		Short: "Update a single column of a request",
		Long: `Update a single column of a request or of its blob.

Blob columns (dom, localstorage, sessionstorage, console) are encoded when
the request's blob is stored compressed.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, opts cli.Options) error {
				return cli.Set(ctx, args[0], args[1], args[2], opts)
			})
		},
	}
}

func statsCmd() *cobra.Command {
	var payload string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Export client, origin and time of every request",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, opts cli.Options) error {
				return cli.Statistics(ctx, payload, opts)
			})
		},
	}

	cmd.Flags().StringVar(&payload, "payload", "", "Restrict to payloads containing this text")

	return cmd
}

func compressCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "compress [on|off|status]",
		Short:     "Show or change whether new blobs are stored compressed",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, opts cli.Options) error {
				return cli.Compress(ctx, args[0], opts)
			})
		},
	}
}
