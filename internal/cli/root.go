// Package cli provides the command-line interface for squeeze.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"squeeze/internal/client"
	"squeeze/internal/client/keystore"

	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:8080"

// app holds the global flags and the clients built from them.
type app struct {
	server   string
	keysPath string
	verbose  bool

	logger *slog.Logger
}

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "squeeze",
		Short: "Compress files on a squeeze server, then download or share the results",
		Long: `squeeze uploads files to a squeeze server, follows the compression job
live and manages the resulting artifacts and share links.

Directories and multiple paths are bundled into a single zip before upload.
Encryption keys are remembered locally so encrypted artifacts can be
decompressed later without retyping the key.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			a.logger = newLogger(cmd.ErrOrStderr(), a.verbose)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.server, "server", "s", envOr("SQUEEZE_SERVER", defaultServer), "Server URL (env SQUEEZE_SERVER)")
	rootCmd.PersistentFlags().StringVar(&a.keysPath, "keys", envOr("SQUEEZE_KEYS", defaultKeysPath()), "Encryption key database (env SQUEEZE_KEYS)")
	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Verbose output (shows debug messages)")

	rootCmd.AddCommand(newCompressCmd(a))
	rootCmd.AddCommand(newDecompressCmd(a))
	rootCmd.AddCommand(newDownloadCmd(a))
	rootCmd.AddCommand(newFilesCmd(a))
	rootCmd.AddCommand(newShareCmd(a))
	rootCmd.AddCommand(newKeysCmd(a))

	return rootCmd
}

// Execute runs the root command with a context cancelled on SIGINT/SIGTERM
// and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func (a *app) api() (*client.API, error) {
	return client.NewAPI(a.server, a.logger)
}

// keys opens the durable key registry. The returned func closes it.
func (a *app) keys() (*keystore.Registry, func(), error) {
	if dir := filepath.Dir(a.keysPath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create key store directory: %w", err)
		}
	}
	db, err := keystore.OpenSQLite(a.keysPath)
	if err != nil {
		return nil, nil, err
	}
	return keystore.New(db), func() {
		if err := db.Close(); err != nil {
			a.logger.Warn("closing key store", "error", err)
		}
	}, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultKeysPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "squeeze-keys.db"
	}
	return filepath.Join(dir, "squeeze", "keys.db")
}
