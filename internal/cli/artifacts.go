package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"squeeze/internal/client"
	"squeeze/internal/protocol"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// newFilesCmd creates the 'files' command, listing artifacts.
func newFilesCmd(a *app) *cobra.Command {
	filesCmd := &cobra.Command{
		Use:   "files",
		Short: "List compressed artifacts on the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := a.api()
			if err != nil {
				return err
			}
			list, err := api.ListArtifacts(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list artifacts: %w", err)
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No artifacts.")
				return nil
			}
			return printArtifacts(cmd.OutOrStdout(), list, time.Now())
		},
	}

	filesCmd.AddCommand(&cobra.Command{
		Use:   "delete <artifact-id>",
		Short: "Delete an artifact and its share links",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := a.api()
			if err != nil {
				return err
			}
			if err := api.DeleteArtifact(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("failed to delete artifact: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		},
	})

	return filesCmd
}

func printArtifacts(w io.Writer, list []protocol.ArtifactInfo, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tALGORITHM\tORIGINAL\tCOMPRESSED\tRATIO\tENCRYPTED\tCREATED")
	for _, art := range list {
		enc := "no"
		if art.IsEncrypted {
			enc = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%.1f%%\t%s\t%s\n",
			art.ID,
			art.Filename,
			art.Algorithm.DisplayName(),
			humanize.IBytes(uint64(art.OriginalSize)),
			humanize.IBytes(uint64(art.CompressedSize)),
			art.CompressionRatio,
			enc,
			humanize.RelTime(art.CreatedAt, now, "ago", "from now"),
		)
	}
	return tw.Flush()
}

// newDownloadCmd creates the 'download' command.
func newDownloadCmd(a *app) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "download <name>",
		Short: "Download an artifact or a decompressed result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := a.api()
			if err != nil {
				return err
			}
			dl, err := api.OpenDownload(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to download %s: %w", args[0], err)
			}
			path, n, err := save(cmd.ErrOrStderr(), dl, output)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ saved %s (%s)\n", path, humanize.IBytes(uint64(n)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default: the server's file name in the current directory)")
	return cmd
}

// save streams dl to output, or to its own file name when output is empty or
// a directory. A partial file is removed on failure.
func save(progress io.Writer, dl *client.Download, output string) (string, int64, error) {
	defer dl.Body.Close()

	path := output
	if path == "" {
		path = filepath.Base(dl.Filename)
	} else if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, filepath.Base(dl.Filename))
	}

	f, err := os.Create(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create %s: %w", path, err)
	}

	bar := newTransferBar(progress, dl.Size, filepath.Base(path))
	n, err := io.Copy(io.MultiWriter(f, bar), dl.Body)
	_ = bar.Finish()
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return "", 0, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, n, nil
}

// newDecompressCmd creates the 'decompress' command.
func newDecompressCmd(a *app) *cobra.Command {
	var (
		algorithm string
		key       string
		download  bool
		output    string
	)

	cmd := &cobra.Command{
		Use:   "decompress <artifact-name>",
		Short: "Restore an artifact on the server",
		Long: `Decompress an artifact on the server. The result is stored next to it as
<original>.restored and can be fetched with 'squeeze download'.

For encrypted artifacts the key is looked up in the local key store when
--key is omitted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			name := args[0]

			api, err := a.api()
			if err != nil {
				return err
			}

			alg, err := resolveAlgorithm(ctx, api, name, algorithm)
			if err != nil {
				return err
			}

			if key == "" {
				keys, closeKeys, err := a.keys()
				if err != nil {
					return err
				}
				key, _, err = keys.Lookup(ctx, name)
				closeKeys()
				if err != nil {
					return fmt.Errorf("failed to look up encryption key: %w", err)
				}
			}

			res, err := api.Decompress(ctx, name, alg, key)
			if err != nil {
				return fmt.Errorf("failed to decompress %s: %w", name, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ restored %s (%s)\n", res.ResultName, humanize.IBytes(uint64(res.Size)))

			if !download {
				return nil
			}
			dl, err := api.OpenDownload(ctx, res.ResultName)
			if err != nil {
				return fmt.Errorf("failed to download %s: %w", res.ResultName, err)
			}
			path, n, err := save(cmd.ErrOrStderr(), dl, output)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ saved %s (%s)\n", path, humanize.IBytes(uint64(n)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&algorithm, "algorithm", "a", "", "Algorithm the artifact was compressed with (default: from the server)")
	cmd.Flags().StringVarP(&key, "key", "k", "", "Encryption key (default: from the local key store)")
	cmd.Flags().BoolVarP(&download, "download", "d", false, "Download the restored file")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file for --download")
	return cmd
}

// resolveAlgorithm parses flag, or reads the algorithm from the artifact
// listing when flag is empty.
func resolveAlgorithm(ctx context.Context, api *client.API, name, flag string) (protocol.Algorithm, error) {
	if flag != "" {
		return protocol.ParseAlgorithm(flag)
	}
	list, err := api.ListArtifacts(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list artifacts: %w", err)
	}
	for _, art := range list {
		if art.Filename == name {
			return art.Algorithm, nil
		}
	}
	return "", fmt.Errorf("artifact %q not found", name)
}
