package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"squeeze/internal/client"
	"squeeze/internal/protocol"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// newShareCmd creates the 'share' command group.
func newShareCmd(a *app) *cobra.Command {
	shareCmd := &cobra.Command{
		Use:   "share",
		Short: "Share link operations (create, list, delete, get)",
	}

	shareCmd.AddCommand(newShareCreateCmd(a))
	shareCmd.AddCommand(newShareListCmd(a))
	shareCmd.AddCommand(newShareDeleteCmd(a))
	shareCmd.AddCommand(newShareGetCmd(a))

	return shareCmd
}

func newShareCreateCmd(a *app) *cobra.Command {
	var (
		protected    bool
		password     string
		hours        int
		maxDownloads int
	)

	cmd := &cobra.Command{
		Use:   "create <artifact>",
		Short: "Create a share link for an artifact (by id or file name)",
		Long: `Create a share link for an artifact.

A protected share without --password gets a generated password, printed
once; the server only keeps its hash.

Examples:
  squeeze share create report.csv.huffman --hours 48
  squeeze share create report.csv.huffman --protected --max-downloads 3`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			api, err := a.api()
			if err != nil {
				return err
			}
			id, err := resolveArtifactID(ctx, api, args[0])
			if err != nil {
				return err
			}

			req := protocol.CreateShareRequest{
				PasswordProtected: protected || password != "",
				Password:          password,
			}
			if cmd.Flags().Changed("hours") {
				req.ExpirationHours = &hours
			}
			if cmd.Flags().Changed("max-downloads") {
				req.MaxDownloads = &maxDownloads
			}

			info, err := api.CreateShare(ctx, id, req)
			if err != nil {
				return fmt.Errorf("failed to create share: %w", err)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "✓ %s\n", info.URL)
			fmt.Fprintf(w, "  id:        %s\n", info.ID)
			fmt.Fprintf(w, "  expires:   %s\n", info.ExpiresAt.Local().Format(time.RFC1123))
			fmt.Fprintf(w, "  downloads: %s\n", quota(info.MaxDownloads))
			if info.Password != "" {
				fmt.Fprintf(w, "  password:  %s (shown once)\n", info.Password)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&protected, "protected", "p", false, "Require a password (generated unless --password is given)")
	cmd.Flags().StringVar(&password, "password", "", "Share password (implies --protected)")
	cmd.Flags().IntVar(&hours, "hours", 24, "Hours until the link expires")
	cmd.Flags().IntVar(&maxDownloads, "max-downloads", protocol.UnlimitedDownloads, "Download quota (-1 = unlimited)")
	return cmd
}

func newShareListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List share links",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := a.api()
			if err != nil {
				return err
			}
			list, err := api.ListShares(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list shares: %w", err)
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No shares.")
				return nil
			}
			return printShares(cmd.OutOrStdout(), list, time.Now())
		},
	}
}

func printShares(w io.Writer, list []protocol.ShareInfo, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tARTIFACT\tPROTECTED\tDOWNLOADS\tEXPIRES\tURL")
	for _, s := range list {
		protected := "no"
		if s.PasswordProtected {
			protected = "yes"
		}
		expires := humanize.RelTime(s.ExpiresAt, now, "ago", "from now")
		if now.After(s.ExpiresAt) {
			expires = "expired " + expires
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%s\t%s\t%s\n",
			s.ID, s.ArtifactID, protected, s.CurrentDownloads, quota(s.MaxDownloads), expires, s.URL)
	}
	return tw.Flush()
}

func quota(max int) string {
	if max == protocol.UnlimitedDownloads {
		return "unlimited"
	}
	return fmt.Sprint(max)
}

func newShareDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <share-id>",
		Short: "Revoke a share link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := a.api()
			if err != nil {
				return err
			}
			if err := api.DeleteShare(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("failed to delete share: %w", shareError(err))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s\n", args[0])
			return nil
		},
	}
}

func newShareGetCmd(a *app) *cobra.Command {
	var (
		password string
		output   string
	)

	cmd := &cobra.Command{
		Use:   "get <share-id>",
		Short: "Download through a share link",
		Long: `Download the artifact behind a share link. Every successful download
counts against the link's quota. When the link is protected and no
--password is given, the password is prompted for on a terminal.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			api, err := a.api()
			if err != nil {
				return err
			}

			dl, err := api.OpenShare(ctx, args[0], password)
			if errors.Is(err, client.ErrShareForbidden) && password == "" && term.IsTerminal(int(os.Stdin.Fd())) {
				pw, perr := promptPassword(cmd.ErrOrStderr())
				if perr != nil {
					return perr
				}
				dl, err = api.OpenShare(ctx, args[0], pw)
			}
			if err != nil {
				return shareError(err)
			}

			path, n, err := save(cmd.ErrOrStderr(), dl, output)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ saved %s (%s)\n", path, humanize.IBytes(uint64(n)))
			return nil
		},
	}

	cmd.Flags().StringVar(&password, "password", "", "Share password")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default: the artifact's name in the current directory)")
	return cmd
}

func promptPassword(w io.Writer) (string, error) {
	fmt.Fprint(w, "Share password: ")
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(w)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(pw), nil
}

// shareError rewrites share access failures as user-facing messages.
func shareError(err error) error {
	switch {
	case errors.Is(err, client.ErrShareNotFound):
		return errors.New("share link does not exist")
	case errors.Is(err, client.ErrShareExpired):
		return errors.New("share link has expired")
	case errors.Is(err, client.ErrShareQuotaExceeded):
		return errors.New("share link has reached its download limit")
	case errors.Is(err, client.ErrShareForbidden):
		return errors.New("wrong share password")
	}
	return err
}

// resolveArtifactID accepts an artifact id or file name.
func resolveArtifactID(ctx context.Context, api *client.API, ref string) (string, error) {
	list, err := api.ListArtifacts(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list artifacts: %w", err)
	}
	for _, art := range list {
		if art.ID == ref || art.Filename == ref {
			return art.ID, nil
		}
	}
	return "", fmt.Errorf("artifact %q not found", ref)
}
