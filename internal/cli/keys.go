package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// newKeysCmd creates the 'keys' command group for the local key store.
func newKeysCmd(a *app) *cobra.Command {
	keysCmd := &cobra.Command{
		Use:   "keys",
		Short: "Inspect locally remembered encryption keys",
	}

	var reveal bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List remembered encryption keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, closeKeys, err := a.keys()
			if err != nil {
				return err
			}
			defer closeKeys()

			records, err := keys.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list keys: %w", err)
			}
			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No keys.")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ARTIFACT\tKEY\tSTORED")
			for _, rec := range records {
				key := mask(rec.Key)
				if reveal {
					key = rec.Key
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", rec.ArtifactID, key, rec.CreatedAt.Local().Format("2006-01-02 15:04"))
			}
			return tw.Flush()
		},
	}
	listCmd.Flags().BoolVar(&reveal, "reveal", false, "Print keys in full")

	keysCmd.AddCommand(listCmd)
	return keysCmd
}

func mask(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return key[:4] + "…"
}
