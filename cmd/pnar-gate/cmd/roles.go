package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"pnar.online/internal/auth"
)

var rolesJSON bool

var rolesCmd = &cobra.Command{
	Use:   "roles",
	Short: "Print the role hierarchy, highest rank first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		roles := auth.Roles()
		if rolesJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(roles)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "RANK\tROLE\tNAME\tDESCRIPTION")
		for _, r := range roles {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", r.Rank, r.Role, r.DisplayName, r.Description)
		}
		return tw.Flush()
	},
}

func init() {
	rolesCmd.Flags().BoolVar(&rolesJSON, "json", false, "print JSON instead of a table")
	rootCmd.AddCommand(rolesCmd)
}
