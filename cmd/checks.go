// File: cmd/checks.go
package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/scalpel-audit/internal/check"
	"github.com/xkilldash9x/scalpel-audit/internal/observability"
)

// newChecksCmd creates the `checks` command, which lists the available checks.
func newChecksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checks",
		Short: "Lists the available checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			manager := check.NewManager(observability.GetLogger())
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SHORTNAME\tSEVERITY\tELEMENTS\tNAME")
			for _, name := range manager.Available() {
				c, _ := manager.Lookup(name)
				info := c.Info()
				elements := make([]string, len(info.Elements))
				for i, kind := range info.Elements {
					elements[i] = string(kind)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", info.Shortname, info.Issue.Severity, strings.Join(elements, ","), info.Name)
			}
			return w.Flush()
		},
	}
}
