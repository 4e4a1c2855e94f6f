package main

import (
	"fmt"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nemanja-m/genpool/internal/workflow"
)

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "List catalog templates and their inputs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		catalog, err := workflow.LoadCatalog(cfg.Templates.Patterns)
		if err != nil {
			return err
		}
		return printTemplates(cmd, catalog)
	},
}

func init() {
	rootCmd.AddCommand(templatesCmd)
}

func printTemplates(cmd *cobra.Command, catalog *workflow.Catalog) error {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tREQUIRED\tOPTIONAL\tOUTPUTS")
	for _, name := range catalog.Names() {
		entry, err := catalog.Get(name)
		if err != nil {
			return err
		}
		required := entry.Template.Required()
		var optional []string
		for _, k := range entry.Template.Inputs() {
			if !slices.Contains(required, k) {
				optional = append(optional, k)
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			name,
			strings.Join(required, ","),
			strings.Join(optional, ","),
			strings.Join(entry.Template.Outputs(), ","),
		)
	}
	return tw.Flush()
}
