// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/dotandev/deobf/internal/idiom"
	"github.com/spf13/cobra"
)

var catalogVerboseFlag bool

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "List the idioms that fold rewrites",
	Long: `List the idiom catalog in registration order. When two idioms match at
the same instruction the longer one wins; equal lengths go to the earlier
entry, and the catalog is rejected at startup if such a tie is possible.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := idiom.Catalog(idiom.Options{}); err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tLENGTH\tREWRITE")
		for _, e := range idiom.Entries(idiom.Options{}) {
			fmt.Fprintf(tw, "%s\t%d\t%s\n", e.Pattern.Name(), e.Pattern.Len(), e.Doc)
			if catalogVerboseFlag {
				fmt.Fprintf(tw, "\t\t%s\n", e.Pattern.String())
			}
		}
		return tw.Flush()
	},
}

func init() {
	catalogCmd.Flags().BoolVarP(&catalogVerboseFlag, "verbose", "v", false, "Also print each pattern's steps")

	rootCmd.AddCommand(catalogCmd)
}
