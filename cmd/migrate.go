package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the audit log schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("store"); err != nil {
			return err
		}
		st, err := initStore(cmd.Context(), cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		fmt.Fprintf(os.Stderr, "Schema up to date (%s).\n", cfg.Store.Driver)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
