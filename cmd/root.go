package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/municipality-check/internal/config"
)

// cfg is loaded before every subcommand runs.
var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "municipality-check",
	Short: "Classify South African addresses against municipal boundary layers",
	Long: "Geocodes addresses, finds the containing municipality, NSC, MPR and custom regions " +
		"from local boundary datasets, and keeps an audit log of every check.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		loaded, err := config.Load()
		if err != nil {
			return err
		}
		if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
			loaded.Log.Level = lvl
		}
		if err := config.InitLogger(loaded.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}
		cfg = loaded
		return nil
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		zap.L().Sync() //nolint:errcheck
	},
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "", "override log.level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
