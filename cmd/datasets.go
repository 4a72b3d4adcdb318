package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/municipality-check/internal/boundary"
	"github.com/sells-group/municipality-check/internal/datasets"
)

var datasetsCmd = &cobra.Command{
	Use:   "datasets",
	Short: "Manage boundary datasets",
	Long:  "Commands for downloading boundary layers from ArcGIS and inspecting the local data folders.",
}

var datasetsFetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download boundary layers from their ArcGIS feature services",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("datasets"); err != nil {
			return err
		}
		which, _ := cmd.Flags().GetString("which")

		r := datasets.NewRefresher(newFetcher(cfg.ArcGIS, cfg.Geocoder.UserAgent), nil, cfg.ArcGIS, cfg.Data)
		result, err := r.Refresh(cmd.Context(), which)
		formatRefresh(os.Stdout, result)
		return err
	},
}

var datasetsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show files and feature counts per boundary layer",
	RunE: func(cmd *cobra.Command, _ []string) error {
		set := boundary.NewSet(boundary.DefaultSpecs(cfg.Data))
		formatLayerStats(os.Stdout, datasets.Status(set))
		return nil
	},
}

func formatRefresh(w io.Writer, result map[string]datasets.LayerRefresh) {
	names := make([]string, 0, len(result))
	for name := range result {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		r := result[name]
		fmt.Fprintf(w, "%-13s %6d features -> %s\n", name, r.Features, r.File)
	}
}

func formatLayerStats(w io.Writer, stats []boundary.LayerStats) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LAYER\tFILES\tSKIPPED\tFEATURES\tDIR")
	for _, s := range stats {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\n", s.Layer, s.Files, s.Skipped, s.Features, s.Dir)
	}
	tw.Flush() //nolint:errcheck
}

func init() {
	datasetsFetchCmd.Flags().String("which", "all", "layer to fetch: all|municipality|nsc|mpr")
	datasetsCmd.AddCommand(datasetsFetchCmd, datasetsStatusCmd)
	rootCmd.AddCommand(datasetsCmd)
}
