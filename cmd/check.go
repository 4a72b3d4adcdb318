package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/municipality-check/internal/checker"
	"github.com/sells-group/municipality-check/internal/model"
	"github.com/sells-group/municipality-check/internal/store"
	"github.com/sells-group/municipality-check/internal/tabular"
	"github.com/sells-group/municipality-check/pkg/geocode"
)

var checkCmd = &cobra.Command{
	Use:   "check <address>",
	Short: "Check one address and print the result as JSON",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("check"); err != nil {
			return err
		}
		ctx := cmd.Context()

		req, err := checkRequestFromFlags(cmd, args)
		if err != nil {
			return err
		}
		noLog, _ := cmd.Flags().GetBool("no-log")

		svc, cleanup, err := newCheckService(ctx, !noLog)
		if err != nil {
			return err
		}
		defer cleanup()

		var result *model.CheckResult
		if noLog {
			result, err = svc.Evaluate(ctx, req)
		} else {
			result, err = svc.Check(ctx, req)
		}
		if err != nil {
			return err
		}
		return writeIndentedJSON(os.Stdout, result)
	},
}

var checkBatchCmd = &cobra.Command{
	Use:   "batch <file.csv|file.xlsx>",
	Short: "Check every address in a CSV or XLSX file, printing JSON lines",
	Long: "Reads address[,country] rows, or a header row naming address, country, lat and lon. " +
		"Addresses without coordinates are geocoded together with bounded concurrency.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("check"); err != nil {
			return err
		}
		ctx := cmd.Context()

		reqs, err := tabular.LoadAddresses(ctx, args[0])
		if err != nil {
			return err
		}
		if len(reqs) == 0 {
			return eris.Errorf("no addresses found in %s", args[0])
		}
		noLog, _ := cmd.Flags().GetBool("no-log")

		svc, cleanup, err := newCheckService(ctx, !noLog)
		if err != nil {
			return err
		}
		defer cleanup()

		results, err := svc.CheckBatch(ctx, reqs, !noLog)
		if err != nil {
			return err
		}
		return writeBatchResults(os.Stdout, reqs, results)
	},
}

func checkRequestFromFlags(cmd *cobra.Command, args []string) (model.CheckRequest, error) {
	req := model.CheckRequest{Address: model.NormalizeAddress(strings.Join(args, " "))}
	if country, _ := cmd.Flags().GetString("country"); country != "" {
		req.Country = model.Ptr(country)
	}
	latSet, lonSet := cmd.Flags().Changed("lat"), cmd.Flags().Changed("lon")
	if latSet != lonSet {
		return req, eris.New("--lat and --lon must be given together")
	}
	if latSet {
		lat, _ := cmd.Flags().GetFloat64("lat")
		lon, _ := cmd.Flags().GetFloat64("lon")
		if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
			return req, eris.New("--lat must be within [-90, 90] and --lon within [-180, 180]")
		}
		req.Lat, req.Lon = &lat, &lon
	}
	return req, nil
}

// newCheckService wires a checker for CLI use. The store is opened only when
// results are persisted.
func newCheckService(ctx context.Context, persist bool) (*checker.Service, func(), error) {
	var (
		st       store.Store
		closers  []func()
		finished bool
	)
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	defer func() {
		if !finished {
			cleanup()
		}
	}()

	if persist {
		s, err := initStore(ctx, cfg.Store)
		if err != nil {
			return nil, nil, err
		}
		st = s
		closers = append(closers, func() { s.Close() }) //nolint:errcheck
	}

	set, err := initLayers(ctx, cfg.Data)
	if err != nil {
		return nil, nil, err
	}

	geo, release, err := initGeocoder(ctx, cfg.Geocoder, cfg.Cache)
	if err != nil {
		return nil, nil, err
	}
	closers = append(closers, release)

	var client geocode.Client
	if geo != nil {
		client = geo
	}

	finished = true
	return checker.NewService(set, st, checker.WithGeocoder(client)), cleanup, nil
}

func writeIndentedJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(v), "write json")
}

// batchLine is one JSON line of `check batch` output.
type batchLine struct {
	Row     int                `json:"row"`
	Address string             `json:"address"`
	Result  *model.CheckResult `json:"result,omitempty"`
	Error   string             `json:"error,omitempty"`
}

func writeBatchResults(w io.Writer, reqs []model.CheckRequest, results []checker.BatchResult) error {
	enc := json.NewEncoder(w)
	for _, r := range results {
		line := batchLine{Row: r.Index + 1, Address: reqs[r.Index].Address, Result: r.Result}
		if r.Err != nil {
			line.Error = r.Err.Error()
		}
		if err := enc.Encode(line); err != nil {
			return eris.Wrap(err, "write batch result")
		}
	}
	return nil
}

func init() {
	checkCmd.Flags().String("country", "", "country appended to the geocoder query")
	checkCmd.Flags().Float64("lat", 0, "latitude; skips geocoding when given with --lon")
	checkCmd.Flags().Float64("lon", 0, "longitude; skips geocoding when given with --lat")
	checkCmd.Flags().Bool("no-log", false, "do not write the check to the audit log")

	checkBatchCmd.Flags().Bool("no-log", false, "do not write checks to the audit log")

	checkCmd.AddCommand(checkBatchCmd)
	rootCmd.AddCommand(checkCmd)
}
