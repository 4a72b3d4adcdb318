package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/municipality-check/internal/model"
	"github.com/sells-group/municipality-check/internal/store"
	"github.com/sells-group/municipality-check/internal/tabular"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent checks from the audit log",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("store"); err != nil {
			return err
		}
		ctx := cmd.Context()

		st, err := initStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		limit, _ := cmd.Flags().GetInt("limit")
		export, _ := cmd.Flags().GetString("export")
		asJSON, _ := cmd.Flags().GetBool("json")

		rows, err := st.ListChecks(ctx, store.ClampLimit(limit))
		if err != nil {
			return eris.Wrap(err, "history")
		}

		switch {
		case export != "":
			if err := exportHistory(export, rows); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Exported %d checks to %s\n", len(rows), export)
			return nil
		case asJSON:
			return writeIndentedJSON(os.Stdout, rows)
		case len(rows) == 0:
			fmt.Fprintln(os.Stderr, "No checks found.")
			return nil
		default:
			formatHistory(os.Stdout, rows)
			return nil
		}
	},
}

// exportHistory writes rows to path as CSV or XLSX, chosen by extension.
func exportHistory(path string, rows []model.CheckLog) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return tabular.WriteHistoryXLSX(path, rows)
	case ".csv":
		f, err := os.Create(path)
		if err != nil {
			return eris.Wrapf(err, "create %s", path)
		}
		if err := tabular.WriteHistoryCSV(f, rows); err != nil {
			f.Close() //nolint:errcheck
			return err
		}
		return eris.Wrapf(f.Close(), "close %s", path)
	default:
		return eris.Errorf("unsupported export type %q (use .csv or .xlsx)", filepath.Ext(path))
	}
}

func orDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

func formatHistory(w io.Writer, rows []model.CheckLog) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tOK\tMUNICIPALITY\tNSC\tMPR\tCONF\tADDRESS")
	for _, r := range rows {
		ok := "no"
		if r.OK {
			ok = "yes"
		}
		addr := r.InputAddress
		if len(addr) > 48 {
			addr = addr[:45] + "..."
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%.2f\t%s\n",
			r.ID,
			r.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
			ok,
			orDash(r.Municipality),
			orDash(r.NSCRegion),
			orDash(r.MPRRegion),
			r.Confidence,
			addr,
		)
	}
	tw.Flush() //nolint:errcheck
}

func init() {
	historyCmd.Flags().Int("limit", store.DefaultHistoryLimit, "number of rows (1-500)")
	historyCmd.Flags().String("export", "", "write rows to a .csv or .xlsx file instead of printing")
	historyCmd.Flags().Bool("json", false, "print rows as JSON")
	rootCmd.AddCommand(historyCmd)
}
