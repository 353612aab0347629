package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/otterhound/internal/drift"
	"github.com/ppiankov/otterhound/internal/history"
	"github.com/ppiankov/otterhound/internal/monitor"
	"github.com/ppiankov/otterhound/internal/target"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect scans recorded with --history",
	Long: `List, show and compare scans stored in a history database.

Scans are recorded by "otterhound scan --history <file>". Each scan is
compared against the previous one when it is saved.`,
	Example: `  otterhound history list --db scans.db
  otterhound history show 5f0c... --db scans.db -o json
  otterhound history diff <old-id> <new-id> --db scans.db
  otterhound history trend 10.0.0.1:443 --db scans.db`,
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded scans, newest first",
	Args:  cobra.NoArgs,
	RunE:  runHistoryList,
}

var historyShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a recorded scan",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryShow,
}

var historyDiffCmd = &cobra.Command{
	Use:   "diff <old-id> <new-id>",
	Short: "Show what changed between two recorded scans",
	Args:  cobra.ExactArgs(2),
	RunE:  runHistoryDiff,
}

var historyTrendCmd = &cobra.Command{
	Use:   "trend <host:port>",
	Short: "Show one target across recorded scans",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryTrend,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyListCmd, historyShowCmd, historyDiffCmd, historyTrendCmd)
	historyCmd.PersistentFlags().String("db", "otterhound.db", "Path to the history database")
	historyListCmd.Flags().Int("limit", 20, "Maximum scans to list")
	historyTrendCmd.Flags().Int("limit", 20, "Maximum observations to show")
	historyShowCmd.Flags().StringP("output", "o", "table", "Output format: table, json, csv, html")
}

func openHistory(cmd *cobra.Command) (*history.Store, error) {
	path, _ := cmd.Flags().GetString("db") //nolint:errcheck // flag registered above
	hs, err := history.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening history: %w", err)
	}
	return hs, nil
}

func runHistoryList(cmd *cobra.Command, _ []string) error {
	hs, err := openHistory(cmd)
	if err != nil {
		return err
	}
	defer hs.Close() //nolint:errcheck // read-only

	limit, _ := cmd.Flags().GetInt("limit") //nolint:errcheck // flag registered above
	scans, err := hs.List(limit)
	if err != nil {
		return err
	}
	printScanList(cmd.OutOrStdout(), scans)
	return nil
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("output") //nolint:errcheck // flag registered above
	if format == "tui" || !validFormat(format) {
		return fmt.Errorf("invalid --output value %q: must be table, json, csv or html", format)
	}

	hs, err := openHistory(cmd)
	if err != nil {
		return err
	}
	defer hs.Close() //nolint:errcheck // read-only

	rep, err := hs.Get(args[0])
	if err != nil {
		return err
	}
	return writeReport(cmd.OutOrStdout(), format, rep, monitor.ExitCode(rep))
}

func runHistoryDiff(cmd *cobra.Command, args []string) error {
	hs, err := openHistory(cmd)
	if err != nil {
		return err
	}
	defer hs.Close() //nolint:errcheck // read-only

	prev, err := hs.Get(args[0])
	if err != nil {
		return err
	}
	curr, err := hs.Get(args[1])
	if err != nil {
		return err
	}
	printChanges(cmd.OutOrStdout(), drift.Compare(prev, curr))
	return nil
}

func runHistoryTrend(cmd *cobra.Command, args []string) error {
	host, port, err := target.ParseKey(args[0])
	if err != nil {
		return err
	}

	hs, err := openHistory(cmd)
	if err != nil {
		return err
	}
	defer hs.Close() //nolint:errcheck // read-only

	limit, _ := cmd.Flags().GetInt("limit") //nolint:errcheck // flag registered above
	points, err := hs.Trend(host, port, limit)
	if err != nil {
		return err
	}
	printTrend(cmd.OutOrStdout(), points)
	return nil
}

func printScanList(w io.Writer, scans []history.ScanSummary) {
	if len(scans) == 0 {
		fmt.Fprintln(w, "No scans recorded.") //nolint:errcheck // best-effort output
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tDURATION\tTARGETS\tOPEN\tCLOSED\tFILTERED\tERROR\tINCOMPLETE\tINVALID") //nolint:errcheck // best-effort output
	for i := range scans {
		s := &scans[i]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n", //nolint:errcheck // best-effort output
			s.ID, s.StartedAt.Local().Format(time.DateTime), s.Duration.Round(time.Millisecond),
			s.Targets, s.Open, s.Closed, s.Filtered, s.Errors, s.Incomplete, s.Invalid)
	}
	tw.Flush() //nolint:errcheck // best-effort output
}

func printChanges(w io.Writer, changes []drift.Change) {
	if len(changes) == 0 {
		fmt.Fprintln(w, "No changes.") //nolint:errcheck // best-effort output
		return
	}
	for _, c := range changes {
		fmt.Fprintln(w, c.String()) //nolint:errcheck // best-effort output
	}
}

func printTrend(w io.Writer, points []history.TrendPoint) {
	if len(points) == 0 {
		fmt.Fprintln(w, "No observations.") //nolint:errcheck // best-effort output
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SCAN\tSTARTED\tSTATUS\tLATENCY\tTLS\tLEAF") //nolint:errcheck // best-effort output
	for i := range points {
		p := &points[i]
		leaf := p.LeafFingerprint
		if len(leaf) > 16 {
			leaf = leaf[:16]
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", //nolint:errcheck // best-effort output
			p.ScanID, p.StartedAt.Local().Format(time.DateTime), p.Status,
			p.Latency.Round(time.Millisecond), dash(p.TLSVersion), dash(leaf))
	}
	tw.Flush() //nolint:errcheck // best-effort output
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
