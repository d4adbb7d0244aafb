package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/advance-engine/engine"
)

// =============================================================================
// BATCH RUN
// =============================================================================

func init() {
	rootCmd.AddCommand(batchCmd)
	batchCmd.AddCommand(batchRunCmd)
	batchCmd.AddCommand(batchSLACmd)

	batchRunCmd.Flags().String("date", "", "Target date YYYY-MM-DD (default: today, UTC)")
	batchSLACmd.Flags().String("as-of", "", "Check time RFC3339 (default: now)")
}

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Run reconciliation jobs once and exit",
}

var batchRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Process due payrolls, refresh balances and monthly metrics",
	Long: `Run the daily batch for one date. Payrolls due on or before the date are
processed, every driver's balance row is refreshed (inactive drivers
included) and the month's metrics are recomputed. Running the same date twice changes nothing.
Exits non-zero when any payroll or driver step failed.`,
	Args: cobra.NoArgs,
	RunE: runBatchRun,
}

func runBatchRun(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	date := engine.ToDateOnly(engine.SystemClock())
	if s, _ := cmd.Flags().GetString("date"); s != "" {
		if date, err = engine.ParseDate(s); err != nil {
			return fmt.Errorf("invalid --date %q: %w", s, err)
		}
	}

	report, err := a.handler.Batch.Run(cmd.Context(), date)
	if err != nil {
		return err
	}
	if err := printJSON(report); err != nil {
		return err
	}
	if n := report.Failures(); n > 0 {
		return fmt.Errorf("%d batch steps failed", n)
	}
	return nil
}

// =============================================================================
// BATCH SLA
// =============================================================================

var batchSLACmd = &cobra.Command{
	Use:   "sla",
	Short: "Escalate advances waiting too long for approval or payout",
	Args:  cobra.NoArgs,
	RunE:  runBatchSLA,
}

func runBatchSLA(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	asOf := engine.SystemClock()
	if s, _ := cmd.Flags().GetString("as-of"); s != "" {
		if asOf, err = time.Parse(time.RFC3339, s); err != nil {
			return fmt.Errorf("invalid --as-of %q: %w", s, err)
		}
	}

	report, err := a.handler.SLA.Check(cmd.Context(), asOf)
	if err != nil {
		return err
	}
	return printJSON(report)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
