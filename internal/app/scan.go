package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"market-resolver/internal/service"
)

// Scan runs exactly one cycle and prints the per-item status lines. It is the
// entry point for external cron schedulers.
func (a *App) Scan(ctx context.Context, opts ScanOptions) error {
	c, err := a.build(ctx, true)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := a.checkSigner(ctx, c); err != nil {
		return err
	}

	svc := a.newService(c)
	var report service.CycleReport
	switch {
	case opts.MarketsOnly:
		report, err = svc.RunScanCycle(ctx)
	case opts.DisputesOnly:
		report, err = svc.RunDisputeCycle(ctx)
	default:
		report, err = svc.RunCycle(ctx)
	}
	printReport(os.Stdout, report)
	return err
}

func printReport(w io.Writer, report service.CycleReport) {
	if report.Skipped {
		fmt.Fprintf(w, "cycle %s skipped: another resolver holds the lock\n", report.CycleID)
		return
	}
	for _, line := range report.Lines() {
		fmt.Fprintln(w, line)
	}
	for _, e := range report.Errors {
		fmt.Fprintf(w, "error: %s\n", e)
	}
	fmt.Fprintf(w, "cycle %s: %d markets (%d resolved), %d disputes (%d finalized) in %s\n",
		report.CycleID,
		len(report.Markets), report.ResolvedCount(),
		len(report.Disputes), report.FinalizedCount(),
		report.Duration.Round(time.Millisecond),
	)
}
