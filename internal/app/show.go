package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"market-resolver/internal/storage"
)

// Show prints recent transaction attempts.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show attempts")
	}
	if closeStore != nil {
		defer closeStore()
	}

	attempts, err := store.ListRecentAttempts(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(attempts) == 0 {
		fmt.Fprintln(os.Stdout, "no attempts found")
		return nil
	}
	renderAttempts(os.Stdout, attempts)
	return nil
}

func renderAttempts(w io.Writer, attempts []storage.Attempt) {
	table := tablewriter.NewWriter(w)
	table.Header("Time (UTC)", "Item", "Action", "Result", "Outcome", "Conf", "Oracle", "Tx", "Detail")

	for _, at := range attempts {
		outcome := ""
		if at.Outcome != nil {
			outcome = fmt.Sprintf("%d", *at.Outcome)
		}
		confidence := ""
		if at.Confidence != nil {
			confidence = at.Confidence.StringFixed(1)
		}
		table.Append(
			at.CreatedAt.UTC().Format(time.RFC3339),
			fmt.Sprintf("%s %s-%d", at.Kind, at.Token, at.ItemID),
			at.Action,
			at.Result,
			outcome,
			confidence,
			deref(at.OracleSource),
			shortHash(deref(at.TxHash)),
			sanitizeInline(truncateInline(deref(at.Detail), 60)),
		)
	}
	table.Render()
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func shortHash(h string) string {
	if len(h) <= 14 {
		return h
	}
	return h[:10] + "…" + h[len(h)-4:]
}

func truncateInline(v string, max int) string {
	r := []rune(v)
	if len(r) <= max {
		return v
	}
	return string(r[:max]) + "…"
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
