package service

import (
	"time"

	"market-resolver/internal/alerting"
	"market-resolver/internal/dispute"
	"market-resolver/internal/resolver"
)

// CycleReport is the outcome of one cycle.
type CycleReport struct {
	CycleID   string
	Kind      string
	StartedAt time.Time
	Duration  time.Duration
	DryRun    bool
	// Skipped is set when another process held the advisory lock.
	Skipped  bool
	Markets  []resolver.Result
	Disputes []dispute.Item
	Errors   []string
}

// ResolvedCount counts markets resolved on chain during the cycle.
func (r CycleReport) ResolvedCount() int {
	n := 0
	for _, res := range r.Markets {
		if res.Resolved() {
			n++
		}
	}
	return n
}

// FinalizedCount counts disputes finalized during the cycle.
func (r CycleReport) FinalizedCount() int {
	n := 0
	for _, item := range r.Disputes {
		if item.Status == dispute.StatusFinalized {
			n++
		}
	}
	return n
}

// Lines renders every market and dispute status line in processing order.
func (r CycleReport) Lines() []string {
	lines := make([]string, 0, len(r.Markets)+len(r.Disputes))
	for _, res := range r.Markets {
		lines = append(lines, res.String())
	}
	for _, item := range r.Disputes {
		lines = append(lines, item.String())
	}
	return lines
}

// Notification builds the operator summary of the cycle.
func (r CycleReport) Notification() alerting.Notification {
	note := alerting.Notification{
		CycleID:   r.CycleID,
		StartedAt: r.StartedAt,
		Duration:  r.Duration,
		DryRun:    r.DryRun,
		Failures:  len(r.Errors),
	}
	for _, res := range r.Markets {
		switch res.Status {
		case resolver.StatusFullyResolved, resolver.StatusDryRun:
			note.Resolved = append(note.Resolved, res.String())
		case resolver.StatusError:
			if !res.Missing() {
				note.Failures++
			}
		case resolver.StatusOnChainFailed:
			note.Failures++
		}
	}
	for _, item := range r.Disputes {
		switch item.Status {
		case dispute.StatusFinalized, dispute.StatusDryRun:
			note.Finalized = append(note.Finalized, item.String())
		case dispute.StatusError:
			note.Failures++
		}
	}
	return note
}
