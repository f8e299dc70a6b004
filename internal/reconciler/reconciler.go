// Package reconciler runs the background audit consistency sweep.
// It runs as a goroutine inside questd on a cron schedule, cross-checking
// every challenge against its audit history. A challenge whose version or
// state cannot be accounted for by its trail gets a reconcile entry appended;
// the trail is append-only, so discrepancies are flagged, never rewritten.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/questline-hq/questline/platform/internal/domain"
	"github.com/questline-hq/questline/platform/internal/lifecycle"
)

// reconcilerActor is the actor recorded on reconcile entries.
const reconcilerActor = "system:reconciler"

// ChallengeSource lists challenges for the sweep.
// Implemented by the postgres challenge store.
type ChallengeSource interface {
	ListChallenges(ctx context.Context, filter lifecycle.ListFilter) ([]domain.Challenge, error)
}

// AuditTrail reads and extends per-challenge audit history.
// Implemented by the postgres audit store.
type AuditTrail interface {
	ListFor(ctx context.Context, challengeID int64) ([]domain.AuditEntry, error)
	Append(ctx context.Context, entry *domain.AuditEntry) error
}

// Stats summarizes one sweep.
type Stats struct {
	Scanned int // challenges examined
	Flagged int // reconcile entries appended
	Errors  int // challenges skipped due to read/write errors
}

// Reconciler periodically sweeps all challenges for audit gaps.
type Reconciler struct {
	challenges ChallengeSource
	audit      AuditTrail
	schedule   cron.Schedule
	cancel     context.CancelFunc
	done       chan struct{}
}

// New creates a Reconciler firing on the given cron expression
// (standard 5-field syntax).
func New(challenges ChallengeSource, audit AuditTrail, cronExpr string) (*Reconciler, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("parse reconciler schedule %q: %w", cronExpr, err)
	}
	return &Reconciler{
		challenges: challenges,
		audit:      audit,
		schedule:   schedule,
	}, nil
}

// Start begins the background sweep goroutine.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		for {
			next := r.schedule.Next(time.Now())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				stats := r.Sweep(ctx)
				slog.Info("reconciler: sweep complete",
					"scanned", stats.Scanned, "flagged", stats.Flagged, "errors", stats.Errors)
			}
		}
	}()
}

// Stop cancels the background goroutine and waits for it to finish.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.done != nil {
		<-r.done
	}
}

// Sweep examines every challenge once. Failures on individual challenges are
// counted and skipped so one bad row cannot stall the rest of the sweep.
func (r *Reconciler) Sweep(ctx context.Context) Stats {
	var stats Stats

	challenges, err := r.challenges.ListChallenges(ctx, lifecycle.ListFilter{})
	if err != nil {
		slog.Error("reconciler: failed to list challenges", "error", err)
		stats.Errors++
		return stats
	}

	for i := range challenges {
		ch := &challenges[i]
		stats.Scanned++

		entries, err := r.audit.ListFor(ctx, ch.ID)
		if err != nil {
			slog.Error("reconciler: failed to read audit trail", "challenge_id", ch.ID, "error", err)
			stats.Errors++
			continue
		}

		detail := diagnose(ch, entries)
		if detail == "" {
			continue
		}

		// Don't re-flag a discrepancy already recorded by the last sweep.
		if last := lastEntry(entries); last != nil &&
			last.Action == domain.AuditReconcile && last.Detail == detail {
			continue
		}

		entry := &domain.AuditEntry{
			ChallengeID: ch.ID,
			Actor:       reconcilerActor,
			Action:      domain.AuditReconcile,
			ToState:     domain.StatePtr(ch.State),
			Detail:      detail,
		}
		if err := r.audit.Append(ctx, entry); err != nil {
			slog.Error("reconciler: failed to append reconcile entry", "challenge_id", ch.ID, "error", err)
			stats.Errors++
			continue
		}

		stats.Flagged++
		slog.Warn("reconciler: flagged audit gap",
			"challenge_id", ch.ID, "code", ch.Code, "detail", detail)
	}

	return stats
}

// diagnose reports the first discrepancy between a challenge and its trail,
// or "" when the history accounts for the current row.
//
// Invariants checked, in order:
//   - every challenge has a create entry
//   - every version bump has an update or transition entry (create is
//     version 0, validate does not bump)
//   - the latest transition entry's to_state matches the current state, or
//     the state is still draft when no transition was ever recorded
func diagnose(ch *domain.Challenge, entries []domain.AuditEntry) string {
	var (
		hasCreate      bool
		bumps          int64
		lastTransition *domain.AuditEntry
	)
	for i := range entries {
		e := &entries[i]
		switch e.Action {
		case domain.AuditCreate:
			hasCreate = true
		case domain.AuditUpdate:
			bumps++
		case domain.AuditTransition:
			bumps++
			lastTransition = e
		}
	}

	if !hasCreate {
		return "no create entry on record"
	}
	if bumps < ch.Version {
		return fmt.Sprintf("version %d exceeds recorded mutations (%d)", ch.Version, bumps)
	}
	if lastTransition == nil {
		if ch.State != domain.StateDraft {
			return fmt.Sprintf("state %s with no transition on record", ch.State)
		}
		return ""
	}
	if lastTransition.ToState == nil || *lastTransition.ToState != ch.State {
		return fmt.Sprintf("state %s does not match last recorded transition", ch.State)
	}
	return ""
}

// lastEntry returns the newest entry, assuming commit order.
func lastEntry(entries []domain.AuditEntry) *domain.AuditEntry {
	if len(entries) == 0 {
		return nil
	}
	return &entries[len(entries)-1]
}
