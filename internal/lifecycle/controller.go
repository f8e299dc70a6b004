// Package lifecycle owns the challenge promotion state machine.
//
// The controller validates preconditions, re-derives automated checks at
// commit time, and hands the storage layer a mutation plus its audit entry so
// both commit atomically. It never retries on its own: a version conflict is
// the caller's signal to re-read and retry, keeping every retry decision on
// fresh data.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/questline-hq/questline/platform/internal/domain"
	"github.com/questline-hq/questline/platform/internal/validation"
)

// ConfigStore is the durable challenge storage the controller drives.
// Implemented by the postgres store (production) and memory store (tests).
//
// Mutating methods take the audit entry for the mutation and must commit both
// in one atomic unit: a challenge write without its audit entry (or the
// reverse) must never become visible. Version-checked methods return
// domain.ErrConflict when expectedVersion no longer matches the row, which is
// how two racing writers resolve to exactly one winner.
type ConfigStore interface {
	// GetChallenge returns the challenge with tiers and validation record,
	// or (nil, nil) when no such challenge exists.
	GetChallenge(ctx context.Context, id int64) (*domain.Challenge, error)

	// ListChallenges and CountChallenges back the admin list view.
	ListChallenges(ctx context.Context, filter ListFilter) ([]domain.Challenge, error)
	CountChallenges(ctx context.Context, filter ListFilter) (int, error)

	// ListOtherCodes returns the codes of every challenge except excludeID,
	// for the uniqueness check. excludeID 0 excludes nothing.
	ListOtherCodes(ctx context.Context, excludeID int64) ([]string, error)

	// CreateChallenge persists a new challenge (with tiers) and its create
	// audit entry. Fills ID, CreatedAt, UpdatedAt on ch. Returns
	// domain.ErrAlreadyExists when the code is taken.
	CreateChallenge(ctx context.Context, ch *domain.Challenge, entry *domain.AuditEntry) error

	// UpdateChallenge replaces the mutable fields and the tier list, bumps
	// the version, and appends the update audit entry, iff the stored
	// version still equals expectedVersion. Returns the updated challenge.
	UpdateChallenge(ctx context.Context, ch *domain.Challenge, expectedVersion int64, entry *domain.AuditEntry) (*domain.Challenge, error)

	// SaveValidation upserts the challenge's validation record and appends
	// the validate audit entry atomically.
	SaveValidation(ctx context.Context, rec *domain.ValidationRecord, entry *domain.AuditEntry) error

	// Transition sets the state and bumps the version iff the stored version
	// still equals expectedVersion, appending the transition audit entry in
	// the same commit. Returns the new version.
	Transition(ctx context.Context, id, expectedVersion int64, from, to domain.ChallengeState, entry *domain.AuditEntry) (int64, error)
}

// AuditLog reads the append-only per-challenge history. Writes happen inside
// ConfigStore commits; the read side is the only standalone operation.
type AuditLog interface {
	// ListFor returns all entries for a challenge ordered by creation time
	// ascending (commit order).
	ListFor(ctx context.Context, challengeID int64) ([]domain.AuditEntry, error)
}

// ListFilter holds optional filters for listing challenges.
// Limit and Offset enable SQL-level pagination. Zero Limit means no limit.
type ListFilter struct {
	State    string
	Category string
	Type     string
	Limit    int
	Offset   int
}

// TransitionResult is what a successful transition returns to the caller.
type TransitionResult struct {
	State   domain.ChallengeState `json:"state"`
	Version int64                 `json:"version"`
}

// Controller orchestrates challenge edits, validation runs, and state
// transitions over a ConfigStore.
type Controller struct {
	store ConfigStore
	audit AuditLog
	now   func() time.Time

	// decisionLog, when non-nil, receives one line per gate evaluation
	// with the full check breakdown. Off in normal operation; wired from
	// the debug.verbose_decision_logging config knob.
	decisionLog *slog.Logger
}

// New creates a Controller over the given store and audit log.
func New(store ConfigStore, audit AuditLog) *Controller {
	return &Controller{store: store, audit: audit, now: time.Now}
}

// SetDecisionLogger enables verbose gate-decision logging to the given
// logger. Pass nil to disable.
func (c *Controller) SetDecisionLogger(l *slog.Logger) {
	c.decisionLog = l
}

// CreateRequest holds the initial fields for a new challenge.
type CreateRequest struct {
	Code             string
	Name             string
	Category         string
	Type             domain.ChallengeType
	ShortDescription string
	LongDescription  string

	MetricType        domain.MetricType
	MetricSource      domain.MetricSource
	MetricKey         string
	MetricAggregation domain.MetricAggregation
	MetricFilters     map[string]string

	TieringMode    domain.TieringMode
	TierConfig     map[string]string
	IsClusterBased bool

	IsTestOnly  bool
	IsVisibleFe bool
	IsActive    bool
	SortOrder   int

	Tiers []domain.ChallengeTier
}

// Create persists a new challenge in draft at version 0 with a create audit
// entry. The code must be unique; the configuration may be incomplete (the
// validation engine scores it later) but tier invariants and config-map
// schemas are enforced so a structurally broken record is never stored.
func (c *Controller) Create(ctx context.Context, req CreateRequest, actor string) (*domain.Challenge, error) {
	if req.Code == "" {
		return nil, &domain.ValidationError{Reason: "code is required"}
	}
	if !domain.ValidChallengeType(string(req.Type)) {
		return nil, &domain.ValidationError{Reason: "unknown challenge type " + string(req.Type)}
	}
	if err := validation.ValidateTiers(req.Tiers); err != nil {
		return nil, err
	}
	if err := validation.ValidateMetricFilters(req.MetricSource, req.MetricFilters); err != nil {
		return nil, err
	}
	if err := validation.ValidateTierConfig(req.TieringMode, req.TierConfig); err != nil {
		return nil, err
	}

	ch := &domain.Challenge{
		Code:              req.Code,
		Name:              req.Name,
		Category:          req.Category,
		Type:              req.Type,
		ShortDescription:  req.ShortDescription,
		LongDescription:   req.LongDescription,
		MetricType:        req.MetricType,
		MetricSource:      req.MetricSource,
		MetricKey:         req.MetricKey,
		MetricAggregation: req.MetricAggregation,
		MetricFilters:     req.MetricFilters,
		TieringMode:       req.TieringMode,
		TierConfig:        req.TierConfig,
		IsClusterBased:    req.IsClusterBased,
		IsTestOnly:        req.IsTestOnly,
		IsVisibleFe:       req.IsVisibleFe,
		IsActive:          req.IsActive,
		SortOrder:         req.SortOrder,
		State:             domain.StateDraft,
		Version:           0,
		CreatedBy:         actor,
		UpdatedBy:         actor,
		Tiers:             req.Tiers,
	}

	entry := &domain.AuditEntry{
		Actor:     actor,
		Action:    domain.AuditCreate,
		ToState:   domain.StatePtr(domain.StateDraft),
		CreatedAt: c.now(),
	}
	if err := c.store.CreateChallenge(ctx, ch, entry); err != nil {
		return nil, err
	}
	return ch, nil
}

// Get returns a challenge by id, or domain.ErrNotFound.
func (c *Controller) Get(ctx context.Context, id int64) (*domain.Challenge, error) {
	ch, err := c.store.GetChallenge(ctx, id)
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, domain.ErrNotFound
	}
	return ch, nil
}

// List returns challenges matching the filter plus the unpaginated total.
func (c *Controller) List(ctx context.Context, filter ListFilter) ([]domain.Challenge, int, error) {
	challenges, err := c.store.ListChallenges(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	total, err := c.store.CountChallenges(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	return challenges, total, nil
}

// EditPatch holds the optional field updates for a challenge edit. Nil fields
// are left untouched. Code and state are deliberately absent: code is
// immutable and state only moves through RequestTransition.
type EditPatch struct {
	Name             *string
	Category         *string
	Type             *domain.ChallengeType
	ShortDescription *string
	LongDescription  *string

	MetricType        *domain.MetricType
	MetricSource      *domain.MetricSource
	MetricKey         *string
	MetricAggregation *domain.MetricAggregation
	MetricFilters     *map[string]string

	TieringMode    *domain.TieringMode
	TierConfig     *map[string]string
	IsClusterBased *bool

	IsTestOnly  *bool
	IsVisibleFe *bool
	IsActive    *bool
	SortOrder   *int

	// Tiers replaces the whole tier list as one atomic sub-edit.
	Tiers *[]domain.ChallengeTier
}

// ApplyEdit applies a patch to a challenge in draft or validated state,
// bumping the version and appending one update audit entry. Editing a
// validated challenge does not revert it to draft; re-validation stays an
// explicit, separate step.
func (c *Controller) ApplyEdit(ctx context.Context, id int64, patch EditPatch, actor string, expectedVersion int64) (*domain.Challenge, error) {
	ch, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ch.State.Editable() {
		return nil, fmt.Errorf("state %s: %w", ch.State, domain.ErrIllegalInCurrentState)
	}
	if ch.Version != expectedVersion {
		return nil, fmt.Errorf("expected version %d, have %d: %w", expectedVersion, ch.Version, domain.ErrConflict)
	}

	changed := applyPatch(ch, patch)

	if patch.Type != nil && !domain.ValidChallengeType(string(*patch.Type)) {
		return nil, &domain.ValidationError{Reason: "unknown challenge type " + string(*patch.Type)}
	}
	if patch.Tiers != nil {
		if err := validation.ValidateTiers(ch.Tiers); err != nil {
			return nil, err
		}
	}
	if err := validation.ValidateMetricFilters(ch.MetricSource, ch.MetricFilters); err != nil {
		return nil, err
	}
	if err := validation.ValidateTierConfig(ch.TieringMode, ch.TierConfig); err != nil {
		return nil, err
	}

	ch.UpdatedBy = actor
	detail := "no fields changed"
	if len(changed) > 0 {
		detail = "fields: " + strings.Join(changed, ", ")
	}
	entry := &domain.AuditEntry{
		ChallengeID: id,
		Actor:       actor,
		Action:      domain.AuditUpdate,
		Detail:      detail,
		CreatedAt:   c.now(),
	}
	updated, err := c.store.UpdateChallenge(ctx, ch, expectedVersion, entry)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// applyPatch copies the set fields of patch onto ch and returns the names of
// the fields that were patched.
func applyPatch(ch *domain.Challenge, patch EditPatch) []string {
	var changed []string
	set := func(name string, apply func()) {
		apply()
		changed = append(changed, name)
	}

	if patch.Name != nil {
		set("name", func() { ch.Name = *patch.Name })
	}
	if patch.Category != nil {
		set("category", func() { ch.Category = *patch.Category })
	}
	if patch.Type != nil {
		set("type", func() { ch.Type = *patch.Type })
	}
	if patch.ShortDescription != nil {
		set("short_description", func() { ch.ShortDescription = *patch.ShortDescription })
	}
	if patch.LongDescription != nil {
		set("long_description", func() { ch.LongDescription = *patch.LongDescription })
	}
	if patch.MetricType != nil {
		set("metric_type", func() { ch.MetricType = *patch.MetricType })
	}
	if patch.MetricSource != nil {
		set("metric_source", func() { ch.MetricSource = *patch.MetricSource })
	}
	if patch.MetricKey != nil {
		set("metric_key", func() { ch.MetricKey = *patch.MetricKey })
	}
	if patch.MetricAggregation != nil {
		set("metric_aggregation", func() { ch.MetricAggregation = *patch.MetricAggregation })
	}
	if patch.MetricFilters != nil {
		set("metric_filters", func() { ch.MetricFilters = *patch.MetricFilters })
	}
	if patch.TieringMode != nil {
		set("tiering_mode", func() { ch.TieringMode = *patch.TieringMode })
	}
	if patch.TierConfig != nil {
		set("tier_config", func() { ch.TierConfig = *patch.TierConfig })
	}
	if patch.IsClusterBased != nil {
		set("is_cluster_based", func() { ch.IsClusterBased = *patch.IsClusterBased })
	}
	if patch.IsTestOnly != nil {
		set("is_test_only", func() { ch.IsTestOnly = *patch.IsTestOnly })
	}
	if patch.IsVisibleFe != nil {
		set("is_visible_fe", func() { ch.IsVisibleFe = *patch.IsVisibleFe })
	}
	if patch.IsActive != nil {
		set("is_active", func() { ch.IsActive = *patch.IsActive })
	}
	if patch.SortOrder != nil {
		set("sort_order", func() { ch.SortOrder = *patch.SortOrder })
	}
	if patch.Tiers != nil {
		set("tiers", func() { ch.Tiers = *patch.Tiers })
	}
	return changed
}

// RunValidation recomputes the automated checks from the current persisted
// configuration, merges in the operator-attested manual checks, and persists
// both as the challenge's validation record stamped at commit time. Identical
// configuration always yields identical auto checks.
func (c *Controller) RunValidation(ctx context.Context, id int64, manual domain.ManualChecks, actor string) (*domain.ValidationRecord, error) {
	ch, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ch.State.Terminal() {
		return nil, fmt.Errorf("state %s: %w", ch.State, domain.ErrIllegalInCurrentState)
	}

	codes, err := c.store.ListOtherCodes(ctx, id)
	if err != nil {
		return nil, err
	}

	rec := &domain.ValidationRecord{
		ChallengeID:  id,
		AutoChecks:   validation.ComputeAutoChecks(ch, codes),
		ManualChecks: manual,
		LastRunAt:    c.now(),
		LastRunBy:    actor,
	}
	entry := &domain.AuditEntry{
		ChallengeID: id,
		Actor:       actor,
		Action:      domain.AuditValidate,
		Detail:      validationDetail(rec),
		CreatedAt:   c.now(),
	}
	if err := c.store.SaveValidation(ctx, rec, entry); err != nil {
		return nil, err
	}
	return rec, nil
}

// validationDetail summarizes a validation run for its audit entry.
func validationDetail(rec *domain.ValidationRecord) string {
	failed := append(rec.AutoChecks.Failed(), rec.ManualChecks.Failed()...)
	if len(failed) == 0 {
		return "all checks passed"
	}
	return "failing: " + strings.Join(failed, ", ")
}

// RequestTransition moves a challenge along one edge of the state machine.
//
// The gating predicate is re-evaluated against the current persisted
// configuration and validation record at the moment of transition; check
// values carried by the request are never trusted, because the caller's view
// may be stale. The version guard gives at-most-one-effective-transition-per-
// version: of two racers reading the same version, exactly one commits.
func (c *Controller) RequestTransition(ctx context.Context, id int64, target domain.ChallengeState, actor string, expectedVersion int64) (*TransitionResult, error) {
	ch, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ch.Version != expectedVersion {
		return nil, fmt.Errorf("expected version %d, have %d: %w", expectedVersion, ch.Version, domain.ErrConflict)
	}
	if !domain.CanTransition(ch.State, target) {
		return nil, fmt.Errorf("%s -> %s: %w", ch.State, target, domain.ErrIllegalTransition)
	}

	if err := c.checkGate(ctx, ch, target); err != nil {
		return nil, err
	}

	entry := &domain.AuditEntry{
		ChallengeID: id,
		Actor:       actor,
		Action:      domain.AuditTransition,
		FromState:   domain.StatePtr(ch.State),
		ToState:     domain.StatePtr(target),
		CreatedAt:   c.now(),
	}
	newVersion, err := c.store.Transition(ctx, id, expectedVersion, ch.State, target, entry)
	if err != nil {
		return nil, err
	}
	return &TransitionResult{State: target, Version: newVersion}, nil
}

// checkGate evaluates the gating predicate for the edge ch.State → target.
// Rollback edges (validated→draft, deployed→validated) and deprecation are
// unconditional.
func (c *Controller) checkGate(ctx context.Context, ch *domain.Challenge, target domain.ChallengeState) error {
	switch {
	case ch.State == domain.StateDraft && target == domain.StateValidated:
		// Re-run, never cached: the persisted validation record may predate
		// edits made since the last run.
		codes, err := c.store.ListOtherCodes(ctx, ch.ID)
		if err != nil {
			return err
		}
		checks := validation.ComputeAutoChecks(ch, codes)
		c.logDecision(ch, target, checks.Failed())
		if !checks.AllPass() {
			return &domain.PreconditionError{From: ch.State, To: target, Checks: checks.Failed()}
		}

	case ch.State == domain.StateValidated && target == domain.StateDeployed:
		if ch.Validation == nil {
			failed := []string{domain.CheckEtlOutputVerified, domain.CheckCopyApproved}
			c.logDecision(ch, target, failed)
			return &domain.PreconditionError{From: ch.State, To: target, Checks: failed}
		}
		failed := ch.Validation.ManualChecks.Failed()
		c.logDecision(ch, target, failed)
		if len(failed) > 0 {
			return &domain.PreconditionError{From: ch.State, To: target, Checks: failed}
		}

	default:
		// Rollback and deprecation edges carry no gate.
		c.logDecision(ch, target, nil)
	}
	return nil
}

// logDecision emits one verbose line per gate evaluation when a decision
// logger is set.
func (c *Controller) logDecision(ch *domain.Challenge, target domain.ChallengeState, failed []string) {
	if c.decisionLog == nil {
		return
	}
	c.decisionLog.Info("gate evaluated",
		slog.Int64("challenge_id", ch.ID),
		slog.String("code", ch.Code),
		slog.String("from", string(ch.State)),
		slog.String("to", string(target)),
		slog.Int64("version", ch.Version),
		slog.Bool("allowed", len(failed) == 0),
		slog.Any("failing_checks", failed),
	)
}

// GetAuditLog returns the challenge's full audit history in commit order.
func (c *Controller) GetAuditLog(ctx context.Context, id int64) ([]domain.AuditEntry, error) {
	if _, err := c.Get(ctx, id); err != nil {
		return nil, err
	}
	entries, err := c.audit.ListFor(ctx, id)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	return entries, nil
}

// SetClock overrides the controller's time source. Tests only.
func (c *Controller) SetClock(now func() time.Time) {
	c.now = now
}
