// Package domain defines the core business types shared across questd.
// These types represent the challenge configuration model, not HTTP or
// storage specifics.
//
// Domain types carry json tags because they are directly serialized in API
// responses. When the API shape diverges from the domain type (computed or
// omitted fields), the api package defines a response struct instead.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// ChallengeState is a challenge's position in the promotion pipeline.
type ChallengeState string

const (
	StateDraft      ChallengeState = "draft"
	StateValidated  ChallengeState = "validated"
	StateDeployed   ChallengeState = "deployed"
	StateDeprecated ChallengeState = "deprecated"
)

// ValidState checks if a string is a known challenge state.
func ValidState(s string) bool {
	switch ChallengeState(s) {
	case StateDraft, StateValidated, StateDeployed, StateDeprecated:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves this state.
func (s ChallengeState) Terminal() bool {
	return s == StateDeprecated
}

// Editable reports whether non-state fields may be mutated in this state.
func (s ChallengeState) Editable() bool {
	return s == StateDraft || s == StateValidated
}

// legalTransitions is the promotion state machine. A (from, to) pair absent
// from this map is an illegal transition regardless of check results.
var legalTransitions = map[ChallengeState][]ChallengeState{
	StateDraft:     {StateValidated},
	StateValidated: {StateDeployed, StateDraft},
	StateDeployed:  {StateValidated, StateDeprecated},
	// StateDeprecated: terminal, no outgoing edges.
}

// CanTransition reports whether an edge from → to exists in the state machine.
// Gating predicates on the edge are evaluated separately by the lifecycle
// controller; this only answers whether the edge exists at all.
func CanTransition(from, to ChallengeState) bool {
	for _, t := range legalTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// ChallengeType classifies how progress maps to completion.
type ChallengeType string

const (
	TypeTiered    ChallengeType = "tiered"
	TypeBinary    ChallengeType = "binary"
	TypeMilestone ChallengeType = "milestone"
)

// ValidChallengeType checks if a string is a known challenge type.
func ValidChallengeType(s string) bool {
	switch ChallengeType(s) {
	case TypeTiered, TypeBinary, TypeMilestone:
		return true
	}
	return false
}

// MetricType is the value domain of the tracked metric.
type MetricType string

const (
	MetricInteger MetricType = "integer"
	MetricDecimal MetricType = "decimal"
	MetricBoolean MetricType = "boolean"
)

// ValidMetricType checks if a string is a known metric type.
func ValidMetricType(s string) bool {
	switch MetricType(s) {
	case MetricInteger, MetricDecimal, MetricBoolean:
		return true
	}
	return false
}

// MetricSource identifies where the metric's raw data originates.
type MetricSource string

const (
	SourceGameplayEvents MetricSource = "gameplay_events"
	SourceSessionStats   MetricSource = "session_stats"
	SourceEconomyLedger  MetricSource = "economy_ledger"
	SourceLeaderboard    MetricSource = "leaderboard"
	SourceManualImport   MetricSource = "manual_import"
)

// ValidMetricSource checks if a string is a recognized metric source.
// Unrecognized sources are not an error at the type level; the validation
// engine simply scores hasMetricSource false for them.
func ValidMetricSource(s string) bool {
	switch MetricSource(s) {
	case SourceGameplayEvents, SourceSessionStats, SourceEconomyLedger,
		SourceLeaderboard, SourceManualImport:
		return true
	}
	return false
}

// MetricAggregation is how raw metric values collapse into a progress value.
type MetricAggregation string

const (
	AggCount  MetricAggregation = "count"
	AggSum    MetricAggregation = "sum"
	AggMax    MetricAggregation = "max"
	AggMin    MetricAggregation = "min"
	AggAvg    MetricAggregation = "avg"
	AggLatest MetricAggregation = "latest"
)

// ValidMetricAggregation checks if a string is a known aggregation.
func ValidMetricAggregation(s string) bool {
	switch MetricAggregation(s) {
	case AggCount, AggSum, AggMax, AggMin, AggAvg, AggLatest:
		return true
	}
	return false
}

// TieringMode controls how tier thresholds are interpreted.
type TieringMode string

const (
	TieringThreshold  TieringMode = "threshold"
	TieringPercentile TieringMode = "percentile"
	TieringNone       TieringMode = "none"
)

// ValidTieringMode checks if a string is a known tiering mode.
func ValidTieringMode(s string) bool {
	switch TieringMode(s) {
	case TieringThreshold, TieringPercentile, TieringNone:
		return true
	}
	return false
}

// Challenge is a versioned, declarative gamification metric definition.
// The state field only ever changes through the lifecycle controller;
// version is the optimistic concurrency token checked on every write.
type Challenge struct {
	ID   int64  `json:"id"`
	Code string `json:"code"` // globally unique, immutable after create

	Name             string        `json:"name"`
	Category         string        `json:"category"`
	Type             ChallengeType `json:"type"`
	ShortDescription string        `json:"short_description"`
	LongDescription  string        `json:"long_description"`

	MetricType        MetricType        `json:"metric_type"`
	MetricSource      MetricSource      `json:"metric_source"`
	MetricKey         string            `json:"metric_key"`
	MetricAggregation MetricAggregation `json:"metric_aggregation"`
	MetricFilters     map[string]string `json:"metric_filters,omitempty"`

	TieringMode    TieringMode       `json:"tiering_mode"`
	TierConfig     map[string]string `json:"tier_config,omitempty"`
	IsClusterBased bool              `json:"is_cluster_based"`

	IsTestOnly  bool `json:"is_test_only"`
	IsVisibleFe bool `json:"is_visible_fe"`
	IsActive    bool `json:"is_active"`
	SortOrder   int  `json:"sort_order"`

	State     ChallengeState `json:"state"`
	Version   int64          `json:"version"`
	CreatedBy string         `json:"created_by"`
	UpdatedBy string         `json:"updated_by"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`

	Tiers      []ChallengeTier   `json:"tiers"`
	Validation *ValidationRecord `json:"validation,omitempty"`
}

// ChallengeTier is one ordered threshold bucket in a challenge's progression.
// TierCode is unique within the parent challenge; SortOrder defines the
// display and threshold order.
type ChallengeTier struct {
	ID             int64   `json:"id"`
	ChallengeID    int64   `json:"challenge_id"`
	TierCode       string  `json:"tier_code"`
	DisplayName    string  `json:"display_name"`
	ThresholdValue float64 `json:"threshold_value"`
	IsPrestige     bool    `json:"is_prestige"`
	SortOrder      int     `json:"sort_order"`
}

// AutoChecks are validation results derived deterministically from the
// challenge's persisted configuration. Never supplied by clients.
type AutoChecks struct {
	HasMetricSource bool `json:"has_metric_source"`
	FieldValid      bool `json:"field_valid"`
	HasTierConfig   bool `json:"has_tier_config"`
	CodeUnique      bool `json:"code_unique"`
}

// AllPass reports whether every automated check passed.
func (a AutoChecks) AllPass() bool {
	return a.HasMetricSource && a.FieldValid && a.HasTierConfig && a.CodeUnique
}

// Failed returns the names of all failing automated checks.
func (a AutoChecks) Failed() []string {
	var failed []string
	if !a.HasMetricSource {
		failed = append(failed, CheckHasMetricSource)
	}
	if !a.FieldValid {
		failed = append(failed, CheckFieldValid)
	}
	if !a.HasTierConfig {
		failed = append(failed, CheckHasTierConfig)
	}
	if !a.CodeUnique {
		failed = append(failed, CheckCodeUnique)
	}
	return failed
}

// ManualChecks are operator-attested assertions required before deployment.
type ManualChecks struct {
	EtlOutputVerified bool `json:"etl_output_verified"`
	CopyApproved      bool `json:"copy_approved"`
}

// Failed returns the names of all failing manual checks.
func (m ManualChecks) Failed() []string {
	var failed []string
	if !m.EtlOutputVerified {
		failed = append(failed, CheckEtlOutputVerified)
	}
	if !m.CopyApproved {
		failed = append(failed, CheckCopyApproved)
	}
	return failed
}

// Check names as surfaced in PreconditionError and API responses.
const (
	CheckHasMetricSource   = "hasMetricSource"
	CheckFieldValid        = "fieldValid"
	CheckHasTierConfig     = "hasTierConfig"
	CheckCodeUnique        = "codeUnique"
	CheckEtlOutputVerified = "etlOutputVerified"
	CheckCopyApproved      = "copyApproved"
)

// ValidationRecord is the persisted outcome of the most recent validation run
// for a challenge. At most one exists per challenge; re-running validation
// replaces it atomically.
type ValidationRecord struct {
	ChallengeID  int64        `json:"challenge_id"`
	AutoChecks   AutoChecks   `json:"auto_checks"`
	ManualChecks ManualChecks `json:"manual_checks"`
	LastRunAt    time.Time    `json:"last_run_at"`
	LastRunBy    string       `json:"last_run_by"`
}

// AuditAction classifies an audit log entry.
type AuditAction string

const (
	AuditCreate     AuditAction = "create"
	AuditUpdate     AuditAction = "update"
	AuditValidate   AuditAction = "validate"
	AuditTransition AuditAction = "transition"

	// AuditReconcile marks an entry written by the background consistency
	// sweep when it finds a challenge whose history does not account for
	// its current state or version. The trail is append-only, so gaps are
	// flagged rather than rewritten.
	AuditReconcile AuditAction = "reconcile"
)

// AuditEntry is an immutable record of a create/update/validate/transition
// event. Entries are never updated or deleted once written.
type AuditEntry struct {
	ID          uuid.UUID       `json:"id"`
	ChallengeID int64           `json:"challenge_id"`
	Actor       string          `json:"actor"`
	Action      AuditAction     `json:"action"`
	FromState   *ChallengeState `json:"from_state,omitempty"`
	ToState     *ChallengeState `json:"to_state,omitempty"`
	Detail      string          `json:"detail,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// StatePtr returns a pointer to s, for building audit entries.
func StatePtr(s ChallengeState) *ChallengeState {
	return &s
}
