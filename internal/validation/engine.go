// Package validation computes automated readiness checks for challenges.
// Everything here is pure: results depend only on the arguments, there is no
// I/O and no clock. The lifecycle controller invokes the engine on every
// validation run and re-invokes it at transition commit time so that stale
// client-side check results can never gate a promotion.
package validation

import (
	"math"
	"sort"

	"github.com/questline-hq/questline/platform/internal/domain"
)

// ComputeAutoChecks derives the automated check results for a challenge from
// its current configuration. otherCodes must contain the codes of every other
// persisted challenge (excluding ch itself) for the uniqueness check.
//
// There is no error path: unrecognized enum values score false, they never
// fail the computation.
func ComputeAutoChecks(ch *domain.Challenge, otherCodes []string) domain.AutoChecks {
	return domain.AutoChecks{
		HasMetricSource: hasMetricSource(ch),
		FieldValid:      fieldValid(ch),
		HasTierConfig:   hasTierConfig(ch),
		CodeUnique:      codeUnique(ch.Code, otherCodes),
	}
}

// hasMetricSource passes iff the metric source is non-empty and one of the
// recognized origins.
func hasMetricSource(ch *domain.Challenge) bool {
	return ch.MetricSource != "" && domain.ValidMetricSource(string(ch.MetricSource))
}

// fieldValid passes iff the metric key is non-empty and the metric definition
// is internally consistent: known metric type, known aggregation, and boolean
// metrics restricted to latest/count (summing booleans is meaningless).
func fieldValid(ch *domain.Challenge) bool {
	if ch.MetricKey == "" {
		return false
	}
	if !domain.ValidMetricType(string(ch.MetricType)) {
		return false
	}
	if !domain.ValidMetricAggregation(string(ch.MetricAggregation)) {
		return false
	}
	if ch.MetricType == domain.MetricBoolean {
		return ch.MetricAggregation == domain.AggLatest || ch.MetricAggregation == domain.AggCount
	}
	return true
}

// hasTierConfig passes for non-tiered challenges vacuously. For tiered
// challenges it requires at least one tier, every threshold a finite number,
// and thresholds strictly increasing when tiers are ordered by sort order.
func hasTierConfig(ch *domain.Challenge) bool {
	if ch.Type != domain.TypeTiered {
		return true
	}
	if len(ch.Tiers) == 0 {
		return false
	}

	tiers := make([]domain.ChallengeTier, len(ch.Tiers))
	copy(tiers, ch.Tiers)
	sort.SliceStable(tiers, func(i, j int) bool {
		return tiers[i].SortOrder < tiers[j].SortOrder
	})

	prev := math.Inf(-1)
	for _, t := range tiers {
		if math.IsNaN(t.ThresholdValue) || math.IsInf(t.ThresholdValue, 0) {
			return false
		}
		if t.ThresholdValue <= prev {
			return false
		}
		prev = t.ThresholdValue
	}
	return true
}

// codeUnique passes iff no other challenge shares this code.
func codeUnique(code string, otherCodes []string) bool {
	for _, c := range otherCodes {
		if c == code {
			return false
		}
	}
	return true
}

// ValidateTiers checks the tier invariants enforced on every edit that
// replaces the tier list: unique tier codes, a total sort order, and finite
// thresholds. A tier set failing any of these is rejected before commit so a
// partially invalid set is never persisted.
func ValidateTiers(tiers []domain.ChallengeTier) error {
	codes := make(map[string]bool, len(tiers))
	orders := make(map[int]bool, len(tiers))
	for _, t := range tiers {
		if t.TierCode == "" {
			return &domain.ValidationError{Reason: "tier_code must not be empty"}
		}
		if codes[t.TierCode] {
			return &domain.ValidationError{Reason: "duplicate tier_code " + t.TierCode}
		}
		codes[t.TierCode] = true

		if orders[t.SortOrder] {
			return &domain.ValidationError{Reason: "duplicate tier sort_order for " + t.TierCode}
		}
		orders[t.SortOrder] = true

		if math.IsNaN(t.ThresholdValue) || math.IsInf(t.ThresholdValue, 0) {
			return &domain.ValidationError{Reason: "tier " + t.TierCode + " threshold_value must be a finite number"}
		}
	}
	return nil
}
