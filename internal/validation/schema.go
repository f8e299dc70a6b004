package validation

import (
	"sort"
	"strings"

	"github.com/questline-hq/questline/platform/internal/domain"
)

// Allowed key sets for the structured config maps. The original product kept
// these as opaque blobs; here each metric source and tiering mode declares
// the keys it understands and everything else is rejected at edit time.
// Unknown sources/modes allow no filter keys at all until a schema is
// defined for them.

var metricFilterKeys = map[domain.MetricSource]map[string]bool{
	domain.SourceGameplayEvents: {
		"event_name": true,
		"game_mode":  true,
		"map":        true,
		"min_score":  true,
	},
	domain.SourceSessionStats: {
		"platform":       true,
		"region":         true,
		"min_duration_s": true,
		"exclude_idle":   true,
		"session_kind":   true,
	},
	domain.SourceEconomyLedger: {
		"currency":     true,
		"direction":    true,
		"min_amount":   true,
		"counterparty": true,
	},
	domain.SourceLeaderboard: {
		"board_id": true,
		"season":   true,
	},
	domain.SourceManualImport: {
		"import_batch": true,
	},
}

var tierConfigKeys = map[domain.TieringMode]map[string]bool{
	domain.TieringThreshold: {
		"rounding":      true,
		"display_units": true,
		"carryover":     true,
	},
	domain.TieringPercentile: {
		"window_days":    true,
		"min_population": true,
		"recompute_cron": true,
	},
	domain.TieringNone: {},
}

// ValidateMetricFilters rejects filter keys the metric source does not
// declare. Values are passed through untouched; only key membership is
// checked here, value interpretation belongs to the metric pipeline.
func ValidateMetricFilters(source domain.MetricSource, filters map[string]string) error {
	return checkKeys("metric_filters", metricFilterKeys[source], filters)
}

// ValidateTierConfig rejects tier config keys the tiering mode does not
// declare.
func ValidateTierConfig(mode domain.TieringMode, config map[string]string) error {
	return checkKeys("tier_config", tierConfigKeys[mode], config)
}

func checkKeys(field string, allowed map[string]bool, m map[string]string) error {
	var unknown []string
	for k := range m {
		if !allowed[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	return &domain.ValidationError{
		Reason: field + " has unknown keys: " + strings.Join(unknown, ", "),
	}
}
