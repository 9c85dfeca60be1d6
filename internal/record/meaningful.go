package record

import (
	"encoding/json"
	"strconv"
)

// MeaningfulFunc reports whether a payload carries user-entered content.
// An empty or default-initialized record is not meaningful.
type MeaningfulFunc func(payload map[string]any) bool

// Fields checked by DayMeaningful.
var (
	dayListFields = []string{
		"meals",
		"trainings",
		"householdActivities",
		"supplementsPlanned",
		"supplementsTaken",
	}
	dayPositiveFields = []string{
		"waterMl",
		"steps",
		"weightMorning",
		"householdMin",
	}
	dayTruthyFields = []string{
		"sleepStart",
		"sleepEnd",
		"sleepQuality",
		"sleepNote",
		"dayScore",
		"moodAvg",
		"wellbeingAvg",
		"stressAvg",
		"moodMorning",
		"wellbeingMorning",
		"stressMorning",
		"isRefeedDay",
		"refeedReason",
	}
)

// DayMeaningful is the default predicate for day records.
//
// A day is meaningful when it has at least one meal, training, household
// activity, or supplement entry, a positive water/steps/weight/household
// reading, any sleep, score, or mood field, a cycle day, or a deficit
// override.
func DayMeaningful(payload map[string]any) bool {
	if len(payload) == 0 {
		return false
	}
	for _, f := range dayListFields {
		if list, ok := payload[f].([]any); ok && len(list) > 0 {
			return true
		}
	}
	for _, f := range dayPositiveFields {
		if n, ok := number(payload[f]); ok && n > 0 {
			return true
		}
	}
	for _, f := range dayTruthyFields {
		if truthy(payload[f]) {
			return true
		}
	}
	if v, ok := payload["cycleDay"]; ok && v != nil {
		return true
	}
	if v, ok := payload["deficitPct"]; ok && v != nil && v != "" {
		return true
	}
	return false
}

// AnyContent treats every non-empty payload as meaningful. Useful for
// record types without a domain-specific predicate.
func AnyContent(payload map[string]any) bool {
	return len(StripMeta(payload)) > 0
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []any:
		return true
	case map[string]any:
		return true
	default:
		n, ok := number(v)
		return ok && n != 0
	}
}
