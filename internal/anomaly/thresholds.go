package anomaly

import (
	"fmt"
	"strings"

	"wardennet/internal/aggregate"
	"wardennet/internal/config"
)

// trippedRule names which hard-threshold rule fired, for reason-building.
type trippedRule struct {
	label string
	value float64
	pct   bool
}

// evaluateRules applies the hard-threshold rules (a)-(e) to a live
// FeatureVector, returning whether any rule tripped and which ones.
func evaluateRules(fv aggregate.FeatureVector, t config.AnomalyThresholds) (bool, []trippedRule) {
	var tripped []trippedRule

	if float64(fv.Total) >= t.HighActivity {
		tripped = append(tripped, trippedRule{"High activity", float64(fv.Total), false})
	}
	if fv.VideoRatio >= t.VideoRatio {
		tripped = append(tripped, trippedRule{"Excessive video", fv.VideoRatio, true})
	}
	if fv.SocialRatio >= t.SocialRatio {
		tripped = append(tripped, trippedRule{"Excessive social", fv.SocialRatio, true})
	}
	if float64(fv.Gaming) >= t.Gaming {
		tripped = append(tripped, trippedRule{"Gaming detected", float64(fv.Gaming), false})
	}
	if fv.VideoRatio+fv.SocialRatio >= t.CombinedRatio {
		tripped = append(tripped, trippedRule{"Combined video+social", fv.VideoRatio + fv.SocialRatio, true})
	}

	return len(tripped) > 0, tripped
}

// buildReason assembles the human-readable string carried on a Ban record,
// e.g. "Gaming detected (12 requests, 34%); Excessive video (47%)".
func buildReason(fv aggregate.FeatureVector, tripped []trippedRule) string {
	if len(tripped) == 0 {
		return "no threshold tripped"
	}
	parts := make([]string, 0, len(tripped))
	for _, r := range tripped {
		if r.pct {
			parts = append(parts, fmt.Sprintf("%s (%.0f%%)", r.label, r.value*100))
		} else {
			parts = append(parts, fmt.Sprintf("%s (%d requests, %.0f%%)", r.label, int(r.value), r.value/maxFloat(float64(fv.Total), 1)*100))
		}
	}
	return strings.Join(parts, "; ")
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
