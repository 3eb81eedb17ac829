package reputation

import (
	"time"

	"github.com/skydir/trustpipe/internal/domain"
	"github.com/skydir/trustpipe/internal/manifest"
)

// The scorer is a pure function of validator output and challenge timing.
// It never touches the store; the orchestrator persists what it returns,
// overwriting the previous row (no history, by design of the data model).

// Completeness maps a validation result to a 0-100 percentage: the share
// of rule groups the document satisfies.
func Completeness(res manifest.Result) int {
	violated := res.RuleViolations
	if violated < 0 {
		violated = 0
	}
	if violated > manifest.RuleCount {
		violated = manifest.RuleCount
	}
	return (manifest.RuleCount - violated) * 100 / manifest.RuleCount
}

// FromValidation recomputes the metrics row after a manifest validation.
// Responsiveness and report count carry over from the previous observation.
func FromValidation(prev domain.ReputationMetrics, botID string, res manifest.Result, now time.Time) domain.ReputationMetrics {
	return domain.ReputationMetrics{
		BotID:                   botID,
		ResponsivenessMs:        prev.ResponsivenessMs,
		ManifestCompletenessPct: Completeness(res),
		ReportCount:             prev.ReportCount,
		LastSeenAt:              now,
	}
}

// FromVerification records the challenge round-trip after a successful
// evaluation. Only then does responsiveness change.
func FromVerification(prev domain.ReputationMetrics, botID string, latency time.Duration, now time.Time) domain.ReputationMetrics {
	return domain.ReputationMetrics{
		BotID:                   botID,
		ResponsivenessMs:        latency.Milliseconds(),
		ManifestCompletenessPct: prev.ManifestCompletenessPct,
		ReportCount:             prev.ReportCount,
		LastSeenAt:              now,
	}
}
