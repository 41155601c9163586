package cache

import (
	"fmt"
	"path"
)

// Cache keys are hierarchical and colon-delimited so one published pattern
// (for example "entity:B0XYZ:*") invalidates every derived view of an
// entity with a single message.

// EntitySummaryKey keys the entity summary view.
func EntitySummaryKey(id string) string {
	return fmt.Sprintf("entity:%s:summary", id)
}

// EntityMetricsKey keys the windowed rollup view.
func EntityMetricsKey(id, window string) string {
	return fmt.Sprintf("entity:%s:metrics:%s", id, window)
}

// EntityDeltaKey keys the windowed delta-history view.
func EntityDeltaKey(id, window string) string {
	return fmt.Sprintf("entity:%s:delta:%s", id, window)
}

// CompareKey keys a directed pairwise comparison view.
func CompareKey(mainID, peerID, window string) string {
	return fmt.Sprintf("compare:%s:%s:%s", mainID, peerID, window)
}

// AlertsKey keys the active-alert summary view.
func AlertsKey(id string) string {
	return fmt.Sprintf("alerts:%s:summary", id)
}

// EntityPattern matches every derived view of one entity.
func EntityPattern(id string) string {
	return fmt.Sprintf("entity:%s:*", id)
}

// ComparePattern matches every comparison view with the given main entity.
func ComparePattern(mainID string) string {
	return fmt.Sprintf("compare:%s:*", mainID)
}

// AlertsPattern matches the alert views of one entity.
func AlertsPattern(id string) string {
	return fmt.Sprintf("alerts:%s:*", id)
}

// MatchKey reports whether a key matches an invalidation pattern. The
// grammar is glob-style; '*' does not cross a '/' but keys never contain
// one, so a trailing '*' spans the remaining segments.
func MatchKey(pattern, key string) bool {
	ok, err := path.Match(pattern, key)
	return err == nil && ok
}
