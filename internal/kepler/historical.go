package kepler

import (
	"sort"

	"github.com/devskill-org/kepler-ems/internal/model"
)

// MergeHistorical concatenates historical (already-executed, is_historical
// slots copied from the execution log) with forward (freshly solved) Planned
// Slots into one time-ordered sequence, per spec.md §4.C "Historical merge".
// The Planner never re-optimizes a slot whose start_time has already passed.
func MergeHistorical(historical, forward []model.PlannedSlot) []model.PlannedSlot {
	merged := make([]model.PlannedSlot, 0, len(historical)+len(forward))
	merged = append(merged, historical...)
	merged = append(merged, forward...)
	sort.Slice(merged, func(i, j int) bool { return merged[i].StartTime.Before(merged[j].StartTime) })
	return merged
}
