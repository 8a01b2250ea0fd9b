package store

import (
	"sort"
	"time"
)

// SelectForDeletion applies a retention policy to a report listing. Reports
// older than olderThan (when positive) are selected, as are all but the
// keepLast newest (when keepLast is positive). The result is oldest first
// with no duplicates.
func SelectForDeletion(infos []ReportInfo, keepLast int, olderThan time.Duration, now time.Time) []ReportInfo {
	sorted := make([]ReportInfo, len(infos))
	copy(sorted, infos)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	selected := make(map[string]bool)

	if olderThan > 0 {
		cutoff := now.Add(-olderThan)
		for _, info := range sorted {
			if info.Timestamp.Before(cutoff) {
				selected[info.ID] = true
			}
		}
	}

	if keepLast > 0 && len(sorted) > keepLast {
		for _, info := range sorted[:len(sorted)-keepLast] {
			selected[info.ID] = true
		}
	}

	var out []ReportInfo
	for _, info := range sorted {
		if selected[info.ID] {
			out = append(out, info)
		}
	}
	return out
}
