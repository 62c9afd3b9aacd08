package domain

import "sort"

// ─── Milestone Bonus Types ──────────────────────────────────────────────────
// Milestones reward a dependent once their count of approved paid tasks
// reaches a threshold. Each threshold pays at most once per dependent.

// Milestone pays BonusSats when the approved paid task count reaches Tasks.
type Milestone struct {
	Tasks     int   `json:"tasks" toml:"tasks"`
	BonusSats int64 `json:"bonus_sats" toml:"bonus_sats"`
}

// DefaultMilestones returns the default bonus ladder.
func DefaultMilestones() []Milestone {
	return []Milestone{
		{Tasks: 10, BonusSats: 100},
		{Tasks: 25, BonusSats: 250},
		{Tasks: 50, BonusSats: 500},
		{Tasks: 100, BonusSats: 1000},
	}
}

// MilestonesReached returns every payable milestone at or below
// approvedCount, lowest threshold first. Callers skip the ones already paid.
func MilestonesReached(ladder []Milestone, approvedCount int) []Milestone {
	var out []Milestone
	for _, m := range ladder {
		if m.Tasks > 0 && m.Tasks <= approvedCount && m.BonusSats > 0 {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tasks < out[j].Tasks })
	return out
}

// NextMilestone returns the first milestone above approvedCount.
func NextMilestone(ladder []Milestone, approvedCount int) (Milestone, bool) {
	sorted := make([]Milestone, len(ladder))
	copy(sorted, ladder)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Tasks < sorted[j].Tasks })
	for _, m := range sorted {
		if m.Tasks > approvedCount {
			return m, true
		}
	}
	return Milestone{}, false
}
