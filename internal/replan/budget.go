package replan

// DefaultTotalCap bounds replans across all categories for one run.
const DefaultTotalCap = 10

// DefaultCaps returns the per-category replan caps.
func DefaultCaps() map[string]int {
	return map[string]int{
		CategoryGoalUnderstanding: 2,
		CategoryTaskDecomposition: 3,
		CategoryActionSequence:    3,
		CategoryExecutionRetry:    3,
		CategoryExecutionPartial:  2,
		CategoryReflection:        2,
	}
}

// Budget counts executed replans per category against caps. Not safe for
// concurrent use; one task runs at a time.
type Budget struct {
	counts   map[string]int
	caps     map[string]int
	total    int
	totalCap int
}

func NewBudget(caps map[string]int, totalCap int) *Budget {
	if caps == nil {
		caps = DefaultCaps()
	}
	if totalCap <= 0 {
		totalCap = DefaultTotalCap
	}
	return &Budget{counts: make(map[string]int), caps: caps, totalCap: totalCap}
}

// Exhausted reports whether the category cap or the total cap is hit.
func (b *Budget) Exhausted(category string) bool {
	if b.total >= b.totalCap {
		return true
	}
	limit, ok := b.caps[category]
	if !ok {
		return false
	}
	return b.counts[category] >= limit
}

// Spend records one executed replan.
func (b *Budget) Spend(category string) {
	b.counts[category]++
	b.total++
}

// Reset clears the named category counters. The total counter never resets.
func (b *Budget) Reset(categories ...string) {
	for _, c := range categories {
		delete(b.counts, c)
	}
}

// Counts returns a copy of the counters with the running total.
func (b *Budget) Counts() map[string]int {
	out := make(map[string]int, len(b.counts)+1)
	for k, v := range b.counts {
		out[k] = v
	}
	out["total"] = b.total
	return out
}
