package automation

import (
	"cmp"
	"math"

	"dotpush/internal/model"
)

// CandidatePriority is the total order used to pick between competing
// occurrences. Compare < 0 means a wins.
type CandidatePriority struct {
	UserPriority int
	KindRank     int
	// fixed: fixed_at unix seconds; interval: interval seconds; cron: 0
	Key1 int64
	// Key2 is a reserved tie-break slot. No schedule kind fills it yet, so
	// it is always zero and never decides an ordering.
	Key2 int64
	// last_run unix seconds, 0 when never run
	LastRun int64
	ID      string
}

// PriorityOf derives the ordering key of a task. planned reports that the
// occurrence already holds a position in the planned queue, which is the
// strongest signal and overrides the user priority. The planner ranks tasks
// before any item exists and passes false; the flag serves callers that
// arbitrate between queued items and fresh candidates.
func PriorityOf(t model.Task, planned bool) CandidatePriority {
	p := CandidatePriority{UserPriority: t.Priority, KindRank: int(t.Kind()), ID: t.ID}
	if planned {
		p.UserPriority = math.MinInt
	}
	switch t.Kind() {
	case model.KindFixed:
		p.Key1 = t.FixedAt.Unix()
	case model.KindInterval:
		p.Key1 = int64(t.IntervalSec)
	}
	if t.LastRun != nil {
		p.LastRun = t.LastRun.Unix()
	}
	return p
}

func (a CandidatePriority) Compare(b CandidatePriority) int {
	if c := cmp.Compare(a.UserPriority, b.UserPriority); c != 0 {
		return c
	}
	if c := cmp.Compare(a.KindRank, b.KindRank); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Key1, b.Key1); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Key2, b.Key2); c != 0 {
		return c
	}
	if c := cmp.Compare(a.LastRun, b.LastRun); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}
