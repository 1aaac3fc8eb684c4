package automation

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"dotpush/internal/model"
)

// Window is one calendar day in the reference zone.
// Start is 00:00:00 and End is 23:59:59 of that day.
type Window struct {
	Date  string
	Start time.Time
	End   time.Time
}

// DayWindow parses a YYYY-MM-DD date in loc.
func DayWindow(date string, loc *time.Location) (Window, error) {
	d, err := time.ParseInLocation(model.DateLayout, strings.TrimSpace(date), loc)
	if err != nil {
		return Window{}, fmt.Errorf("%w %q: %v", ErrInvalidDate, date, err)
	}
	return Window{
		Date:  d.Format(model.DateLayout),
		Start: d,
		End:   time.Date(d.Year(), d.Month(), d.Day(), 23, 59, 59, 0, loc),
	}, nil
}

// admits reports whether an occurrence starting at t with duration dur fits the window.
// Occurrences crossing End are dropped, never clipped.
func (w Window) admits(t time.Time, dur time.Duration) bool {
	return !t.Before(w.Start) && t.Before(w.End) && !t.Add(dur).After(w.End)
}

// Occurrence is one concrete firing of a task inside a window.
type Occurrence struct {
	TaskID string
	Start  time.Time
	End    time.Time
	// Rank is the merge priority; lower wins.
	Rank int
}

// cronStrategy resolves a cron-like expression into trigger instants for a window.
// ok=false passes the expression to the next strategy.
type cronStrategy struct {
	name    string
	resolve func(expr string, w Window) (times []time.Time, ok bool)
}

// Expander maps schedules onto day windows.
type Expander struct {
	loc        *time.Location
	strategies []cronStrategy
}

// strictParser accepts exactly six fields; five-field input is given a zero seconds field first.
var strictParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

func NewExpander(loc *time.Location) *Expander {
	if loc == nil {
		loc = time.UTC
	}
	e := &Expander{loc: loc}
	// Closed list, tried in order. Adding a strategy means adding rows to the expander tests.
	e.strategies = []cronStrategy{
		{name: "cron", resolve: e.strictCron},
		{name: "every-minute", resolve: literalStep("* * * * *", time.Minute)},
		{name: "hourly", resolve: literalStep("0 * * * *", time.Hour)},
		{name: "daily-hour", resolve: e.dailyHour},
		{name: "hourly-default", resolve: func(_ string, w Window) ([]time.Time, bool) { return steps(w, time.Hour), true }},
	}
	return e
}

// ValidateCron reports whether expr is accepted by the strict parser.
func ValidateCron(expr string) error {
	_, err := parseStrict(expr)
	return err
}

func parseStrict(expr string) (cron.Schedule, error) {
	fields := strings.Fields(expr)
	switch len(fields) {
	case 5:
		return strictParser.Parse("0 " + strings.Join(fields, " "))
	case 6:
		return strictParser.Parse(strings.Join(fields, " "))
	default:
		return nil, fmt.Errorf("expected 5 or 6 fields, got %d", len(fields))
	}
}

// Expand returns the task's occurrences in w, ordered by start.
// A disabled task has none. Rank is left zero for the caller to fill.
func (e *Expander) Expand(t model.Task, w Window) []Occurrence {
	if !t.Enabled {
		return nil
	}
	var times []time.Time
	switch t.Kind() {
	case model.KindFixed:
		times = []time.Time{t.FixedAt.In(e.loc)}
	case model.KindInterval:
		times = steps(w, time.Duration(t.IntervalSec)*time.Second)
	default:
		_, times = e.ResolveCron(t.Schedule, w)
	}

	dur := t.Duration()
	out := make([]Occurrence, 0, len(times))
	for _, at := range times {
		if w.admits(at, dur) {
			out = append(out, Occurrence{TaskID: t.ID, Start: at, End: at.Add(dur)})
		}
	}
	return out
}

// ResolveCron runs the strategy list and reports which one matched.
func (e *Expander) ResolveCron(expr string, w Window) (string, []time.Time) {
	expr = strings.TrimSpace(expr)
	for _, st := range e.strategies {
		if times, ok := st.resolve(expr, w); ok {
			return st.name, times
		}
	}
	return "", nil
}

func (e *Expander) strictCron(expr string, w Window) ([]time.Time, bool) {
	if expr == "" {
		return nil, false
	}
	sched, err := parseStrict(expr)
	if err != nil {
		return nil, false
	}
	var out []time.Time
	// Next is strictly-after; step back so a trigger at Start is included.
	for t := sched.Next(w.Start.In(e.loc).Add(-time.Nanosecond)); !t.IsZero() && t.Before(w.End); t = sched.Next(t) {
		out = append(out, t)
	}
	return out, true
}

func (e *Expander) dailyHour(expr string, w Window) ([]time.Time, bool) {
	if !strings.HasPrefix(expr, "0 ") {
		return nil, false
	}
	hour := 9
	if f := strings.Fields(expr); len(f) > 1 {
		if h, err := strconv.Atoi(f[1]); err == nil {
			hour = h
		}
	}
	if hour < 0 || hour > 23 {
		return nil, true
	}
	s := w.Start
	return []time.Time{time.Date(s.Year(), s.Month(), s.Day(), hour, 0, 0, 0, e.loc)}, true
}

func literalStep(literal string, step time.Duration) func(string, Window) ([]time.Time, bool) {
	return func(expr string, w Window) ([]time.Time, bool) {
		if expr != literal {
			return nil, false
		}
		return steps(w, step), true
	}
}

// steps enumerates Start, Start+step, ... while before End.
func steps(w Window, step time.Duration) []time.Time {
	if step <= 0 {
		return nil
	}
	out := make([]time.Time, 0, int(w.End.Sub(w.Start)/step)+1)
	for t := w.Start; t.Before(w.End); t = t.Add(step) {
		out = append(out, t)
	}
	return out
}
