// Package macro resolves {NAME} placeholders in task text at execution time.
//
// Built-in macros cover the current time in the reference zone, a few host
// facts and network identity. Generators only run for placeholders that
// appear in the text being replaced.
package macro

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Generator produces the current value of one macro.
type Generator func() string

// Replacer is safe for concurrent use.
type Replacer struct {
	mu     sync.RWMutex
	macros map[string]Generator

	loc *time.Location
	now func() time.Time
	net NetInfo
}

type Option func(*Replacer)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Replacer) { r.now = now }
}

// WithNetInfo overrides the public network lookup.
func WithNetInfo(n NetInfo) Option {
	return func(r *Replacer) { r.net = n }
}

func New(loc *time.Location, opts ...Option) *Replacer {
	if loc == nil {
		loc = time.Local
	}
	r := &Replacer{
		macros: map[string]Generator{},
		loc:    loc,
		now:    time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	if r.net == nil {
		r.net = NewSpeedtestInfo(0)
	}
	r.registerTime()
	r.registerSystem()
	r.registerNetwork()
	return r
}

// Register adds or replaces a macro. name excludes the braces.
func (r *Replacer) Register(name string, gen Generator) {
	name = strings.TrimSpace(name)
	if name == "" || gen == nil {
		return
	}
	r.mu.Lock()
	r.macros[name] = gen
	r.mu.Unlock()
}

// Replace substitutes every registered placeholder found in text.
func (r *Replacer) Replace(text string) string {
	if !strings.Contains(text, "{") {
		return text
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, gen := range r.macros {
		p := "{" + name + "}"
		if strings.Contains(text, p) {
			text = strings.ReplaceAll(text, p, gen())
		}
	}
	return text
}

// Names lists registered macros in sorted order.
func (r *Replacer) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.macros))
	for name := range r.macros {
		out = append(out, name)
	}
	r.mu.RUnlock()
	slices.Sort(out)
	return out
}

// Value evaluates a single macro.
func (r *Replacer) Value(name string) (string, bool) {
	r.mu.RLock()
	gen, ok := r.macros[name]
	r.mu.RUnlock()
	if !ok {
		return "", false
	}
	return gen(), true
}

// Used returns the sorted names of macros referenced by text.
func (r *Replacer) Used(text string) []string {
	var out []string
	for _, name := range r.Names() {
		if strings.Contains(text, "{"+name+"}") {
			out = append(out, name)
		}
	}
	return out
}

var weekdayCN = [...]string{"星期日", "星期一", "星期二", "星期三", "星期四", "星期五", "星期六"}

func (r *Replacer) registerTime() {
	local := func() time.Time { return r.now().In(r.loc) }
	layout := func(l string) Generator {
		return func() string { return local().Format(l) }
	}

	r.Register("DATE", layout(time.DateOnly))
	r.Register("TIME", layout(time.TimeOnly))
	r.Register("YEAR", layout("2006"))
	r.Register("MONTH", layout("01"))
	r.Register("DAY", layout("02"))
	r.Register("HOUR", layout("15"))
	r.Register("MINUTE", layout("04"))
	r.Register("SECOND", layout("05"))
	r.Register("TIMESTAMP", layout("20060102150405"))
	r.Register("WEEKDAY", layout("Monday"))
	r.Register("SHORT_DATE", layout("2006/01/02"))
	r.Register("WEEKDAY_CN", func() string { return weekdayCN[local().Weekday()] })
	r.Register("DATE_CN", layout("2006年01月02日"))
	r.Register("TIME_12", layout("03:04:05 PM"))
	r.Register("UNIX_TIMESTAMP", func() string { return strconv.FormatInt(r.now().Unix(), 10) })
	r.Register("UNIX_TIMESTAMP_MS", func() string { return strconv.FormatInt(r.now().UnixMilli(), 10) })
	r.Register("ISO_DATETIME", layout(time.RFC3339))
	r.Register("MONTH_DAY", layout("01-02"))
	r.Register("HOUR_MINUTE", layout("15:04"))
}

// shortDuration renders d as e.g. "3d4h", "5h12m" or "42s".
func shortDuration(d time.Duration) string {
	d = d.Truncate(time.Second)
	days := int(d / (24 * time.Hour))
	d -= time.Duration(days) * 24 * time.Hour
	h := int(d / time.Hour)
	d -= time.Duration(h) * time.Hour
	m := int(d / time.Minute)
	s := int((d - time.Duration(m)*time.Minute) / time.Second)
	switch {
	case days > 0:
		return fmt.Sprintf("%dd%dh", days, h)
	case h > 0:
		return fmt.Sprintf("%dh%dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm%ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
