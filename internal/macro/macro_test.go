package macro

import (
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type staticNet struct {
	calls atomic.Int32
	id    Identity
}

func (s *staticNet) Lookup() Identity {
	s.calls.Add(1)
	return s.id
}

func newTestReplacer(n NetInfo) *Replacer {
	loc := time.FixedZone("UTC+8", 8*3600)
	fixed := time.Date(2025, 8, 21, 23, 7, 44, 123e6, loc)
	return New(loc, WithClock(func() time.Time { return fixed }), WithNetInfo(n))
}

func TestTimeMacros(t *testing.T) {
	t.Parallel()
	r := newTestReplacer(&staticNet{})
	tests := []struct {
		in   string
		want string
	}{
		{"{DATE}", "2025-08-21"},
		{"{TIME}", "23:07:44"},
		{"{YEAR}-{MONTH}-{DAY}", "2025-08-21"},
		{"{HOUR}:{MINUTE}:{SECOND}", "23:07:44"},
		{"{TIMESTAMP}", "20250821230744"},
		{"{WEEKDAY}", "Thursday"},
		{"{SHORT_DATE}", "2025/08/21"},
		{"{WEEKDAY_CN}", "星期四"},
		{"{DATE_CN}", "2025年08月21日"},
		{"{TIME_12}", "11:07:44 PM"},
		{"{UNIX_TIMESTAMP}", "1755788864"},
		{"{UNIX_TIMESTAMP_MS}", "1755788864123"},
		{"{ISO_DATETIME}", "2025-08-21T23:07:44+08:00"},
		{"{MONTH_DAY} {HOUR_MINUTE}", "08-21 23:07"},
		{"{YEAR}/{YEAR}", "2025/2025"},
		{"no macros", "no macros"},
		{"{UNKNOWN} stays", "{UNKNOWN} stays"},
	}
	for _, tt := range tests {
		if got := r.Replace(tt.in); got != tt.want {
			t.Fatalf("Replace(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSystemMacros(t *testing.T) {
	t.Parallel()
	r := newTestReplacer(&staticNet{})
	if got := r.Replace("{OS}/{ARCH}"); got != runtime.GOOS+"/"+runtime.GOARCH {
		t.Fatalf("os/arch = %q", got)
	}
	if got := r.Replace("{HOSTNAME}"); got == "" || strings.Contains(got, "{") {
		t.Fatalf("hostname = %q", got)
	}
	if got := r.Replace("{LOCAL_IP}"); got == "" || strings.Contains(got, "{") {
		t.Fatalf("local ip = %q", got)
	}
}

func TestNetworkMacrosLazy(t *testing.T) {
	t.Parallel()
	n := &staticNet{id: Identity{IP: "203.0.113.7", ISP: "Example Net"}}
	r := newTestReplacer(n)

	r.Replace("{DATE} only")
	if n.calls.Load() != 0 {
		t.Fatal("network lookup ran for text without network macros")
	}
	if got := r.Replace("{PUBLIC_IP} via {ISP}"); got != "203.0.113.7 via Example Net" {
		t.Fatalf("got %q", got)
	}

	empty := newTestReplacer(&staticNet{})
	if got := empty.Replace("{PUBLIC_IP}"); got != "unknown" {
		t.Fatalf("failed lookup = %q", got)
	}
}

func TestRegisterCustom(t *testing.T) {
	t.Parallel()
	r := newTestReplacer(&staticNet{})
	r.Register("CUSTOM", func() string { return "custom_value" })
	r.Register("", func() string { return "ignored" })

	if got := r.Replace("Value: {CUSTOM}"); got != "Value: custom_value" {
		t.Fatalf("got %q", got)
	}
	if v, ok := r.Value("CUSTOM"); !ok || v != "custom_value" {
		t.Fatalf("Value = %q, %v", v, ok)
	}
	if _, ok := r.Value("NOPE"); ok {
		t.Fatal("unknown macro reported present")
	}
	used := r.Used("Date: {DATE}, Time: {TIME}, Year: {YEAR}")
	if strings.Join(used, ",") != "DATE,TIME,YEAR" {
		t.Fatalf("used = %v", used)
	}
}

func TestShortDuration(t *testing.T) {
	t.Parallel()
	tests := map[time.Duration]string{
		42 * time.Second:              "42s",
		5*time.Minute + 3*time.Second: "5m3s",
		5*time.Hour + 12*time.Minute:  "5h12m",
		76*time.Hour + 30*time.Minute: "3d4h",
		1500 * time.Millisecond:       "1s",
	}
	for d, want := range tests {
		if got := shortDuration(d); got != want {
			t.Fatalf("shortDuration(%v) = %q, want %q", d, got, want)
		}
	}
}
