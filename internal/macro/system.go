package macro

import (
	"context"
	"net"
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"
)

var processStart = time.Now()

func (r *Replacer) registerSystem() {
	r.Register("HOSTNAME", func() string {
		h, err := os.Hostname()
		if err != nil {
			return "unknown"
		}
		return h
	})
	r.Register("OS", func() string { return runtime.GOOS })
	r.Register("ARCH", func() string { return runtime.GOARCH })
	r.Register("CPU_COUNT", func() string { return strconv.Itoa(runtime.NumCPU()) })
	r.Register("UPTIME", func() string { return shortDuration(r.now().Sub(processStart)) })
}

func (r *Replacer) registerNetwork() {
	r.Register("LOCAL_IP", localIP)
	r.Register("PUBLIC_IP", func() string { return orUnknown(r.net.Lookup().IP) })
	r.Register("ISP", func() string { return orUnknown(r.net.Lookup().ISP) })
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// localIP returns the first non-loopback IPv4 address of the host.
func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "unknown"
	}
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok || ipn.IP.IsLoopback() {
			continue
		}
		if v4 := ipn.IP.To4(); v4 != nil {
			return v4.String()
		}
	}
	return "unknown"
}

// Identity is the public face of this host as seen by a speedtest.net lookup.
type Identity struct {
	IP  string
	ISP string
}

// NetInfo resolves the host's public identity.
type NetInfo interface {
	Lookup() Identity
}

// SpeedtestInfo asks speedtest.net for the public IP and ISP. Results are
// kept for ttl so a text using both macros costs one request.
type SpeedtestInfo struct {
	ttl     time.Duration
	timeout time.Duration

	mu      sync.Mutex
	cached  Identity
	fetched time.Time
}

func NewSpeedtestInfo(ttl time.Duration) *SpeedtestInfo {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &SpeedtestInfo{ttl: ttl, timeout: 5 * time.Second}
}

func (s *SpeedtestInfo) Lookup() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.fetched.IsZero() && time.Since(s.fetched) < s.ttl {
		return s.cached
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	// A private client avoids the package-level state speedtest-go keeps.
	client := st.New()
	user, err := client.FetchUserInfoContext(ctx)
	if err != nil || user == nil {
		return Identity{}
	}
	s.cached = Identity{IP: user.IP, ISP: user.Isp}
	s.fetched = time.Now()
	return s.cached
}
