package probe

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	gonet "github.com/shirou/gopsutil/v4/net"

	"github.com/picnotebook/configwatch/internal/desiredstate"
	"github.com/picnotebook/configwatch/internal/finding"
)

const defaultHealthTimeout = 2 * time.Second

var (
	connectionsFn = gonet.ConnectionsWithContext
	dialTimeoutFn = func(ctx context.Context, address string, timeout time.Duration) (net.Conn, error) {
		d := net.Dialer{Timeout: timeout}
		return d.DialContext(ctx, "tcp", address)
	}
)

// Service is one health endpoint the reachability probe checks.
type Service struct {
	Name string
	URL  string
	Host string
	Port int
}

// ReachabilityProbe performs short-deadline health checks. Its findings are
// report-only.
type ReachabilityProbe struct {
	Client  *http.Client
	Timeout time.Duration
}

func (p *ReachabilityProbe) Name() string { return "reachability" }

// Services returns the endpoints checked for state: the API health route and
// the frontend root.
func Services(state desiredstate.State) []Service {
	apiHost, _ := desiredstate.HostPort(state.APIURL)
	feHost, _ := desiredstate.HostPort(state.FrontendURL)
	return []Service{
		{Name: "api", URL: state.APIURL + "/health", Host: apiHost, Port: state.APIPort},
		{Name: "frontend", URL: state.FrontendURL + "/", Host: feHost, Port: state.FrontendPort},
	}
}

func (p *ReachabilityProbe) Run(ctx context.Context, state desiredstate.State) ([]finding.Finding, error) {
	var findings []finding.Finding
	for _, svc := range Services(state) {
		if f, bad := p.check(ctx, svc); bad {
			findings = append(findings, f)
		}
	}
	return findings, nil
}

func (p *ReachabilityProbe) timeout() time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}
	return defaultHealthTimeout
}

func (p *ReachabilityProbe) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return &http.Client{Timeout: p.timeout()}
}

func (p *ReachabilityProbe) check(ctx context.Context, svc Service) (finding.Finding, bool) {
	reqCtx, cancel := context.WithTimeout(ctx, p.timeout())
	defer cancel()

	base := finding.Finding{
		TargetFile: svc.URL,
		Locator:    finding.Locator{Variable: svc.Name},
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, svc.URL, nil)
	if err != nil {
		base.Kind = finding.KindServiceConnectionFailed
		base.Observed = "invalid request"
		base.Description = fmt.Sprintf("%s: %v", svc.Name, err)
		return base, true
	}

	resp, err := p.client().Do(req)
	if err != nil {
		if listening(ctx, svc.Host, svc.Port, p.timeout()) {
			base.Kind = finding.KindServiceConnectionFailed
			base.Observed = "no valid response"
			base.Expected = "HTTP 2xx"
			base.Description = fmt.Sprintf("%s listens on port %d but the health check failed: %v", svc.Name, svc.Port, err)
		} else {
			base.Kind = finding.KindServiceNotRunning
			base.Observed = "not listening"
			base.Expected = "listening on port " + strconv.Itoa(svc.Port)
			base.Description = fmt.Sprintf("%s is not listening on port %d", svc.Name, svc.Port)
		}
		return base, true
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		base.Kind = finding.KindServiceUnhealthy
		base.Observed = "HTTP " + strconv.Itoa(resp.StatusCode)
		base.Expected = "HTTP 2xx"
		base.Description = fmt.Sprintf("%s health check returned %s", svc.Name, resp.Status)
		return base, true
	}
	return finding.Finding{}, false
}

// listening reports whether something accepts TCP connections on port. The
// socket table is consulted first; when it cannot be read, or shows nothing, a
// short dial decides.
func listening(ctx context.Context, host string, port int, timeout time.Duration) bool {
	if port <= 0 {
		return false
	}
	if conns, err := connectionsFn(ctx, "tcp"); err == nil {
		for _, c := range conns {
			if c.Status == "LISTEN" && int(c.Laddr.Port) == port {
				return true
			}
		}
	}

	if host == "" {
		host = "127.0.0.1"
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := dialTimeoutFn(dialCtx, net.JoinHostPort(host, strconv.Itoa(port)), timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
