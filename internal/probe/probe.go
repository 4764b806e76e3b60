package probe

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/PetoAdam/homenavi/office-monitor/internal/model"

	"github.com/go-resty/resty/v2"
	probing "github.com/prometheus-community/pro-bing"
)

const userAgent = "OfficeMonitor/1.0"

// Result is one liveness observation. LatencyMs is nil when unknown.
type Result struct {
	Status    model.Status
	LatencyMs *float64
	Message   string
}

func (r Result) Up() bool { return r.Status == model.StatusUp }

// Prober performs a single check. Implementations never return errors:
// every failure maps to a down Result.
type Prober interface {
	Probe(ctx context.Context, d model.Device) Result
}

// Pinger sends one ICMP echo and reports whether a reply arrived.
type Pinger interface {
	Ping(ctx context.Context, host string, timeout time.Duration) (rtt time.Duration, alive bool, err error)
}

type Checker struct {
	timeout  time.Duration
	pinger   Pinger
	http     *resty.Client
	insecure *resty.Client
}

type Option func(*Checker)

func WithPinger(p Pinger) Option { return func(c *Checker) { c.pinger = p } }

func New(timeout time.Duration, privileged bool, opts ...Option) *Checker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	c := &Checker{
		timeout:  timeout,
		pinger:   ICMPPinger{Privileged: privileged},
		http:     newHTTPClient(timeout, false),
		insecure: newHTTPClient(timeout, true),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func newHTTPClient(timeout time.Duration, skipVerify bool) *resty.Client {
	c := resty.New().
		SetTimeout(timeout).
		SetHeader("User-Agent", userAgent).
		SetRedirectPolicy(resty.RedirectPolicyFunc(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		})).
		SetDoNotParseResponse(true)
	if skipVerify {
		c.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true}) //nolint:gosec // per-device opt-in for self-signed endpoints
	}
	return c
}

func (c *Checker) Probe(ctx context.Context, d model.Device) Result {
	switch d.Type {
	case model.ProbePing:
		return c.ping(ctx, d.Hostname)
	case model.ProbeHTTP:
		return c.get(ctx, d.URL, d.IgnoreTLS)
	default:
		return down(fmt.Sprintf("unsupported probe type %q", d.Type))
	}
}

func (c *Checker) ping(ctx context.Context, host string) Result {
	host = strings.TrimSpace(host)
	if host == "" {
		return down("missing hostname")
	}
	rtt, alive, err := c.pinger.Ping(ctx, host, c.timeout)
	if err != nil {
		return down(err.Error())
	}
	if !alive {
		return down("Host unreachable")
	}
	res := Result{Status: model.StatusUp}
	if rtt > 0 {
		ms := float64(rtt.Microseconds()) / 1000
		res.LatencyMs = &ms
	}
	return res
}

func (c *Checker) get(ctx context.Context, url string, ignoreTLS bool) Result {
	url = strings.TrimSpace(url)
	if url == "" {
		return down("missing url")
	}
	client := c.http
	if ignoreTLS {
		client = c.insecure
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := client.R().SetContext(ctx).Get(url)
	if err != nil {
		return down(errorMessage(err))
	}
	if body := resp.RawBody(); body != nil {
		_ = body.Close()
	}
	ms := float64(time.Since(start).Microseconds()) / 1000
	code := resp.StatusCode()
	res := Result{
		Status:    model.StatusDown,
		LatencyMs: &ms,
		Message:   fmt.Sprintf("%d - %s", code, http.StatusText(code)),
	}
	if code >= 200 && code < 400 {
		res.Status = model.StatusUp
	}
	return res
}

func down(msg string) Result { return Result{Status: model.StatusDown, Message: msg} }

func errorMessage(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "Timeout"
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return "Timeout"
	}
	return err.Error()
}

// ICMPPinger uses pro-bing. Unprivileged mode sends UDP pings, which needs
// net.ipv4.ping_group_range on Linux.
type ICMPPinger struct {
	Privileged bool
}

func (p ICMPPinger) Ping(ctx context.Context, host string, timeout time.Duration) (time.Duration, bool, error) {
	pinger, err := probing.NewPinger(host)
	if err != nil {
		return 0, false, err
	}
	pinger.Count = 1
	pinger.Timeout = timeout
	pinger.SetPrivileged(p.Privileged)
	if err := pinger.RunWithContext(ctx); err != nil {
		return 0, false, err
	}
	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return 0, false, nil
	}
	return stats.AvgRtt, true, nil
}
