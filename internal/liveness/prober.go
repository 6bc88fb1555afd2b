package liveness

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"runtime"
	"time"

	probing "github.com/prometheus-community/pro-bing"
	"go.uber.org/zap"
)

// Prober tests whether a device's agent endpoint is reachable.
type Prober interface {
	Probe(ctx context.Context, serverURL string) *ProbeResult
}

// Compile-time interface guard.
var _ Prober = (*HTTPProber)(nil)

// HTTPProber probes a device by sending GET to its agent health endpoint.
// A failed probe is optionally refined with an ICMP ping so operators can
// tell a powered-off device from a crashed agent.
type HTTPProber struct {
	client         *http.Client
	icmpRefinement bool
	logger         *zap.Logger
}

// NewHTTPProber creates a prober with the given per-probe timeout.
// Self-signed TLS certificates are accepted (InsecureSkipVerify).
func NewHTTPProber(timeout time.Duration, icmpRefinement bool, logger *zap.Logger) *HTTPProber {
	return &HTTPProber{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig:   &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: true}, //nolint:gosec // G402: device agents use self-signed certs
				DisableKeepAlives: true,
			},
		},
		icmpRefinement: icmpRefinement,
		logger:         logger,
	}
}

// Probe sends a GET request to the device's health endpoint and checks for
// a 2xx response.
func (p *HTTPProber) Probe(ctx context.Context, serverURL string) *ProbeResult {
	target := serverURL + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return &ProbeResult{
			ErrorMessage: fmt.Sprintf("invalid URL %q: %v", serverURL, err),
			CheckedAt:    time.Now().UTC(),
		}
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	elapsed := time.Since(start)

	result := &ProbeResult{
		LatencyMs: float64(elapsed) / float64(time.Millisecond),
		CheckedAt: time.Now().UTC(),
	}
	if err != nil {
		result.ErrorMessage = err.Error()
		p.refine(ctx, serverURL, result)
		return result
	}
	resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		result.Success = true
		return result
	}
	result.ErrorMessage = fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	// A non-2xx answer still came from the host.
	up := true
	result.HostUp = &up
	return result
}

// refine pings the device host after a failed probe so the error message
// distinguishes an unreachable host from a host whose agent is down.
func (p *HTTPProber) refine(ctx context.Context, serverURL string, result *ProbeResult) {
	if !p.icmpRefinement {
		return
	}
	u, err := url.Parse(serverURL)
	if err != nil || u.Hostname() == "" {
		return
	}
	up := pingHost(ctx, u.Hostname(), p.logger)
	result.HostUp = &up
	if up {
		result.ErrorMessage = "service unreachable (host up): " + result.ErrorMessage
	} else {
		result.ErrorMessage = "host unreachable: " + result.ErrorMessage
	}
}

// pingHost sends a single ICMP echo and reports whether a reply arrived.
func pingHost(ctx context.Context, host string, logger *zap.Logger) bool {
	pinger, err := probing.NewPinger(host)
	if err != nil {
		logger.Debug("failed to create pinger", zap.String("host", host), zap.Error(err))
		return false
	}
	pinger.Count = 1
	pinger.Timeout = 2 * time.Second
	pinger.SetPrivileged(runtime.GOOS == "windows")

	done := make(chan struct{})
	go func() {
		defer close(done)
		if runErr := pinger.Run(); runErr != nil {
			logger.Debug("ping failed", zap.String("host", host), zap.Error(runErr))
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		pinger.Stop()
		return false
	}
	return pinger.Statistics().PacketsRecv > 0
}
