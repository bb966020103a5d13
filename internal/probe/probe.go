// Package probe implements active reachability checks for proxy endpoints.
package probe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

const (
	defaultTimeout             = 5 * time.Second
	defaultMaxIdleConns        = 100
	defaultMaxIdleConnsPerHost = 10
	defaultIdleConnTimeout     = 90 * time.Second
)

// Prober issues an HTTP request through a proxy address and reports whether
// the endpoint answered. A probe succeeds only on a 2xx response from the
// target URL routed via the proxy.
type Prober struct {
	targetURL string
	timeout   time.Duration
	logger    *slog.Logger
}

// New creates a prober against the given target URL. An empty target
// disables routing checks entirely: every probe passes.
func New(targetURL string, timeout time.Duration, logger *slog.Logger) *Prober {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Prober{
		targetURL: targetURL,
		timeout:   timeout,
		logger:    logger,
	}
}

// Check probes a single proxy address. The address must parse as a proxy
// URL; an unparseable address is reported unhealthy immediately.
func (p *Prober) Check(address string) bool {
	if p.targetURL == "" {
		return true
	}

	client, err := p.clientFor(address)
	if err != nil {
		p.logger.Warn("Proxy address is not a valid URL", "proxy", address, "error", err)
		return false
	}
	defer client.CloseIdleConnections()

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.targetURL, nil)
	if err != nil {
		p.logger.Error("Failed to build probe request", "error", err)
		return false
	}

	resp, err := client.Do(req)
	if err != nil {
		p.logger.Debug("Probe request failed", "proxy", address, "error", err)
		return false
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	healthy := resp.StatusCode >= 200 && resp.StatusCode < 300
	if !healthy {
		p.logger.Debug("Probe got non-2xx response", "proxy", address, "status", resp.StatusCode)
	}
	return healthy
}

// clientFor builds an HTTP client routed through the proxy address.
func (p *Prober) clientFor(address string) (*http.Client, error) {
	proxyURL, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("failed to parse proxy address: %w", err)
	}
	if proxyURL.Scheme == "" || proxyURL.Host == "" {
		return nil, fmt.Errorf("proxy address %q has no scheme or host", address)
	}

	return &http.Client{
		Timeout: p.timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyURL(proxyURL),
			MaxIdleConns:        defaultMaxIdleConns,
			MaxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
			IdleConnTimeout:     defaultIdleConnTimeout,
		},
	}, nil
}
