// Package webhook dispatches the error-grouper's new-group notification to
// an operator-configured URL, guarded against SSRF: no teacher analog (the
// teacher never calls out to an operator-supplied URL), built fresh from
// spec.md §6's validation rules with stdlib net/net/http/net/url. The
// fire-and-forget dispatch discipline (log at warn, never propagate) mirrors
// pkg/interceptors/audit.go's async audit-log write.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"errly/pkg/logger"
)

const dispatchTimeout = 5 * time.Second

// resolver is the subset of *net.Resolver Dispatcher needs; tests
// substitute a fake implementation to simulate DNS-rebinding without a
// real network lookup.
type resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Dispatcher POSTs a JSON payload to the configured webhook URL, validating
// it against SSRF on every dispatch. It does no validation when the URL is
// configured.
type Dispatcher struct {
	httpClient *http.Client
	resolver   resolver
}

// New builds a Dispatcher using net.DefaultResolver for hostname lookups.
func New() *Dispatcher {
	return &Dispatcher{
		httpClient: &http.Client{Timeout: dispatchTimeout},
		resolver:   net.DefaultResolver,
	}
}

// Payload is the wire body POSTed on a new group.
type Payload struct {
	Type      string `json:"type"`
	Error     any    `json:"error"`
	Timestamp int64  `json:"timestamp"`
}

// Dispatch validates webhookURL and, if it passes, POSTs payload to it.
// Every failure — validation, network, non-2xx — is logged at warn and
// swallowed; the caller never learns about webhook failures because spec
// treats this path as fire-and-forget.
func (d *Dispatcher) Dispatch(ctx context.Context, webhookURL string, payload Payload) {
	if webhookURL == "" {
		return
	}

	if err := d.validate(ctx, webhookURL); err != nil {
		logger.Log.Warn("webhook URL failed SSRF validation, skipping dispatch", "url", webhookURL, "error", err)
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		logger.Log.Warn("failed to marshal webhook payload", "error", err)
		return
	}

	dispatchCtx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(dispatchCtx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		logger.Log.Warn("failed to build webhook request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		logger.Log.Warn("webhook dispatch failed", "url", webhookURL, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		logger.Log.Warn("webhook endpoint returned non-2xx", "url", webhookURL, "status", resp.StatusCode)
	}
}

// validate checks scheme, rejects literal private/reserved IPs, and — the
// DNS-rebinding mitigation — resolves the hostname and rejects it if any
// A/AAAA answer is private/reserved.
func (d *Dispatcher) validate(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q is not http or https", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("URL has no host")
	}

	if ip := net.ParseIP(host); ip != nil {
		if isPrivateOrReserved(ip) {
			return fmt.Errorf("literal address %s is private or reserved", ip)
		}
		return nil
	}

	addrs, err := d.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("no addresses resolved for %s", host)
	}
	for _, a := range addrs {
		if isPrivateOrReserved(a.IP) {
			return fmt.Errorf("%s resolves to private/reserved address %s", host, a.IP)
		}
	}
	return nil
}

var privateV4Blocks = []*net.IPNet{
	mustCIDR("127.0.0.0/8"),
	mustCIDR("10.0.0.0/8"),
	mustCIDR("172.16.0.0/12"),
	mustCIDR("192.168.0.0/16"),
	mustCIDR("169.254.0.0/16"),
	mustCIDR("0.0.0.0/8"),
}

var privateV6Blocks = []*net.IPNet{
	mustCIDR("fc00::/7"),
	mustCIDR("fe80::/10"),
}

func mustCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

// isPrivateOrReserved reports whether ip falls in a private/reserved block
// per spec §6's exact list, or is the IPv6 loopback (::1).
func isPrivateOrReserved(ip net.IP) bool {
	if ip.IsLoopback() {
		return true
	}
	if v4 := ip.To4(); v4 != nil {
		for _, block := range privateV4Blocks {
			if block.Contains(v4) {
				return true
			}
		}
		return false
	}
	for _, block := range privateV6Blocks {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}
