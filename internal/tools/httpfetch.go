// Package tools implements the built-in host capabilities a sandboxed
// program can reach: a hardened HTTP fetch and a clock. External MCP
// servers contribute further capabilities through the mcp subpackage.
//
// http_fetch security:
//   - Host allowlist enforced before every request and on every redirect
//   - DNS resolution checked: private/internal IPs blocked
//   - Response body capped
//   - Only GET and HEAD methods allowed
package tools

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jkaninda/crucible/internal/capability"
	"github.com/jkaninda/crucible/internal/config"
)

const defaultMaxResponseBytes = 5 << 20 // 5 MB

// HTTPFetch fetches URLs within the configured host allowlist.
type HTTPFetch struct {
	cfg    *config.HTTPFetchConfig
	logger *slog.Logger

	// resolveCheck is swapped out by tests that fetch from loopback.
	resolveCheck func(host string) error
}

// NewHTTPFetch creates the http_fetch capability restricted to the
// configured hosts.
func NewHTTPFetch(cfg *config.HTTPFetchConfig, logger *slog.Logger) *HTTPFetch {
	return &HTTPFetch{cfg: cfg, logger: logger, resolveCheck: checkHostResolution}
}

func (t *HTTPFetch) Spec() capability.Spec {
	return capability.Spec{
		Name:        "http_fetch",
		Description: "Fetch content from an allowed URL. Arguments: url (required), method (GET or HEAD, default GET).",
		Required:    []string{"url"},
		Optional:    []string{"method"},
	}
}

func (t *HTTPFetch) Execute(ctx context.Context, args map[string]any) (any, error) {
	rawURL, ok := args["url"].(string)
	if !ok || rawURL == "" {
		return nil, fmt.Errorf("url must be a non-empty string")
	}

	method := http.MethodGet
	if m, ok := args["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}
	if method != http.MethodGet && method != http.MethodHead {
		return nil, fmt.Errorf("only GET and HEAD methods allowed, got %q", method)
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("only http/https schemes allowed, got %q", parsed.Scheme)
	}
	if !hostAllowed(parsed.Hostname(), t.cfg.AllowedHosts) {
		return nil, fmt.Errorf("host %q is not in the allowlist", parsed.Hostname())
	}
	if err := t.resolveCheck(parsed.Hostname()); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout())
	defer cancel()

	client := &http.Client{CheckRedirect: t.checkRedirect}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", "Crucible/1.0")

	t.logger.InfoContext(ctx, "http_fetch executing",
		slog.String("method", method),
		slog.String("host", parsed.Hostname()),
	)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	maxBytes := t.cfg.MaxResponseBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxResponseBytes
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	truncated := false
	if int64(len(body)) > maxBytes {
		body = body[:maxBytes]
		truncated = true
	}

	return map[string]any{
		"status":    resp.StatusCode,
		"body":      string(body),
		"truncated": truncated,
		"url":       resp.Request.URL.String(),
	}, nil
}

// checkRedirect re-validates each redirect target against the allowlist
// and the private-IP check.
func (t *HTTPFetch) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= 5 {
		return fmt.Errorf("too many redirects (max 5)")
	}

	host := req.URL.Hostname()
	if !hostAllowed(host, t.cfg.AllowedHosts) {
		return fmt.Errorf("redirect to disallowed host %q blocked", host)
	}
	return t.resolveCheck(host)
}

// GetTime reports the host clock. The sandbox has no other way to read
// wall time, so programs that need timestamps go through this dispatch.
type GetTime struct{}

func (GetTime) Spec() capability.Spec {
	return capability.Spec{
		Name:        "get_time",
		Description: "Current time. Optional argument: timezone (IANA name, default UTC).",
		Optional:    []string{"timezone"},
	}
}

func (GetTime) Execute(_ context.Context, args map[string]any) (any, error) {
	loc := time.UTC
	if tz, ok := args["timezone"].(string); ok && tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("unknown timezone %q", tz)
		}
		loc = l
	}
	now := time.Now().In(loc)
	return map[string]any{
		"iso":      now.Format(time.RFC3339),
		"unix":     now.Unix(),
		"timezone": loc.String(),
	}, nil
}

var (
	_ capability.Tool = (*HTTPFetch)(nil)
	_ capability.Tool = GetTime{}
)
