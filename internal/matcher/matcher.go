// Package matcher correlates abstract endpoints (method + path template)
// with the concrete HTTP exchanges the scanning engine recorded.
package matcher

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/logging"
	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/schema"
)

// DefaultPreviewLimit is how many unmatched endpoints are logged one by one.
const DefaultPreviewLimit = 5

// Source lists exchanges recorded for a base URL, starting at an offset.
type Source interface {
	Messages(ctx context.Context, baseURL string, start int) ([]schema.Message, error)
}

// Result is the outcome of matching.
type Result struct {
	// Scannable holds one resolved copy per abstract endpoint whose route was hit.
	Scannable []*schema.Endpoint
	// Unmatched holds the abstract endpoints whose route was never hit, in input order.
	Unmatched []*schema.Endpoint
	// Messages is the number of exchanges examined.
	Messages int
}

// Matcher resolves endpoints against recorded traffic.
type Matcher struct {
	logger       *zap.Logger
	previewLimit int
}

// New returns a matcher. A nil logger discards output.
func New(logger *zap.Logger) *Matcher {
	return &Matcher{
		logger:       logging.OrNop(logger).Named("matcher"),
		previewLimit: DefaultPreviewLimit,
	}
}

// Resolve fetches the exchanges recorded for target after offset and matches them.
func (m *Matcher) Resolve(ctx context.Context, src Source, target string, endpoints []*schema.Endpoint, offset int) (*Result, error) {
	msgs, err := src.Messages(ctx, target, offset)
	if err != nil {
		return nil, fmt.Errorf("list messages since %d: %w", offset, err)
	}
	m.logger.Debug("retrieved messages", zap.Int("count", len(msgs)), zap.String("target", target))
	return m.Match(target, endpoints, msgs)
}

// Match correlates endpoints with msgs. The path of target is treated as the
// base path that the analyzer's routes are relative to.
func (m *Matcher) Match(target string, endpoints []*schema.Endpoint, msgs []schema.Message) (*Result, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parse target %q: %w", target, err)
	}
	basePath := strings.TrimRight(u.Path, "/")

	ix := newIndex(endpoints)
	hit := make(map[schema.Route]bool)
	res := &Result{Messages: len(msgs)}

	for _, msg := range msgs {
		method, rawURL, ok := requestLine(msg.RequestHeader)
		if !ok {
			continue
		}
		mu, err := url.Parse(rawURL)
		if err != nil {
			m.logger.Debug("skipping unparsable request URL", zap.String("url", rawURL), zap.Error(err))
			continue
		}
		path := stripBase(mu.Path, basePath)

		route, ok := ix.lookup(method, path)
		if !ok {
			continue
		}
		if hit[route] {
			m.logger.Debug("route already resolved", zap.String("method", method), zap.String("url", rawURL))
			continue
		}
		hit[route] = true

		for _, ep := range ix.endpoints[route] {
			res.Scannable = append(res.Scannable, ep.Resolve(method, rawURL, msg.RequestBody))
		}
	}

	for _, ep := range endpoints {
		if !hit[ep.Route()] {
			res.Unmatched = append(res.Unmatched, ep)
		}
	}

	m.logger.Info("created scannable endpoints",
		zap.Int("scannable", len(res.Scannable)),
		zap.Int("messages", len(msgs)))
	m.logUnmatched(res.Unmatched)
	return res, nil
}

func (m *Matcher) logUnmatched(unmatched []*schema.Endpoint) {
	if len(unmatched) == 0 {
		return
	}
	m.logger.Warn(fmt.Sprintf("%d endpoint(s) not found in recorded traffic", len(unmatched)))
	for i, ep := range unmatched {
		if i == m.previewLimit {
			m.logger.Warn(fmt.Sprintf("  ... and %d more", len(unmatched)-m.previewLimit))
			break
		}
		m.logger.Warn(fmt.Sprintf("  - %s %s (%s)", ep.Method, ep.Path, ep.CWE))
	}
}

// requestLine extracts method and URL from "METHOD URL HTTP/1.1".
func requestLine(header string) (method, rawURL string, ok bool) {
	if header == "" {
		return "", "", false
	}
	first, _, _ := strings.Cut(header, "\n")
	parts := strings.Split(strings.TrimRight(first, "\r"), " ")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return strings.ToUpper(parts[0]), parts[1], true
}

func stripBase(path, base string) string {
	if base == "" {
		return path
	}
	if path == base {
		return "/"
	}
	if strings.HasPrefix(path, base+"/") {
		return path[len(base):]
	}
	return path
}
