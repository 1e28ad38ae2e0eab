// Package scanners drives the dynamic scanning engine (OWASP ZAP) through its
// JSON API. Loosely typed responses are decoded here and nowhere else.
package scanners

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/logging"
)

// APIError is a request the engine rejected, e.g. {"code":"url_not_found","message":"..."}.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("zap: %s (http %d)", e.Code, e.Status)
	}
	return fmt.Sprintf("zap: %s: %s (http %d)", e.Code, e.Message, e.Status)
}

// ZAP is a client for the engine's JSON API.
type ZAP struct {
	base     string
	apiKey   string
	http     *http.Client
	limiter  *rate.Limiter
	logger   *zap.Logger
	maxTries uint
	backOff  func() backoff.BackOff
}

// Option configures a ZAP client.
type Option func(*ZAP)

// WithAPIKey sends key with every call.
func WithAPIKey(key string) Option {
	return func(z *ZAP) { z.apiKey = key }
}

// WithRate caps API calls per second. Zero or less means unlimited.
func WithRate(perSecond float64) Option {
	return func(z *ZAP) {
		if perSecond > 0 {
			z.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(z *ZAP) { z.http = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(z *ZAP) { z.logger = logging.OrNop(l).Named("zap") }
}

// WithRetries sets how many attempts a read-only call gets.
func WithRetries(tries uint, initial time.Duration) Option {
	return func(z *ZAP) {
		z.maxTries = max(tries, 1)
		z.backOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = initial
			return b
		}
	}
}

// NewZAP returns a client for the engine listening at baseURL.
func NewZAP(baseURL string, opts ...Option) (*ZAP, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid engine URL %q", baseURL)
	}
	z := &ZAP{
		base:     strings.TrimRight(u.String(), "/"),
		http:     &http.Client{Timeout: 2 * time.Minute},
		logger:   zap.NewNop(),
		maxTries: 4,
		backOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			return b
		},
	}
	for _, opt := range opts {
		opt(z)
	}
	return z, nil
}

// BaseURL returns the engine address.
func (z *ZAP) BaseURL() string { return z.base }

// view performs a read-only call. Transport failures and 5xx answers are retried;
// engine rejections are not.
func (z *ZAP) view(ctx context.Context, component, name string, params url.Values) (gjson.Result, error) {
	return backoff.Retry(ctx, func() (gjson.Result, error) {
		res, err := z.do(ctx, component, "view", name, params)
		var apiErr *APIError
		if errors.As(err, &apiErr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return res, backoff.Permanent(err)
		}
		if err != nil {
			z.logger.Debug("retrying engine call", zap.String("call", component+"/"+name), zap.Error(err))
		}
		return res, err
	}, backoff.WithBackOff(z.backOff()), backoff.WithMaxTries(z.maxTries))
}

// action performs a state-changing call exactly once.
func (z *ZAP) action(ctx context.Context, component, name string, params url.Values) (gjson.Result, error) {
	return z.do(ctx, component, "action", name, params)
}

func (z *ZAP) do(ctx context.Context, component, kind, name string, params url.Values) (gjson.Result, error) {
	if z.limiter != nil {
		if err := z.limiter.Wait(ctx); err != nil {
			return gjson.Result{}, err
		}
	}

	q := url.Values{}
	for k, vs := range params {
		q[k] = vs
	}
	if z.apiKey != "" {
		q.Set("apikey", z.apiKey)
	}
	endpoint := fmt.Sprintf("%s/JSON/%s/%s/%s/", z.base, component, kind, name)
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("build %s/%s request: %w", component, name, err)
	}
	req.Header.Set("Accept", "application/json")
	if z.apiKey != "" {
		req.Header.Set("X-ZAP-API-Key", z.apiKey)
	}

	resp, err := z.http.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%s/%s: %w", component, name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%s/%s: read body: %w", component, name, err)
	}

	if !gjson.ValidBytes(body) {
		if resp.StatusCode >= http.StatusBadRequest && resp.StatusCode < http.StatusInternalServerError {
			return gjson.Result{}, &APIError{Status: resp.StatusCode, Code: http.StatusText(resp.StatusCode), Message: strings.TrimSpace(string(body))}
		}
		return gjson.Result{}, fmt.Errorf("%s/%s: http %d: response is not JSON", component, name, resp.StatusCode)
	}
	res := gjson.ParseBytes(body)

	if code := res.Get("code"); code.Exists() && res.Get("message").Exists() {
		return res, &APIError{Status: resp.StatusCode, Code: code.String(), Message: res.Get("message").String()}
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return res, fmt.Errorf("%s/%s: http %d", component, name, resp.StatusCode)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return res, &APIError{Status: resp.StatusCode, Code: http.StatusText(resp.StatusCode)}
	}

	z.logger.Debug("engine call", zap.String("call", component+"/"+kind+"/"+name), zap.Int("status", resp.StatusCode))
	return res, nil
}

// intValue decodes numbers the engine may send as strings ("45").
func intValue(r gjson.Result) (int, error) {
	if !r.Exists() {
		return 0, errors.New("missing value")
	}
	n, err := strconv.Atoi(strings.TrimSpace(r.String()))
	if err != nil {
		return 0, fmt.Errorf("not an integer: %q", r.String())
	}
	return n, nil
}

// stringList decodes either a JSON array or the bracketed text form "[a, b]".
func stringList(r gjson.Result) []string {
	if r.IsArray() {
		items := r.Array()
		out := make([]string, 0, len(items))
		for _, it := range items {
			out = append(out, it.String())
		}
		return out
	}
	s := strings.TrimSpace(r.String())
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// firstValue returns r[key], or the only member of a one-field object when the
// engine names the field differently.
func firstValue(r gjson.Result, key string) gjson.Result {
	if v := r.Get(key); v.Exists() {
		return v
	}
	var out gjson.Result
	r.ForEach(func(_, v gjson.Result) bool {
		out = v
		return false
	})
	return out
}
