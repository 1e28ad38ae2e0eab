package matcher

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/schema"
)

func ep(method, path, cwe string) *schema.Endpoint {
	return &schema.Endpoint{Method: method, Path: path, CWE: cwe, InputVectors: schema.DefaultInputVectors, RuleID: "r-" + cwe}
}

func msg(line, body string) schema.Message {
	return schema.Message{RequestHeader: line + "\r\nHost: app.local\r\n\r\n", RequestBody: body}
}

func TestMatch_TemplateWithBasePath(t *testing.T) {
	t.Parallel()

	endpoints := []*schema.Endpoint{ep("GET", "/users/{id}", "CWE-89")}
	msgs := []schema.Message{msg("GET http://app.local/api/users/42 HTTP/1.1", "")}

	res, err := New(nil).Match("http://app.local/api/", endpoints, msgs)
	require.NoError(t, err)

	require.Len(t, res.Scannable, 1)
	got := res.Scannable[0]
	assert.Equal(t, "http://app.local/api/users/42", got.MatchedURL)
	assert.True(t, got.Scannable())
	assert.Equal(t, schema.Key{Method: "GET", Path: "/users/{id}", CWE: "CWE-89"}, got.Key())
	assert.Empty(t, res.Unmatched)
	assert.Equal(t, 1, res.Messages)

	// the abstract endpoint is left untouched
	assert.False(t, endpoints[0].Scannable())
}

func TestMatch_UnrelatedTrafficOnlyMatters(t *testing.T) {
	t.Parallel()

	endpoints := []*schema.Endpoint{ep("GET", "/users/{id}", "CWE-89")}

	matched, err := New(nil).Match("http://app.local/api", endpoints, []schema.Message{
		msg("GET http://app.local/api/health HTTP/1.1", ""),
		msg("GET http://app.local/api/users/7 HTTP/1.1", ""),
	})
	require.NoError(t, err)
	assert.Len(t, matched.Scannable, 1)
	assert.Empty(t, matched.Unmatched)

	unmatched, err := New(nil).Match("http://app.local/api", endpoints, []schema.Message{
		msg("GET http://app.local/api/health HTTP/1.1", ""),
	})
	require.NoError(t, err)
	assert.Empty(t, unmatched.Scannable)
	require.Len(t, unmatched.Unmatched, 1)
	assert.Same(t, endpoints[0], unmatched.Unmatched[0])
}

func TestMatch_ManyClassesShareRoute(t *testing.T) {
	t.Parallel()

	endpoints := []*schema.Endpoint{
		ep("POST", "/orders", "CWE-89"),
		ep("POST", "/orders", "CWE-79"),
		ep("GET", "/orders", "CWE-22"),
	}
	res, err := New(nil).Match("http://app.local", endpoints, []schema.Message{
		msg("POST http://app.local/orders HTTP/1.1", `{"item":"a"}`),
		msg("POST http://app.local/orders HTTP/1.1", `{"item":"b"}`),
	})
	require.NoError(t, err)

	require.Len(t, res.Scannable, 2, "a route resolves once, from its first exchange")
	for _, s := range res.Scannable {
		assert.Equal(t, `{"item":"a"}`, s.PostData)
		assert.Equal(t, "POST", s.Method)
	}
	assert.Equal(t, "CWE-89", res.Scannable[0].CWE)
	assert.Equal(t, "CWE-79", res.Scannable[1].CWE)

	require.Len(t, res.Unmatched, 1)
	assert.Equal(t, "CWE-22", res.Unmatched[0].CWE)
}

func TestMatch_MethodIsCaseInsensitive(t *testing.T) {
	t.Parallel()

	endpoints := []*schema.Endpoint{ep("get", "/items", "CWE-89")}
	res, err := New(nil).Match("http://app.local", endpoints, []schema.Message{
		msg("get http://app.local/items?q=1 HTTP/1.1", ""),
	})
	require.NoError(t, err)
	require.Len(t, res.Scannable, 1)
	assert.Equal(t, "GET", res.Scannable[0].Method)
	assert.Equal(t, "http://app.local/items?q=1", res.Scannable[0].MatchedURL)
}

func TestMatch_LiteralBeatsTemplate(t *testing.T) {
	t.Parallel()

	endpoints := []*schema.Endpoint{
		ep("GET", "/users/{id}", "CWE-89"),
		ep("GET", "/users/me", "CWE-79"),
		ep("GET", "/users/{id}/files/{name}", "CWE-22"),
	}
	res, err := New(nil).Match("http://app.local", endpoints, []schema.Message{
		msg("GET http://app.local/users/me HTTP/1.1", ""),
		msg("GET http://app.local/users/3/files/a.txt HTTP/1.1", ""),
	})
	require.NoError(t, err)

	var cwes []string
	for _, s := range res.Scannable {
		cwes = append(cwes, s.CWE)
	}
	assert.Equal(t, []string{"CWE-79", "CWE-22"}, cwes)
	require.Len(t, res.Unmatched, 1)
	assert.Equal(t, "/users/{id}", res.Unmatched[0].Path)
}

func TestMatch_BasePathBoundary(t *testing.T) {
	t.Parallel()

	endpoints := []*schema.Endpoint{ep("GET", "/apiv2/users", "CWE-89")}
	res, err := New(nil).Match("http://app.local/api", endpoints, []schema.Message{
		msg("GET http://app.local/apiv2/users HTTP/1.1", ""),
	})
	require.NoError(t, err)
	assert.Len(t, res.Scannable, 1, "a base path only strips whole segments")
}

func TestMatch_SkipsMalformedExchanges(t *testing.T) {
	t.Parallel()

	endpoints := []*schema.Endpoint{ep("GET", "/a", "CWE-89")}
	res, err := New(nil).Match("http://app.local", endpoints, []schema.Message{
		{RequestHeader: ""},
		{RequestHeader: "GET\r\n"},
		{RequestHeader: "GET http://[::1 HTTP/1.1\r\n"},
		msg("GET http://app.local/a HTTP/1.1", ""),
	})
	require.NoError(t, err)
	assert.Len(t, res.Scannable, 1)
	assert.Equal(t, 4, res.Messages)
}

func TestMatch_BadTarget(t *testing.T) {
	t.Parallel()
	_, err := New(nil).Match("http://[::1", nil, nil)
	require.Error(t, err)
}

func TestMatch_UnmatchedPreviewIsBounded(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	var endpoints []*schema.Endpoint
	for _, p := range []string{"/a", "/b", "/c", "/d", "/e", "/f", "/g"} {
		endpoints = append(endpoints, ep("GET", p, "CWE-89"))
	}

	res, err := New(zap.New(core)).Match("http://app.local", endpoints, nil)
	require.NoError(t, err)
	require.Len(t, res.Unmatched, 7)

	entries := logs.All()
	require.Len(t, entries, 7, "header, five previews and the truncation line")
	assert.Equal(t, "7 endpoint(s) not found in recorded traffic", entries[0].Message)
	assert.Equal(t, "  - GET /a (CWE-89)", entries[1].Message)
	assert.Equal(t, "  ... and 2 more", entries[6].Message)
}

type fakeSource struct {
	msgs  []schema.Message
	err   error
	start int
	base  string
}

func (f *fakeSource) Messages(_ context.Context, baseURL string, start int) ([]schema.Message, error) {
	f.start = start
	f.base = baseURL
	return f.msgs, f.err
}

func TestResolve(t *testing.T) {
	t.Parallel()

	src := &fakeSource{msgs: []schema.Message{msg("GET http://app.local/a HTTP/1.1", "")}}
	res, err := New(nil).Resolve(context.Background(), src, "http://app.local", []*schema.Endpoint{ep("GET", "/a", "CWE-89")}, 12)
	require.NoError(t, err)
	assert.Len(t, res.Scannable, 1)
	assert.Equal(t, 12, src.start)
	assert.Equal(t, "http://app.local", src.base)

	src.err = errors.New("engine down")
	_, err = New(nil).Resolve(context.Background(), src, "http://app.local", nil, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, src.err)
}
