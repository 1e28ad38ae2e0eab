package results

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/scanners"
	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/scanners/scannertest"
	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/schema"
)

type staticAlerts struct {
	ids    map[string][]string
	alerts map[string]schema.Alert
	err    error
}

func (s staticAlerts) AlertIDs(_ context.Context, scanID string) ([]string, error) {
	return s.ids[scanID], s.err
}

func (s staticAlerts) Alert(_ context.Context, id string) (schema.Alert, error) {
	return s.alerts[id], nil
}

func endpoint(method, path, cwe, scanID, scanErr string) *schema.Endpoint {
	return &schema.Endpoint{
		Method: method, Path: path, CWE: cwe, RuleID: "java/" + cwe, RuleName: "rule " + cwe,
		RiskLevel: "error", InputVectors: 31, ScanID: scanID, ScanError: scanErr,
	}
}

func TestClassify_Partition(t *testing.T) {
	t.Parallel()

	endpoints := []*schema.Endpoint{
		endpoint("GET", "/a", "CWE-89", "1", ""),
		endpoint("GET", "/b", "CWE-89", "2", ""),
		endpoint("GET", "/c", "CWE-79", "", schema.ErrCodeNoMatchedURL),
		endpoint("GET", "/d", "CWE-22", "", schema.ErrCodeNoPolicy),
		endpoint("POST", "/a", "CWE-89", "3", ""),
	}
	src := staticAlerts{
		ids:    map[string][]string{"1": {"10", "11"}, "3": {"12"}},
		alerts: map[string]schema.Alert{"10": {ID: "10"}, "11": {ID: "11"}, "12": {ID: "12"}},
	}

	alerts, err := FetchAlerts(context.Background(), src, endpoints, nil)
	require.NoError(t, err)
	c := Classify(endpoints, alerts)

	seen := map[schema.Key]int{}
	for _, set := range [][]*schema.Endpoint{c.Confirmed, c.Unconfirmed, c.NotScanned} {
		for _, ep := range set {
			seen[ep.Key()]++
		}
	}
	assert.Len(t, seen, len(endpoints))
	for k, n := range seen {
		assert.Equal(t, 1, n, "%s classified more than once", k)
	}
	assert.Equal(t, len(endpoints), c.Total())

	require.Len(t, c.Confirmed, 2)
	for _, ep := range c.Confirmed {
		assert.NotEmpty(t, c.Alerts[ep.Key()], "confirmed implies evidence")
	}
	assert.Len(t, c.Alerts[schema.Key{Method: "GET", Path: "/a", CWE: "CWE-89"}], 2)

	require.Len(t, c.Unconfirmed, 1)
	assert.Equal(t, "/b", c.Unconfirmed[0].Path)

	require.Len(t, c.NotScanned, 2)
	for _, ep := range c.NotScanned {
		assert.Empty(t, ep.ScanID)
	}
	assert.ElementsMatch(t, []schema.Key{
		{Method: "GET", Path: "/a", CWE: "CWE-89"},
		{Method: "POST", Path: "/a", CWE: "CWE-89"},
	}, c.ConfirmedKeys())
}

func TestFetchAlerts_SkipsUnscanned(t *testing.T) {
	t.Parallel()

	src := staticAlerts{err: errors.New("must not be called")}
	alerts, err := FetchAlerts(context.Background(), src, []*schema.Endpoint{endpoint("GET", "/c", "CWE-79", "", "no_policy")}, nil)
	require.NoError(t, err)
	assert.Contains(t, alerts, schema.Key{Method: "GET", Path: "/c", CWE: "CWE-79"})
	assert.Empty(t, alerts[schema.Key{Method: "GET", Path: "/c", CWE: "CWE-79"}])
}

func TestFetchAlerts_EngineError(t *testing.T) {
	t.Parallel()

	boom := errors.New("gone")
	_, err := FetchAlerts(context.Background(), staticAlerts{err: boom}, []*schema.Endpoint{endpoint("GET", "/a", "CWE-89", "7", "")}, nil)
	require.ErrorIs(t, err, boom)
}

func TestFetchAlerts_FromEngine(t *testing.T) {
	t.Parallel()

	engine := scannertest.New(1, 40018)
	engine.Vulnerable = func(req scanners.ScanRequest) bool { return req.URL == "http://app.local/vuln" }
	ctx := context.Background()
	require.NoError(t, engine.AddScanPolicy(ctx, "policy-CWE-89"))

	vulnID, err := engine.Scan(ctx, scanners.ScanRequest{URL: "http://app.local/vuln", Method: "GET", Policy: "policy-CWE-89"})
	require.NoError(t, err)
	safeID, err := engine.Scan(ctx, scanners.ScanRequest{URL: "http://app.local/safe", Method: "GET", Policy: "policy-CWE-89"})
	require.NoError(t, err)

	vuln := endpoint("GET", "/vuln", "CWE-89", vulnID, "")
	safe := endpoint("GET", "/safe", "CWE-89", safeID, "")
	alerts, err := FetchAlerts(ctx, engine, []*schema.Endpoint{vuln, safe}, nil)
	require.NoError(t, err)

	c := Classify([]*schema.Endpoint{vuln, safe}, alerts)
	require.Len(t, c.Confirmed, 1)
	assert.Same(t, vuln, c.Confirmed[0])
	assert.Equal(t, "89", c.Alerts[vuln.Key()][0].CWEID)
	assert.Equal(t, []*schema.Endpoint{safe}, c.Unconfirmed)
}

func TestSummary_Document(t *testing.T) {
	t.Parallel()

	confirmed := endpoint("GET", "/a", "CWE-89", "1", "")
	unconfirmed := endpoint("GET", "/b", "CWE-89", "2", "")
	skipped := endpoint("GET", "/c", "CWE-79", "", schema.ErrCodeNoMatchedURL)
	raw := json.RawMessage(`{"id":"10","name":"SQL Injection","evidence":"ORA-01756"}`)
	var alert schema.Alert
	require.NoError(t, json.Unmarshal(raw, &alert))

	c := Classify([]*schema.Endpoint{confirmed, unconfirmed, skipped}, map[schema.Key][]schema.Alert{confirmed.Key(): {alert}})
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewSummary("run-1", "http://app.local", c, Timing{StartedAt: start, FinishedAt: start.Add(time.Minute), ScanDuration: 42500 * time.Millisecond}, 120)

	path := filepath.Join(t.TempDir(), "nested", "scan-results.json")
	require.NoError(t, s.Save(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	doc := gjson.ParseBytes(data)
	assert.Equal(t, int64(3), doc.Get("summary.total_endpoints").Int())
	assert.Equal(t, int64(1), doc.Get("summary.confirmed").Int())
	assert.Equal(t, int64(1), doc.Get("summary.unconfirmed").Int())
	assert.Equal(t, int64(1), doc.Get("summary.not_scanned").Int())
	assert.InDelta(t, 42.5, doc.Get("summary.scan_duration_seconds").Float(), 0.001)
	assert.Equal(t, int64(120), doc.Get("summary.total_messages_sent").Int())
	assert.Equal(t, "run-1", doc.Get("run_id").String())

	assert.Equal(t, "/a", doc.Get("confirmed_vulnerabilities.0.endpoint.path").String())
	assert.Equal(t, "ORA-01756", doc.Get("confirmed_vulnerabilities.0.alerts.0.evidence").String(), "alert payload is written verbatim")
	assert.Equal(t, "2", doc.Get("unconfirmed_vulnerabilities.0.scan_id").String())
	assert.Equal(t, "no_matched_url", doc.Get("not_scanned.0.scan_error").String())
	assert.True(t, doc.Get("not_scanned.0.scan_id").Exists())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, s.Stats, loaded.Stats)
	require.Len(t, loaded.Confirmed, 1)
	assert.Equal(t, 1, loaded.Confirmed[0].AlertCount())
}

func TestSummary_EmptySetsAreArrays(t *testing.T) {
	t.Parallel()

	s := NewSummary("r", "http://app.local", Classify(nil, nil), Timing{}, 0)
	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Equal(t, "[]", gjson.GetBytes(data, "confirmed_vulnerabilities").Raw)
	assert.Equal(t, "[]", gjson.GetBytes(data, "unconfirmed_vulnerabilities").Raw)
	assert.Equal(t, "[]", gjson.GetBytes(data, "not_scanned").Raw)
}
