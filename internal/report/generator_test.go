package report

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/results"
	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/schema"
)

func sampleSummary() *results.Summary {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &results.Summary{
		RunID:     "run-1",
		Target:    "http://app.local",
		StartedAt: start,
		Stats: results.Stats{
			TotalEndpoints: 4, Confirmed: 2, Unconfirmed: 1, NotScanned: 1,
			ScanDurationSeconds: 61.4, TotalMessagesSent: 300,
		},
		Confirmed: []results.ConfirmedEntry{
			{
				Endpoint: results.EndpointEntry{Method: "GET", Path: "/search", CWE: "CWE-79", RuleName: "XSS"},
				Alerts:   []schema.Alert{{Name: "Reflected XSS", Risk: "Medium", Param: "q"}},
			},
			{
				Endpoint: results.EndpointEntry{Method: "GET", Path: "/users/{id}", CWE: "CWE-89", RuleID: "java/sqli"},
				Alerts: []schema.Alert{
					{Name: "SQL Injection", Risk: "Low"},
					{Name: "SQL Injection - Oracle", Risk: "High", Param: "id"},
				},
			},
		},
		Unconfirmed: []results.EndpointEntry{{Method: "POST", Path: "/orders", CWE: "CWE-89", ScanID: "7"}},
		NotScanned:  []results.EndpointEntry{{Method: "GET", Path: "/admin", CWE: "CWE-22", ScanError: schema.ErrCodeNoMatchedURL}},
	}
}

func TestBuildViewModel(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	vm := buildViewModel(sampleSummary(), now)

	require.Len(t, vm.Confirmed, 2)
	assert.Equal(t, "HIGH", vm.Confirmed[0].Severity, "highest alert risk wins and sorts first")
	assert.Equal(t, "/users/{id}", vm.Confirmed[0].Path)
	assert.Equal(t, "java/sqli", vm.Confirmed[0].Rule)
	assert.Equal(t, 2, vm.Confirmed[0].Alerts)
	assert.Equal(t, "SQL Injection - Oracle", vm.Confirmed[0].Alert, "alert shown matches the severity badge")
	assert.Equal(t, "id", vm.Confirmed[0].Evidence)
	assert.Equal(t, "MEDIUM", vm.Confirmed[1].Severity)
	assert.Equal(t, "q", vm.Confirmed[1].Evidence)

	assert.Equal(t, map[string]int{"HIGH": 1, "MEDIUM": 1, "LOW": 0, "INFORMATIONAL": 0}, vm.Counts)
	assert.Equal(t, 17, vm.Score)
	assert.Equal(t, "F", vm.Grade)
	assert.Equal(t, "1m1s", vm.Duration)
	assert.Equal(t, "scan 7", vm.Unconfirmed[0].Status)
	assert.Equal(t, "no_matched_url", vm.NotScanned[0].Status)
	assert.Equal(t, 2026, vm.Year)
}

func TestBuildViewModel_NothingConfirmed(t *testing.T) {
	t.Parallel()

	vm := buildViewModel(&results.Summary{Target: "http://app.local"}, time.Now())
	assert.Equal(t, 100, vm.Score)
	assert.Equal(t, "A", vm.Grade)
	assert.Empty(t, vm.Confirmed)
}

func TestGenerateHTML(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "out")
	path, err := GenerateHTML(sampleSummary(), dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "report.html"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	html := string(data)
	assert.Contains(t, html, "SQL Injection - Oracle")
	assert.Contains(t, html, "/users/{id}")
	assert.Contains(t, html, "no_matched_url")
	assert.Equal(t, 1, strings.Count(html, `class="grade">F<`))
}

func TestLoadSummary(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "scan-results.json")
	require.NoError(t, sampleSummary().Save(path))

	s, err := LoadSummary(path)
	require.NoError(t, err)
	assert.Equal(t, "run-1", s.RunID)
	assert.Len(t, s.Confirmed, 2)

	_, err = LoadSummary(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestMostSevere(t *testing.T) {
	t.Parallel()

	sev, idx := mostSevere(nil)
	assert.Equal(t, "informational", sev)
	assert.Equal(t, -1, idx)

	sev, idx = mostSevere([]schema.Alert{{Risk: "Low"}, {Risk: "Medium"}, {Risk: "High"}, {Risk: "High"}})
	assert.Equal(t, "high", sev)
	assert.Equal(t, 2, idx)

	sev, idx = mostSevere([]schema.Alert{{Risk: "bogus"}, {Risk: "Informational"}})
	assert.Equal(t, "informational", sev)
	assert.Equal(t, 0, idx)
}
