package sarif

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/schema"
)

func TestParse_Malformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
	}{
		{"not json", `{"runs": [`},
		{"no runs", `{"version": "2.1.0"}`},
		{"runs not array", `{"runs": {}}`},
		{"no rules", `{"runs": [{"tool": {"driver": {"name": "x"}}, "results": []}]}`},
		{"no results", `{"runs": [{"tool": {"driver": {"rules": []}}}]}`},
		{"result without ruleId", `{"runs": [{"tool": {"driver": {"rules": []}}, "results": [{"level": "error"}]}]}`},
		{"rule without id", `{"runs": [{"tool": {"driver": {"rules": [{"name": "x"}]}}, "results": []}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedReport), "got %v", err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := Load(filepath.Join(t.TempDir(), "absent.sarif"))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrMalformedReport))
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	data := buildReport(t, "Seqra", []testRule{sqliRule}, []testResult{
		{ruleID: "java/sqli", locations: []string{"GET /users/{id}"}},
	})
	path := filepath.Join(t.TempDir(), "report.sarif")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	r, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1, r.ResultCount())
	assert.Equal(t, data, r.Bytes())
}

func TestParser_Endpoints(t *testing.T) {
	t.Parallel()

	data := buildReport(t, "Seqra",
		[]testRule{sqliRule, xssRule, lintRule},
		[]testResult{
			{ruleID: "java/sqli", level: "error", locations: []string{"GET /users/{id}", "post /users"}},
			{ruleID: "java/xss", locations: []string{"GET /search"}},
			{ruleID: "java/unused", locations: []string{"GET /health"}},
			{ruleID: "java/unknown", locations: []string{"GET /x"}},
			{ruleID: "java/sqli", locations: []string{"malformed", "GET /users/{id}"}},
		})
	r := mustParse(t, data)

	p := NewParser(classSet{"CWE-89": true, "CWE-79": true}, 0)
	eps := p.Endpoints(r)

	require.Len(t, eps, 3)
	assert.Equal(t, schema.Key{Method: "GET", Path: "/users/{id}", CWE: "CWE-89"}, eps[0].Key())
	assert.Equal(t, schema.Key{Method: "POST", Path: "/users", CWE: "CWE-89"}, eps[1].Key())
	assert.Equal(t, schema.Key{Method: "GET", Path: "/search", CWE: "CWE-79"}, eps[2].Key())

	first := eps[0]
	assert.Equal(t, "java/sqli", first.RuleID)
	assert.Equal(t, "SQL injection", first.RuleName)
	assert.Equal(t, "User input reaches a query", first.Description)
	assert.Equal(t, "error", first.RiskLevel)
	assert.Equal(t, schema.DefaultInputVectors, first.InputVectors)
	assert.False(t, first.Scannable())

	// level falls back to warning
	assert.Equal(t, "Reflected XSS", eps[2].RuleName)
	assert.Equal(t, "warning", eps[2].RiskLevel)
}

func TestParser_NameFallsBackToRuleID(t *testing.T) {
	t.Parallel()

	data := buildReport(t, "Seqra", []testRule{pathRule}, []testResult{
		{ruleID: "java/path-traversal", locations: []string{"GET /files/{name}"}},
	})
	eps := NewParser(classSet{"CWE-22": true}, 0).Endpoints(mustParse(t, data))

	require.Len(t, eps, 1)
	assert.Equal(t, "java/path-traversal", eps[0].RuleName)
	assert.Empty(t, eps[0].Description)
}

func TestParser_EndpointsUniquePerTriple(t *testing.T) {
	t.Parallel()

	data := buildReport(t, "Seqra",
		[]testRule{sqliRule, {id: "java/sqli2", tags: []string{"CWE-89"}}},
		[]testResult{
			{ruleID: "java/sqli", locations: []string{"GET /a", "GET /a"}},
			{ruleID: "java/sqli2", locations: []string{"get /a"}},
		})
	eps := NewParser(classSet{"CWE-89": true}, 0).Endpoints(mustParse(t, data))

	require.Len(t, eps, 1)
	assert.Equal(t, "java/sqli", eps[0].RuleID, "first result naming a triple wins")
}

func TestParser_InputVectorOverride(t *testing.T) {
	t.Parallel()

	data := buildReport(t, "Seqra", []testRule{sqliRule}, []testResult{
		{ruleID: "java/sqli", locations: []string{"GET /a"}},
	})
	eps := NewParser(classSet{"CWE-89": true}, schema.VectorQuery|schema.VectorBody).Endpoints(mustParse(t, data))
	require.Len(t, eps, 1)
	assert.Equal(t, 3, eps[0].InputVectors)
}

func TestParser_MultiClassFanOut(t *testing.T) {
	t.Parallel()

	data := buildReport(t, "Seqra", []testRule{xssRule}, []testResult{
		{ruleID: "java/xss", locations: []string{"GET /search"}},
	})
	eps := NewParser(classSet{"CWE-79": true, "CWE-80": true}, 0).Endpoints(mustParse(t, data))

	require.Len(t, eps, 2)
	assert.Equal(t, "CWE-79", eps[0].CWE)
	assert.Equal(t, "CWE-80", eps[1].CWE)
}

func TestParser_Fingerprints(t *testing.T) {
	t.Parallel()

	data := buildReport(t, "Seqra", []testRule{sqliRule, lintRule}, []testResult{
		{ruleID: "java/sqli", hash: "h1", level: "error", locations: []string{"GET /users/{id}"}},
		{ruleID: "java/sqli", locations: []string{"GET /nohash"}},
		{ruleID: "java/unused", hash: "h2", locations: []string{"GET /health"}},
		{ruleID: "java/sqli", hash: "h3", locations: []string{"nospace"}},
	})
	fps := NewParser(classSet{"CWE-89": true}, 0).Fingerprints(mustParse(t, data))

	require.Len(t, fps, 1)
	fp := fps["h1"]
	assert.Equal(t, "GET", fp.Method)
	assert.Equal(t, "/users/{id}", fp.Path)
	assert.Equal(t, []string{"CWE-89"}, fp.CWEs)
	assert.Equal(t, "error", fp.RiskLevel)
	assert.Equal(t, "SQL injection", fp.RuleName)
}
