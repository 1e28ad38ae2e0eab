package sarif

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

type classSet map[string]bool

func (c classSet) Has(class string) bool { return c[class] }

type testRule struct {
	id   string
	name string
	desc string
	tags []string
}

type testResult struct {
	ruleID    string
	level     string
	hash      string
	locations []string
}

// buildReport renders a single-run SARIF document.
func buildReport(t *testing.T, tool string, rules []testRule, results []testResult) []byte {
	t.Helper()

	ruleDocs := []map[string]any{}
	for _, r := range rules {
		doc := map[string]any{
			"id":         r.id,
			"properties": map[string]any{"tags": r.tags},
		}
		if r.name != "" {
			doc["name"] = r.name
		}
		if r.desc != "" {
			doc["shortDescription"] = map[string]any{"text": r.desc}
		}
		ruleDocs = append(ruleDocs, doc)
	}

	resultDocs := []map[string]any{}
	for _, r := range results {
		var logical []map[string]any
		for _, l := range r.locations {
			logical = append(logical, map[string]any{"fullyQualifiedName": l})
		}
		doc := map[string]any{
			"ruleId":           r.ruleID,
			"message":          map[string]any{"text": "finding"},
			"relatedLocations": []map[string]any{{"id": 1, "logicalLocations": logical}},
		}
		if r.level != "" {
			doc["level"] = r.level
		}
		if r.hash != "" {
			doc["partialFingerprints"] = map[string]any{FingerprintKey: r.hash}
		}
		resultDocs = append(resultDocs, doc)
	}

	doc := map[string]any{
		"$schema": "https://json.schemastore.org/sarif-2.1.0.json",
		"version": "2.1.0",
		"runs": []map[string]any{{
			"tool":    map[string]any{"driver": map[string]any{"name": tool, "version": "1.0", "rules": ruleDocs}},
			"results": resultDocs,
		}},
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	return data
}

func mustParse(t *testing.T, data []byte) *Report {
	t.Helper()
	r, err := Parse(data)
	require.NoError(t, err)
	return r
}

var sqliRule = testRule{id: "java/sqli", name: "SQL injection", desc: "User input reaches a query", tags: []string{"security", "CWE-89"}}
var xssRule = testRule{id: "java/xss", name: "Reflected XSS", tags: []string{"CWE-79", "CWE-80"}}
var lintRule = testRule{id: "java/unused", tags: []string{"maintainability"}}
var pathRule = testRule{id: "java/path-traversal", tags: []string{"CWE-22"}}
