// Package sarif reads static-analysis reports in SARIF form, turns them into
// candidate endpoints, computes differential selections between two reports
// and rewrites a report down to its confirmed findings.
package sarif

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrMalformedReport is returned when a document is not JSON or lacks the
// run/result/rule shape. It is fatal for a run.
var ErrMalformedReport = errors.New("sarif: malformed report")

// FingerprintKey is the partialFingerprints entry used to follow one finding
// across analyzer runs.
const FingerprintKey = "vulnerabilityWithTraceHash/v1"

const classPrefix = "CWE-"

// Report is a validated SARIF document. The raw bytes are kept untouched so
// rewrites preserve every field this package does not understand.
type Report struct {
	raw  []byte
	runs []gjson.Result
}

// Load reads and validates the report at path.
func Load(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read report %s: %w", path, err)
	}
	r, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

// Parse validates data and returns the report.
func Parse(data []byte) (*Report, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: not valid JSON", ErrMalformedReport)
	}
	runs := gjson.GetBytes(data, "runs")
	if !runs.IsArray() {
		return nil, fmt.Errorf("%w: missing runs array", ErrMalformedReport)
	}

	r := &Report{raw: data, runs: runs.Array()}
	for i, run := range r.runs {
		if !run.Get("tool.driver.rules").IsArray() {
			return nil, fmt.Errorf("%w: run %d has no tool.driver.rules array", ErrMalformedReport, i)
		}
		results := run.Get("results")
		if !results.IsArray() {
			return nil, fmt.Errorf("%w: run %d has no results array", ErrMalformedReport, i)
		}
		for j, res := range results.Array() {
			if res.Get("ruleId").Type != gjson.String {
				return nil, fmt.Errorf("%w: run %d result %d has no ruleId", ErrMalformedReport, i, j)
			}
		}
		for j, rule := range run.Get("tool.driver.rules").Array() {
			if rule.Get("id").Type != gjson.String {
				return nil, fmt.Errorf("%w: run %d rule %d has no id", ErrMalformedReport, i, j)
			}
		}
	}
	return r, nil
}

// Bytes returns the original document.
func (r *Report) Bytes() []byte {
	return r.raw
}

// ResultCount returns the number of results across all runs.
func (r *Report) ResultCount() int {
	n := 0
	for _, run := range r.runs {
		n += len(run.Get("results").Array())
	}
	return n
}

type ruleMeta struct {
	classes     []string
	name        string
	description string
}

// rules collects metadata for every rule carrying at least one class tag.
func (r *Report) rules() map[string]ruleMeta {
	meta := make(map[string]ruleMeta)
	for _, run := range r.runs {
		for _, rule := range run.Get("tool.driver.rules").Array() {
			classes := ruleClasses(rule)
			if len(classes) == 0 {
				continue
			}
			id := rule.Get("id").String()
			name := rule.Get("name").String()
			if name == "" {
				name = id
			}
			meta[id] = ruleMeta{
				classes:     classes,
				name:        name,
				description: rule.Get("shortDescription.text").String(),
			}
		}
	}
	return meta
}

func ruleClasses(rule gjson.Result) []string {
	var out []string
	for _, tag := range rule.Get("properties.tags").Array() {
		if t := tag.String(); strings.HasPrefix(t, classPrefix) {
			out = append(out, t)
		}
	}
	return out
}

// location is one "METHOD /path" logical location of a result.
type location struct {
	method string
	path   string
}

// locations returns the well-formed related logical locations of a result in
// document order. Names without a space are skipped.
func locations(result gjson.Result) []location {
	var out []location
	for _, related := range result.Get("relatedLocations").Array() {
		for _, loc := range related.Get("logicalLocations").Array() {
			method, path, ok := splitQualifiedName(loc.Get("fullyQualifiedName").String())
			if !ok {
				continue
			}
			out = append(out, location{method: method, path: path})
		}
	}
	return out
}

func splitQualifiedName(fqn string) (method, path string, ok bool) {
	method, path, ok = strings.Cut(fqn, " ")
	if !ok || method == "" {
		return "", "", false
	}
	return strings.ToUpper(method), path, true
}

func riskLevel(result gjson.Result) string {
	if level := result.Get("level").String(); level != "" {
		return level
	}
	return "warning"
}
