package sarif

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/schema"
)

// DynamicToolName is appended to the analyzer name in filtered reports.
const DynamicToolName = "ZAP"

// FilterConfirmed returns a copy of r that keeps only the results with at
// least one (method, path, class) triple in confirmed. Rules no longer
// referenced are dropped and every run's driver is relabelled. Methods are
// compared case-insensitively. r itself is not modified.
func FilterConfirmed(r *Report, confirmed []schema.Key) ([]byte, error) {
	keep := make(map[schema.Key]struct{}, len(confirmed))
	for _, k := range confirmed {
		k.Method = strings.ToUpper(k.Method)
		keep[k] = struct{}{}
	}

	out := append([]byte(nil), r.raw...)
	for i, run := range r.runs {
		classesByRule := make(map[string][]string)
		rules := run.Get("tool.driver.rules").Array()
		for _, rule := range rules {
			classesByRule[rule.Get("id").String()] = ruleClasses(rule)
		}

		var kept []string
		referenced := make(map[string]struct{})
		for _, result := range run.Get("results").Array() {
			ruleID := result.Get("ruleId").String()
			if confirmedResult(result, classesByRule[ruleID], keep) {
				kept = append(kept, result.Raw)
				referenced[ruleID] = struct{}{}
			}
		}

		var keptRules []string
		for _, rule := range rules {
			if _, ok := referenced[rule.Get("id").String()]; ok {
				keptRules = append(keptRules, rule.Raw)
			}
		}

		var err error
		prefix := fmt.Sprintf("runs.%d.", i)
		if out, err = sjson.SetRawBytes(out, prefix+"results", rawArray(kept)); err != nil {
			return nil, fmt.Errorf("rewrite run %d results: %w", i, err)
		}
		if out, err = sjson.SetRawBytes(out, prefix+"tool.driver.rules", rawArray(keptRules)); err != nil {
			return nil, fmt.Errorf("rewrite run %d rules: %w", i, err)
		}
		name := relabel(run.Get("tool.driver.name").String())
		if out, err = sjson.SetBytes(out, prefix+"tool.driver.name", name); err != nil {
			return nil, fmt.Errorf("rewrite run %d tool name: %w", i, err)
		}
	}

	return []byte(gjson.GetBytes(out, "@pretty").Raw), nil
}

func confirmedResult(result gjson.Result, classes []string, keep map[schema.Key]struct{}) bool {
	if len(classes) == 0 {
		return false
	}
	for _, loc := range locations(result) {
		for _, class := range classes {
			if _, ok := keep[schema.Key{Method: loc.method, Path: loc.path, CWE: class}]; ok {
				return true
			}
		}
	}
	return false
}

func rawArray(items []string) []byte {
	return []byte("[" + strings.Join(items, ",") + "]")
}

func relabel(name string) string {
	suffix := " + " + DynamicToolName
	switch {
	case name == "":
		return DynamicToolName
	case strings.HasSuffix(name, suffix):
		return name
	default:
		return name + suffix
	}
}
