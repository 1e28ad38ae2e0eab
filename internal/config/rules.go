package config

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// ClassRules maps a vulnerability class label (e.g. "CWE-89") to the ordered
// list of engine rule ids that are authoritative for it.
type ClassRules map[string][]int

type classRulesFile struct {
	CWEScanners ClassRules `yaml:"cwe_scanners"`
}

// LoadClassRules reads the class → rule mapping document at path.
func LoadClassRules(path string) (ClassRules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: class rule file not found: %s", ErrInvalidConfig, path)
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrInvalidConfig, path, err)
	}
	rules, err := ParseClassRules(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rules, nil
}

// ParseClassRules decodes a `cwe_scanners:` YAML document.
func ParseClassRules(data []byte) (ClassRules, error) {
	var doc classRulesFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if len(doc.CWEScanners) == 0 {
		return nil, fmt.Errorf("%w: no cwe_scanners mapping", ErrInvalidConfig)
	}
	for class, ids := range doc.CWEScanners {
		if class == "" {
			return nil, fmt.Errorf("%w: empty class label", ErrInvalidConfig)
		}
		if len(ids) == 0 {
			return nil, fmt.Errorf("%w: class %s has no rule ids", ErrInvalidConfig, class)
		}
	}
	return doc.CWEScanners, nil
}

// Has reports whether class has configured rules.
func (r ClassRules) Has(class string) bool {
	_, ok := r[class]
	return ok
}

// Classes returns the configured class labels in sorted order.
func (r ClassRules) Classes() []string {
	out := make([]string, 0, len(r))
	for c := range r {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// RuleIDs returns the union of every configured rule id, sorted.
func (r ClassRules) RuleIDs() []int {
	seen := make(map[int]struct{})
	for _, ids := range r {
		for _, id := range ids {
			seen[id] = struct{}{}
		}
	}
	out := make([]int, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}
