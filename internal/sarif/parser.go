package sarif

import (
	"github.com/tidwall/gjson"

	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/schema"
)

// ClassSet tells the parser which vulnerability classes have configured
// detector rules. Classes it does not know are dropped.
type ClassSet interface {
	Has(class string) bool
}

// Parser extracts endpoints and fingerprints from reports.
type Parser struct {
	classes ClassSet
	vectors int
}

// NewParser returns a parser for classes. vectors is the input-vector mask
// stamped on every endpoint; 0 selects all vectors.
func NewParser(classes ClassSet, vectors int) *Parser {
	if vectors <= 0 {
		vectors = schema.DefaultInputVectors
	}
	return &Parser{classes: classes, vectors: vectors}
}

// Endpoints returns one endpoint per (method, path, class) triple in r, in
// document order. The first result naming a triple wins.
func (p *Parser) Endpoints(r *Report) []*schema.Endpoint {
	return p.extract(r, nil)
}

// Fingerprints returns the analyzer fingerprints of r keyed by hash. Results
// without a fingerprint, without a configured class or without a well-formed
// location are left out.
func (p *Parser) Fingerprints(r *Report) map[string]schema.Fingerprint {
	meta := r.rules()
	out := make(map[string]schema.Fingerprint)
	for _, run := range r.runs {
		for _, result := range run.Get("results").Array() {
			hash := fingerprint(result)
			if hash == "" {
				continue
			}
			ruleID := result.Get("ruleId").String()
			m, ok := meta[ruleID]
			if !ok {
				continue
			}
			classes := p.configured(m.classes)
			if len(classes) == 0 {
				continue
			}
			locs := locations(result)
			if len(locs) == 0 {
				continue
			}
			if _, seen := out[hash]; seen {
				continue
			}
			out[hash] = schema.Fingerprint{
				Hash:        hash,
				Method:      locs[0].method,
				Path:        locs[0].path,
				CWEs:        classes,
				RuleID:      ruleID,
				RuleName:    m.name,
				Description: m.description,
				RiskLevel:   riskLevel(result),
			}
		}
	}
	return out
}

// extract walks every result accepted by keep (nil keeps all) and fans it out
// into endpoints.
func (p *Parser) extract(r *Report, keep func(result gjson.Result) bool) []*schema.Endpoint {
	meta := r.rules()
	seen := make(map[schema.Key]struct{})
	var out []*schema.Endpoint

	for _, run := range r.runs {
		for _, result := range run.Get("results").Array() {
			if keep != nil && !keep(result) {
				continue
			}
			ruleID := result.Get("ruleId").String()
			m, ok := meta[ruleID]
			if !ok {
				continue
			}
			classes := p.configured(m.classes)
			if len(classes) == 0 {
				continue
			}
			risk := riskLevel(result)
			for _, loc := range locations(result) {
				for _, class := range classes {
					key := schema.Key{Method: loc.method, Path: loc.path, CWE: class}
					if _, dup := seen[key]; dup {
						continue
					}
					seen[key] = struct{}{}
					out = append(out, &schema.Endpoint{
						CWE:          class,
						Method:       loc.method,
						Path:         loc.path,
						InputVectors: p.vectors,
						RuleID:       ruleID,
						RuleName:     m.name,
						Description:  m.description,
						RiskLevel:    risk,
					})
				}
			}
		}
	}
	return out
}

func (p *Parser) configured(classes []string) []string {
	var out []string
	for _, c := range classes {
		if p.classes.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

func fingerprint(result gjson.Result) string {
	return result.Get("partialFingerprints." + gjson.Escape(FingerprintKey)).String()
}
