package sarif

import (
	"sort"

	"github.com/tidwall/gjson"

	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/schema"
)

// Selection is the outcome of a differential comparison.
type Selection struct {
	BaselineCount  int
	CandidateCount int
	// NewHashes are the fingerprints present only in the candidate, sorted.
	NewHashes []string
	Endpoints []*schema.Endpoint
}

// Diff selects the endpoints of findings that are new in candidate relative to
// baseline. The comparison is a set difference on fingerprints; the surviving
// candidate results are then fanned out into endpoints exactly like
// Endpoints does, since one fingerprint can cover several routes and classes.
func (p *Parser) Diff(baseline, candidate *Report) Selection {
	old := p.Fingerprints(baseline)
	cur := p.Fingerprints(candidate)

	fresh := make(map[string]struct{})
	for hash := range cur {
		if _, ok := old[hash]; !ok {
			fresh[hash] = struct{}{}
		}
	}

	hashes := make([]string, 0, len(fresh))
	for h := range fresh {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)

	endpoints := p.extract(candidate, func(result gjson.Result) bool {
		_, ok := fresh[fingerprint(result)]
		return ok
	})

	return Selection{
		BaselineCount:  len(old),
		CandidateCount: len(cur),
		NewHashes:      hashes,
		Endpoints:      endpoints,
	}
}
