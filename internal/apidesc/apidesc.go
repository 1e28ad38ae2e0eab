// Package apidesc reads the target's API description and reports which
// candidate routes it does not document.
package apidesc

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/schema"
)

// Description is a loaded API description.
type Description struct {
	doc    *openapi3.T
	routes map[schema.Route]bool
}

// IsRemote reports whether source is fetched over HTTP rather than read from disk.
func IsRemote(source string) bool {
	s := strings.ToLower(source)
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// Load reads an API description from a file path or an http(s) URL.
func Load(ctx context.Context, source string) (*Description, error) {
	loader := openapi3.NewLoader()
	loader.Context = ctx
	loader.IsExternalRefsAllowed = true

	var (
		doc *openapi3.T
		err error
	)
	if IsRemote(source) {
		u, perr := url.Parse(source)
		if perr != nil {
			return nil, fmt.Errorf("parse API description URL: %w", perr)
		}
		doc, err = loader.LoadFromURI(u)
	} else {
		doc, err = loader.LoadFromFile(source)
	}
	if err != nil {
		return nil, fmt.Errorf("load API description %s: %w", source, err)
	}
	return newDescription(doc), nil
}

func newDescription(doc *openapi3.T) *Description {
	d := &Description{doc: doc, routes: make(map[schema.Route]bool)}
	if doc.Paths == nil {
		return d
	}
	for p, item := range doc.Paths.Map() {
		for method := range item.Operations() {
			d.routes[schema.Route{Method: strings.ToUpper(method), Path: normalize(p)}] = true
		}
	}
	return d
}

// Validate checks the description against the OpenAPI schema.
func (d *Description) Validate(ctx context.Context) error {
	return d.doc.Validate(ctx)
}

// Title returns info.title, if present.
func (d *Description) Title() string {
	if d.doc.Info == nil {
		return ""
	}
	return d.doc.Info.Title
}

// Operations is the number of documented (method, path) pairs.
func (d *Description) Operations() int { return len(d.routes) }

// Documents reports whether method and path template appear in the description.
// Template variable names are ignored.
func (d *Description) Documents(method, path string) bool {
	return d.routes[schema.Route{Method: strings.ToUpper(method), Path: normalize(path)}]
}

// Undocumented returns the distinct routes of endpoints the description lacks, sorted.
func (d *Description) Undocumented(endpoints []*schema.Endpoint) []schema.Route {
	seen := make(map[schema.Route]bool)
	var out []schema.Route
	for _, ep := range endpoints {
		r := ep.Route()
		if seen[r] || d.Documents(r.Method, r.Path) {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Method < out[j].Method
	})
	return out
}

var templateVar = regexp.MustCompile(`\{[^/}]*\}`)

func normalize(path string) string {
	p := templateVar.ReplaceAllString(path, "{}")
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	return p
}
