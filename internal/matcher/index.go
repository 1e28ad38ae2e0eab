package matcher

import (
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/schema"
)

// index resolves a concrete (method, path) to the endpoint route it belongs to.
// Literal routes are looked up directly; templated routes ("/users/{id}") go
// through one mux router per method, most specific template first.
type index struct {
	routes    []schema.Route
	endpoints map[schema.Route][]*schema.Endpoint
	routers   map[string]*mux.Router
}

func newIndex(endpoints []*schema.Endpoint) *index {
	ix := &index{
		endpoints: make(map[schema.Route][]*schema.Endpoint),
		routers:   make(map[string]*mux.Router),
	}
	for _, ep := range endpoints {
		r := ep.Route()
		if _, ok := ix.endpoints[r]; !ok {
			ix.routes = append(ix.routes, r)
		}
		ix.endpoints[r] = append(ix.endpoints[r], ep)
	}

	templated := make([]int, 0, len(ix.routes))
	for i, r := range ix.routes {
		if strings.Contains(r.Path, "{") {
			templated = append(templated, i)
		}
	}
	// fewer variables means a more specific template
	sort.SliceStable(templated, func(a, b int) bool {
		return strings.Count(ix.routes[templated[a]].Path, "{") < strings.Count(ix.routes[templated[b]].Path, "{")
	})

	for _, i := range templated {
		r := ix.routes[i]
		router, ok := ix.routers[r.Method]
		if !ok {
			router = mux.NewRouter()
			ix.routers[r.Method] = router
		}
		// a template mux cannot compile never matches; the route still matches literally
		router.NewRoute().Name(strconv.Itoa(i)).Path(r.Path).Handler(http.NotFoundHandler())
	}
	return ix
}

// lookup returns the route that owns (method, path), if any.
func (ix *index) lookup(method, path string) (schema.Route, bool) {
	literal := schema.Route{Method: method, Path: path}
	if _, ok := ix.endpoints[literal]; ok {
		return literal, true
	}

	router, ok := ix.routers[method]
	if !ok {
		return schema.Route{}, false
	}
	req := &http.Request{Method: method, URL: &url.URL{Path: path}}
	var rm mux.RouteMatch
	if !router.Match(req, &rm) || rm.MatchErr != nil || rm.Route == nil {
		return schema.Route{}, false
	}
	i, err := strconv.Atoi(rm.Route.GetName())
	if err != nil || i < 0 || i >= len(ix.routes) {
		return schema.Route{}, false
	}
	return ix.routes[i], true
}
