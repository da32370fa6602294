package gateway

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"

	"github.com/klyr/bastion/internal/config"
)

type Route struct {
	ID         string
	Host       string
	PathPrefix string
	Upstream   string
	Policy     string
}

// matches reports whether path is under the route prefix. "/api" matches
// "/api" and "/api/x" but not "/apix".
func (r Route) matches(path string) bool {
	if !strings.HasPrefix(path, r.PathPrefix) {
		return false
	}
	if len(path) == len(r.PathPrefix) || strings.HasSuffix(r.PathPrefix, "/") {
		return true
	}
	return path[len(r.PathPrefix)] == '/'
}

// Router picks the most specific route: the longest prefix wins, and a
// route bound to the request host beats a host-less one.
type Router struct {
	routes []Route
}

func NewRouter(cfg *config.Config) (*Router, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}

	routes := make([]Route, 0, len(cfg.Routes))
	for i, route := range cfg.Routes {
		id := route.Name
		if id == "" {
			id = fmt.Sprintf("route-%d", i)
		}
		routes = append(routes, Route{
			ID:         id,
			Host:       strings.ToLower(strings.TrimSpace(route.Match.Host)),
			PathPrefix: route.Match.PathPrefix,
			Upstream:   route.Upstream,
			Policy:     route.Policy,
		})
	}

	sort.SliceStable(routes, func(i, j int) bool {
		if len(routes[i].PathPrefix) != len(routes[j].PathPrefix) {
			return len(routes[i].PathPrefix) > len(routes[j].PathPrefix)
		}
		return routes[i].Host != "" && routes[j].Host == ""
	})

	return &Router{routes: routes}, nil
}

func (r *Router) Match(req *http.Request) (Route, bool) {
	if req == nil || req.URL == nil {
		return Route{}, false
	}

	host := strings.ToLower(stripPort(req.Host))
	for _, route := range r.routes {
		if route.Host != "" && route.Host != host {
			continue
		}
		if route.matches(req.URL.Path) {
			return route, true
		}
	}

	return Route{}, false
}

func stripPort(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}
