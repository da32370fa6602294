package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"sort"
	"strings"

	"github.com/klyr/bastion/internal/policy"
)

type ValidationError struct {
	Problems []string
}

func (v *ValidationError) Add(format string, args ...any) {
	v.Problems = append(v.Problems, fmt.Sprintf(format, args...))
}

func (v *ValidationError) Error() string {
	return fmt.Sprintf("%d validation error(s)", len(v.Problems))
}

func (c *Config) Validate() error {
	v := &ValidationError{}

	if c.ConfigVersion != 1 {
		v.Add("configVersion must be 1")
	}

	if err := validateListen(c.Server.Listen); err != nil {
		v.Add("server.listen invalid: %v", err)
	}

	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" {
			v.Add("server.tls.certFile required when tls.enabled is true")
		}
		if c.Server.TLS.KeyFile == "" {
			v.Add("server.tls.keyFile required when tls.enabled is true")
		}
		if c.Server.TLS.CertFile != "" {
			if err := requireFile(c.resolvePath(c.Server.TLS.CertFile)); err != nil {
				v.Add("server.tls.certFile invalid: %v", err)
			}
		}
		if c.Server.TLS.KeyFile != "" {
			if err := requireFile(c.resolvePath(c.Server.TLS.KeyFile)); err != nil {
				v.Add("server.tls.keyFile invalid: %v", err)
			}
		}
	}

	if c.Metrics.Enabled {
		if err := validateListen(c.Metrics.Listen); err != nil {
			v.Add("metrics.listen invalid: %v", err)
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "trace", "debug", "info", "warn", "error", "fatal", "panic", "disabled":
	default:
		v.Add("logging.level must be trace|debug|info|warn|error")
	}
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		v.Add("logging.format must be json|console")
	}

	c.validateAppSec(v)

	upstreamNames := map[string]struct{}{}
	for i, upstream := range c.Upstreams {
		if upstream.Name == "" {
			v.Add("upstreams[%d].name is required", i)
		} else if _, exists := upstreamNames[upstream.Name]; exists {
			v.Add("upstreams[%d].name %q is duplicated", i, upstream.Name)
		} else {
			upstreamNames[upstream.Name] = struct{}{}
		}

		if upstream.URL == "" {
			v.Add("upstreams[%d].url is required", i)
		} else if err := validateURL(upstream.URL); err != nil {
			v.Add("upstreams[%d].url invalid: %v", i, err)
		}
	}

	for name, policy := range c.Policies {
		if name == "" {
			v.Add("policies has an empty name")
			continue
		}

		if policy.Limits.MaxBodyBytes <= 0 {
			v.Add("policies.%s.limits.maxBodyBytes must be > 0", name)
		}
		if policy.Limits.MaxHeaderBytes <= 0 {
			v.Add("policies.%s.limits.maxHeaderBytes must be > 0", name)
		}
		if policy.Limits.Timeout <= 0 {
			v.Add("policies.%s.limits.timeout must be > 0", name)
		}

		if policy.RateLimit.Enabled {
			if policy.RateLimit.RPS <= 0 {
				v.Add("policies.%s.rateLimit.rps must be > 0", name)
			}
			if policy.RateLimit.Burst <= 0 {
				v.Add("policies.%s.rateLimit.burst must be > 0", name)
			}
			switch policy.RateLimit.Key {
			case "", "ip", "ip_path":
			default:
				v.Add("policies.%s.rateLimit.key must be ip|ip_path", name)
			}
		}
	}

	routeNames := map[string]struct{}{}
	for i, route := range c.Routes {
		if route.Name != "" {
			if _, exists := routeNames[route.Name]; exists {
				v.Add("routes[%d].name %q is duplicated", i, route.Name)
			}
			routeNames[route.Name] = struct{}{}
		}
		if route.Match.PathPrefix == "" {
			v.Add("routes[%d].match.pathPrefix is required", i)
		}
		if route.Upstream == "" {
			v.Add("routes[%d].upstream is required", i)
		} else if _, exists := upstreamNames[route.Upstream]; !exists {
			v.Add("routes[%d].upstream %q does not exist", i, route.Upstream)
		}
		if route.Policy == "" {
			v.Add("routes[%d].policy is required", i)
		} else if _, exists := c.Policies[route.Policy]; !exists {
			v.Add("routes[%d].policy %q does not exist", i, route.Policy)
		}
	}

	if len(v.Problems) > 0 {
		sort.Strings(v.Problems)
		return v
	}
	return nil
}

// validateAppSec checks the engine section. Template files are not
// required to exist: an unusable template falls back to the built-in one.
func (c *Config) validateAppSec(v *ValidationError) {
	a := c.AppSec

	if a.Mode != "" && !policy.ValidMode(a.Mode) {
		v.Add("appsec.mode must be enforce|monitor")
	}

	if a.Rules != "" {
		if err := requireFile(c.resolvePath(a.Rules)); err != nil {
			v.Add("appsec.rules invalid: %v", err)
		}
	} else if a.WatchRules {
		v.Add("appsec.watchRules requires appsec.rules")
	}

	if a.MaxBodyBytes < 0 {
		v.Add("appsec.maxBodyBytes must be >= 0")
	}
	if a.MaxDepth < 0 {
		v.Add("appsec.maxDepth must be >= 0")
	}
	if strings.ContainsAny(a.ClientIPHeader, " \t:") {
		v.Add("appsec.clientIPHeader %q is not a header name", a.ClientIPHeader)
	}
}

func validateListen(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("address is required")
	}
	if _, err := net.ResolveTCPAddr("tcp", addr); err != nil {
		return err
	}
	return nil
}

func validateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return errors.New("must include scheme and host")
	}
	return nil
}

func requireFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	return nil
}
