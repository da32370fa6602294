package config

import "time"

type Config struct {
	ConfigVersion int               `yaml:"configVersion"`
	Server        ServerConfig      `yaml:"server"`
	Upstreams     []Upstream        `yaml:"upstreams"`
	Routes        []Route           `yaml:"routes"`
	Policies      map[string]Policy `yaml:"policies"`
	AppSec        AppSecConfig      `yaml:"appsec"`
	Logging       LoggingConfig     `yaml:"logging"`
	Metrics       MetricsConfig     `yaml:"metrics"`

	baseDir string `yaml:"-"`
}

type ServerConfig struct {
	Listen string    `yaml:"listen"`
	TLS    TLSConfig `yaml:"tls"`
}

type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
}

type Upstream struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

type Route struct {
	// Name labels the route in decisions and metrics. Defaults to
	// "route-<index>".
	Name     string     `yaml:"name"`
	Match    RouteMatch `yaml:"match"`
	Upstream string     `yaml:"upstream"`
	Policy   string     `yaml:"policy"`
}

type RouteMatch struct {
	Host       string `yaml:"host"`
	PathPrefix string `yaml:"pathPrefix"`
}

// Policy holds the transport limits applied to a route.
type Policy struct {
	Limits    Limits          `yaml:"limits"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
}

type Limits struct {
	MaxBodyBytes   int64         `yaml:"maxBodyBytes"`
	MaxHeaderBytes int64         `yaml:"maxHeaderBytes"`
	Timeout        time.Duration `yaml:"timeout"`
}

type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	Key     string  `yaml:"key"`
	RPS     float64 `yaml:"rps"`
	Burst   int     `yaml:"burst"`
	// Action names the rule set action written when the limit is hit.
	// Defaults to the built-in rate_limit action.
	Action string `yaml:"action"`
}

// AppSecConfig configures the request inspection engine.
type AppSecConfig struct {
	Enabled             bool   `yaml:"enabled"`
	Mode                string `yaml:"mode"`
	Rules               string `yaml:"rules"`
	WatchRules          bool   `yaml:"watchRules"`
	BlockedTemplateJSON string `yaml:"blockedTemplateJSON"`
	BlockedTemplateHTML string `yaml:"blockedTemplateHTML"`
	ClientIPHeader      string `yaml:"clientIPHeader"`
	EvaluateAll         bool   `yaml:"evaluateAll"`
	MaxBodyBytes        int64  `yaml:"maxBodyBytes"`
	MaxDepth            int    `yaml:"maxDepth"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	DecisionLog string `yaml:"decisionLog"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

func (c *Config) BaseDir() string {
	return c.baseDir
}

func (c *Config) ResolvePath(path string) string {
	return c.resolvePath(path)
}
