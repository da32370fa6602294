// Package appsec owns the active rule set and settings of the request
// inspection engine. Settings are published as immutable snapshots, so a
// request evaluated against one snapshot never sees a later
// reconfiguration.
package appsec

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/klyr/bastion/internal/actions"
	"github.com/klyr/bastion/internal/attributes"
	"github.com/klyr/bastion/internal/config"
	"github.com/klyr/bastion/internal/observability"
	"github.com/klyr/bastion/internal/policy"
	"github.com/klyr/bastion/internal/rules"
)

// Config holds the engine settings.
type Config struct {
	Enabled bool
	// Mode is enforce (default) or monitor.
	Mode string
	// RulesInline takes precedence over RulesPath. With neither set the
	// built-in rule set is used.
	RulesPath           string
	RulesInline         []byte
	BlockedTemplateJSON string
	BlockedTemplateHTML string
	ClientIPHeader      string
	// EvaluateAll keeps evaluating after the first blocking match.
	EvaluateAll  bool
	MaxBodyBytes int64
	MaxDepth     int
}

// FromConfig extracts the engine settings from a gateway config, resolving
// paths against the config directory.
func FromConfig(cfg *config.Config) Config {
	a := cfg.AppSec
	return Config{
		Enabled:             a.Enabled,
		Mode:                a.Mode,
		RulesPath:           cfg.ResolvePath(a.Rules),
		BlockedTemplateJSON: cfg.ResolvePath(a.BlockedTemplateJSON),
		BlockedTemplateHTML: cfg.ResolvePath(a.BlockedTemplateHTML),
		ClientIPHeader:      a.ClientIPHeader,
		EvaluateAll:         a.EvaluateAll,
		MaxBodyBytes:        a.MaxBodyBytes,
		MaxDepth:            a.MaxDepth,
	}
}

// Snapshot is one published engine configuration. It is never modified.
type Snapshot struct {
	generation uint64
	cfg        Config
	rules      *rules.RuleSet
	extractor  *attributes.Extractor
}

func (s *Snapshot) Generation() uint64 {
	return s.generation
}

func (s *Snapshot) Enabled() bool {
	return s.cfg.Enabled
}

func (s *Snapshot) Mode() string {
	return s.cfg.Mode
}

// Rules is nil when the engine is disabled.
func (s *Snapshot) Rules() *rules.RuleSet {
	return s.rules
}

func (s *Snapshot) Extractor() *attributes.Extractor {
	return s.extractor
}

func (s *Snapshot) EvalOptions() rules.EvalOptions {
	return rules.EvalOptions{StopAtFirstBlock: !s.cfg.EvaluateAll, MaxDepth: s.cfg.MaxDepth}
}

// Action looks up an action in the active rule set, falling back to the
// built-in actions.
func (s *Snapshot) Action(id string) actions.Spec {
	if s.rules != nil {
		if spec, ok := s.rules.Action(id); ok {
			return spec
		}
	}
	if spec, ok := actions.Builtins()[id]; ok {
		return spec
	}
	return actions.Builtins()[actions.BlockID]
}

// Evaluate runs the rules of phases against bag.
func (s *Snapshot) Evaluate(bag attributes.Bag, phases []rules.Phase) []rules.Match {
	if !s.cfg.Enabled || s.rules == nil {
		return nil
	}
	return s.rules.Evaluate(bag, phases, s.EvalOptions())
}

type Option func(*Engine)

func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

func WithMetrics(metrics *observability.Metrics) Option {
	return func(e *Engine) {
		e.metrics = metrics
	}
}

// Engine publishes snapshots. It is safe for concurrent use.
type Engine struct {
	current atomic.Pointer[Snapshot]
	// mu serializes reconfigurations; readers never take it.
	mu         sync.Mutex
	generation uint64

	logger  zerolog.Logger
	metrics *observability.Metrics
}

func New(cfg Config, opts ...Option) (*Engine, error) {
	e := &Engine{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(e)
	}
	actions.SetLogger(e.logger)
	if err := e.Reconfigure(cfg); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) Logger() zerolog.Logger {
	return e.logger
}

// Snapshot returns the active configuration.
func (e *Engine) Snapshot() *Snapshot {
	return e.current.Load()
}

func (e *Engine) Enabled() bool {
	s := e.Snapshot()
	return s != nil && s.Enabled()
}

// Reconfigure builds a snapshot from cfg and publishes it. On error the
// active snapshot is left untouched. Cached block templates are reset.
func (e *Engine) Reconfigure(cfg Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.publish(cfg)
}

// ReloadRules rebuilds the active configuration, re-reading its rule
// document.
func (e *Engine) ReloadRules() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	current := e.current.Load()
	if current == nil {
		return errors.New("engine is not configured")
	}
	return e.publish(current.cfg)
}

func (e *Engine) publish(cfg Config) error {
	snap, err := e.build(cfg)
	if err != nil {
		e.metrics.ObserveReload(0, err)
		e.logger.Error().Err(err).Msg("Rule set not applied, keeping the active one")
		return err
	}

	e.generation++
	snap.generation = e.generation
	e.current.Store(snap)
	actions.SetTemplatePaths(cfg.BlockedTemplateJSON, cfg.BlockedTemplateHTML)

	count := 0
	if snap.rules != nil {
		count = snap.rules.Len()
	}
	e.metrics.ObserveReload(count, nil)
	e.logger.Info().
		Bool("enabled", cfg.Enabled).
		Str("mode", cfg.Mode).
		Int("rules", count).
		Uint64("generation", snap.generation).
		Msg("AppSec configuration applied")
	return nil
}

func (e *Engine) build(cfg Config) (*Snapshot, error) {
	if cfg.Mode == "" {
		cfg.Mode = policy.ModeEnforce
	}
	if !policy.ValidMode(cfg.Mode) {
		return nil, fmt.Errorf("appsec mode must be enforce|monitor, got %q", cfg.Mode)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = attributes.DefaultMaxBodyBytes
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = attributes.DefaultMaxDepth
	}
	cfg.RulesInline = append([]byte(nil), cfg.RulesInline...)

	snap := &Snapshot{
		cfg: cfg,
		extractor: &attributes.Extractor{
			ClientIPHeader: cfg.ClientIPHeader,
			MaxBodyBytes:   cfg.MaxBodyBytes,
			MaxDepth:       cfg.MaxDepth,
			Logger:         e.logger,
		},
	}
	if !cfg.Enabled {
		return snap, nil
	}

	rs, err := loadRules(cfg)
	if err != nil {
		return nil, err
	}
	snap.rules = rs
	return snap, nil
}

func loadRules(cfg Config) (*rules.RuleSet, error) {
	switch {
	case len(cfg.RulesInline) > 0:
		return rules.Parse(cfg.RulesInline, "")
	case cfg.RulesPath != "":
		return rules.LoadFile(cfg.RulesPath)
	default:
		return rules.Default()
	}
}
