// Package config loads and validates Triad store configuration.
//
// A store's configuration names the CBD pod, the composite
// specifications (views, tables, search), cardinality rules and the
// sync/async routing policy. Configuration is immutable after Load:
// every component receives the loaded *Config at construction time and
// nothing mutates it afterwards. Misconfiguration fails at load, never
// during a transaction.
//
// Files are YAML; a handful of TRIAD_* environment variables override
// operational knobs (data directory, log level, lock retry bounds).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/triaddb/triad/pkg/store"
)

// DefaultQueue is the queue async regeneration jobs land on unless a
// specification overrides it.
const DefaultQueue = "apply"

// Specification describes how one composite type is built: which
// subjects feed it (type filter), which predicates project into the
// body, and where its regeneration jobs go.
type Specification struct {
	ID string `yaml:"id"`

	// Type is the rdf:type filter; subjects carrying this type are
	// candidates for first-time generation.
	Type string `yaml:"type"`

	// Predicates to project into the composite body. Empty means all.
	Predicates []string `yaml:"predicates,omitempty"`

	// Queue overrides the default job queue, isolating high-volume
	// specifications onto dedicated queues.
	Queue string `yaml:"queue,omitempty"`

	// Aggregate marks time-bounded composites; these require a TTL.
	Aggregate bool          `yaml:"aggregate,omitempty"`
	TTL       time.Duration `yaml:"ttl,omitempty"`
}

// QueueName returns the queue this specification's jobs belong on.
func (s Specification) QueueName() string {
	if s.Queue != "" {
		return s.Queue
	}
	return DefaultQueue
}

// RoutingPolicy decides, per operation family, whether regeneration runs
// inline on the save path or goes through the job queue.
type RoutingPolicy struct {
	Views  string `yaml:"views"`
	Tables string `yaml:"tables"`
	Search string `yaml:"search"`
}

// Async reports whether an operation family routes through the queue.
func (p RoutingPolicy) Async(op store.OpType) bool {
	switch op {
	case store.OpViews:
		return p.Views == "async"
	case store.OpTables:
		return p.Tables != "sync"
	case store.OpSearch:
		return p.Search != "sync"
	}
	return true
}

// Config is one store's full configuration.
type Config struct {
	StoreName string `yaml:"store"`
	PodName   string `yaml:"pod"`
	DataDir   string `yaml:"data_dir"`

	// DefaultContext is the named graph used when a save supplies none.
	DefaultContext string `yaml:"default_context"`

	// Cardinality maps predicates to their maximum value count. Only
	// cardinality 1 is meaningful today; violations reject a save before
	// any lock is taken.
	Cardinality map[string]int `yaml:"cardinality,omitempty"`

	Views  []Specification `yaml:"views,omitempty"`
	Tables []Specification `yaml:"tables,omitempty"`
	Search []Specification `yaml:"search,omitempty"`

	Routing RoutingPolicy `yaml:"routing"`

	// Lock acquisition bounds.
	LockAttempts int           `yaml:"lock_attempts"`
	LockBackoff  time.Duration `yaml:"lock_backoff"`

	LogLevel string `yaml:"log_level"`
}

// Load reads, overrides and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with defaults applied, suitable for
// tests and embedded use.
func Default(storeName string) *Config {
	cfg := &Config{StoreName: storeName}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.PodName == "" {
		c.PodName = "cbd"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.DefaultContext == "" {
		c.DefaultContext = "triad://default-graph"
	}
	if c.Routing.Views == "" {
		c.Routing.Views = "sync"
	}
	if c.Routing.Tables == "" {
		c.Routing.Tables = "async"
	}
	if c.Routing.Search == "" {
		c.Routing.Search = "async"
	}
	if c.LockAttempts == 0 {
		c.LockAttempts = 20
	}
	if c.LockBackoff == 0 {
		c.LockBackoff = 25 * time.Millisecond
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// applyEnv overrides operational knobs from TRIAD_* variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("TRIAD_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("TRIAD_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("TRIAD_LOCK_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.LockAttempts = n
		}
	}
	if v := os.Getenv("TRIAD_LOCK_BACKOFF"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.LockBackoff = d
		}
	}
}

// Validate fails fast on configuration errors so they can never surface
// mid-transaction.
func (c *Config) Validate() error {
	if c.StoreName == "" {
		return fmt.Errorf("config: store name is required")
	}
	seen := make(map[string]store.OpType)
	for _, op := range store.AllOps {
		for _, spec := range c.SpecsFor(op) {
			if spec.ID == "" {
				return fmt.Errorf("config: %s specification without id", op)
			}
			if prev, dup := seen[spec.ID]; dup {
				return fmt.Errorf("config: specification id %q defined for both %s and %s", spec.ID, prev, op)
			}
			seen[spec.ID] = op
			if spec.Type == "" {
				return fmt.Errorf("config: specification %q has no type filter", spec.ID)
			}
			if spec.Aggregate && spec.TTL <= 0 {
				return fmt.Errorf("config: aggregate specification %q requires a ttl", spec.ID)
			}
		}
	}
	for predicate, card := range c.Cardinality {
		if card != 1 {
			return fmt.Errorf("config: cardinality %d for %q not supported, only 1", card, predicate)
		}
	}
	for _, mode := range []string{c.Routing.Views, c.Routing.Tables, c.Routing.Search} {
		if mode != "sync" && mode != "async" {
			return fmt.Errorf("config: routing mode %q must be sync or async", mode)
		}
	}
	return nil
}

// SpecsFor returns the specifications of one operation family.
func (c *Config) SpecsFor(op store.OpType) []Specification {
	switch op {
	case store.OpViews:
		return c.Views
	case store.OpTables:
		return c.Tables
	case store.OpSearch:
		return c.Search
	}
	return nil
}

// SpecByID resolves a specification id across all families.
func (c *Config) SpecByID(id string) (Specification, store.OpType, bool) {
	for _, op := range store.AllOps {
		for _, spec := range c.SpecsFor(op) {
			if spec.ID == id {
				return spec, op, true
			}
		}
	}
	return Specification{}, "", false
}

// HasSearch reports whether any search specification is configured.
// With none, search is dropped from impact analysis entirely.
func (c *Config) HasSearch() bool { return len(c.Search) > 0 }

// ActiveOps returns the operation families that have at least one
// specification configured.
func (c *Config) ActiveOps() []store.OpType {
	var ops []store.OpType
	for _, op := range store.AllOps {
		if len(c.SpecsFor(op)) > 0 {
			ops = append(ops, op)
		}
	}
	return ops
}
