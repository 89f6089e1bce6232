package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/morezero/analysis-coordinator/pkg/commsutil"
	"github.com/morezero/analysis-coordinator/pkg/coordination"
	"github.com/morezero/analysis-coordinator/pkg/semver"
)

const logPrefix = "catalog:loader"

// Default backend names.
const (
	FailureAnalysis     = "failureAnalysis"
	SelfHealing         = "selfHealing"
	VisualHealing       = "visualHealing"
	Performance         = "performance"
	PredictiveAnalytics = "predictiveAnalytics"
	Knowledge           = "knowledge"
)

// LoadCatalog loads the backend catalog from file paths or environment.
// It tries paths in order: first any paths passed in, then CATALOG_FILE env, then defaults.
// A file found on the way is merged over the default catalog, so it only needs to
// carry overrides.
func LoadCatalog(paths ...string) (*Config, error) {
	all := make([]string, 0, len(paths)+3)
	for _, p := range paths {
		if p != "" {
			all = append(all, p)
		}
	}
	if envPath := os.Getenv("CATALOG_FILE"); envPath != "" {
		all = append(all, envPath)
	}
	all = append(all, "config/catalog.json", "catalog.json")

	for _, p := range all {
		cfg, err := LoadCatalogFile(p)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				slog.Warn(err.Error())
			}
			continue
		}

		slog.Info(fmt.Sprintf("%s - Loaded catalog from %s", logPrefix, p))
		return cfg, nil
	}

	slog.Info(fmt.Sprintf("%s - Using default catalog", logPrefix))
	return GetDefaultCatalog(), nil
}

// LoadCatalogFile reads one catalog file and merges it over the default catalog.
// Unlike LoadCatalog it reports a missing or unparsable file.
func LoadCatalogFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to read catalog file %s: %w", logPrefix, path, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%s - failed to parse catalog file %s: %w", logPrefix, path, err)
	}
	return Merge(GetDefaultCatalog(), &cfg), nil
}

// GetDefaultCatalog returns the embedded fallback catalog.
func GetDefaultCatalog() *Config {
	return &Config{
		Name:        "analysis-backends",
		Version:     "1.0.0",
		Description: "Default analysis backend catalog",
		Backends: map[string]Backend{
			FailureAnalysis: {
				Version:     "1.0.0",
				Bucket:      BucketIndependent,
				BaseCost:    800,
				TimeoutMs:   8000,
				Description: "Classifies a failure and proposes likely root causes",
			},
			Knowledge: {
				Version:     "1.0.0",
				Bucket:      BucketIndependent,
				BaseCost:    300,
				TimeoutMs:   3000,
				Description: "Looks up prior incidents and documentation",
			},
			Performance: {
				Version:     "1.0.0",
				Bucket:      BucketAnalytic,
				BaseCost:    600,
				TimeoutMs:   5000,
				Description: "Scores performance metrics against budgets",
			},
			PredictiveAnalytics: {
				Version:     "1.0.0",
				Bucket:      BucketAnalytic,
				BaseCost:    900,
				TimeoutMs:   8000,
				Description: "Forecasts failure likelihood from recent history",
			},
			SelfHealing: {
				Version:     "1.0.0",
				Bucket:      BucketRemedial,
				BaseCost:    1200,
				TimeoutMs:   10000,
				Description: "Proposes locator and workflow repairs",
			},
			VisualHealing: {
				Version:     "1.0.0",
				Bucket:      BucketRemedial,
				BaseCost:    1500,
				TimeoutMs:   15000,
				Description: "Repairs using screenshot analysis",
			},
		},
		TypeServices: map[coordination.RequestType][]string{
			coordination.TypeAnalysis:     {FailureAnalysis, Knowledge},
			coordination.TypeHealing:      {SelfHealing, FailureAnalysis, Knowledge},
			coordination.TypePrediction:   {PredictiveAnalytics, Knowledge},
			coordination.TypeOptimization: {Performance, PredictiveAnalytics},
			coordination.TypeKnowledge:    {Knowledge},
		},
		Aliases: map[string]string{
			"kb":         Knowledge,
			"perf":       Performance,
			"predictive": PredictiveAnalytics,
			"healing":    SelfHealing,
			"visual":     VisualHealing,
		},
	}
}

// ValidationError lists every problem found in a catalog.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s - invalid catalog: %s", logPrefix, strings.Join(e.Problems, "; "))
}

// Validate checks backend entries, the type table and aliases.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if len(c.Backends) == 0 {
		add("no backends registered")
	}

	names := make([]string, 0, len(c.Backends))
	for name := range c.Backends {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		b := c.Backends[name]
		if !semver.ValidateBackendName(name) {
			add("backend %q: invalid name", name)
		}
		if !b.Bucket.Valid() {
			add("backend %q: unknown bucket %q", name, b.Bucket)
		}
		if b.BaseCost <= 0 {
			add("backend %q: baseCost must be positive", name)
		}
		if b.TimeoutMs < 0 {
			add("backend %q: timeoutMs must not be negative", name)
		}
		if err := semver.ValidateVersion(b.Version); err != nil {
			add("backend %q: invalid version %q", name, b.Version)
		}
	}

	for _, t := range coordination.RequestTypes {
		services, ok := c.TypeServices[t]
		if !ok || len(services) == 0 {
			add("request type %q has no backends", t)
			continue
		}
		for _, name := range services {
			if _, ok := c.Backends[name]; !ok {
				add("request type %q references unregistered backend %q", t, name)
			}
		}
	}
	for t := range c.TypeServices {
		if !t.Valid() {
			add("unknown request type %q", t)
		}
	}

	for alias, target := range c.Aliases {
		if _, ok := c.Backends[alias]; ok {
			add("alias %q shadows a backend name", alias)
		}
		if _, ok := c.Backends[target]; !ok {
			add("alias %q targets unregistered backend %q", alias, target)
		}
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Resolve builds the read-only lookup. Backends without a subject get the default
// subject derived from their name and major version.
func Resolve(cfg *Config) *Resolved {
	backends := make(map[string]*Backend, len(cfg.Backends))
	for name, b := range cfg.Backends {
		c := b
		if c.Subject == "" {
			major := semver.MajorOf(c.Version)
			if major < 0 {
				major = 1
			}
			c.Subject = commsutil.BuildBackendSubject(name, major)
		}
		backends[name] = &c
	}

	typeServices := make(map[coordination.RequestType][]string, len(cfg.TypeServices))
	for t, services := range cfg.TypeServices {
		list := make([]string, len(services))
		copy(list, services)
		typeServices[t] = list
	}

	aliases := make(map[string]string, len(cfg.Aliases))
	for alias, target := range cfg.Aliases {
		aliases[alias] = target
	}

	return &Resolved{
		name:         cfg.Name,
		version:      cfg.Version,
		backends:     backends,
		typeServices: typeServices,
		aliases:      aliases,
		names:        sortedKeys(backends),
	}
}

// Merge merges an override catalog into a base catalog. Backends and type entries
// are replaced per key; aliases are merged.
func Merge(base, override *Config) *Config {
	merged := *base

	if override.Name != "" {
		merged.Name = override.Name
	}
	if override.Version != "" {
		merged.Version = override.Version
	}
	if override.Description != "" {
		merged.Description = override.Description
	}

	merged.Backends = make(map[string]Backend, len(base.Backends)+len(override.Backends))
	for name, b := range base.Backends {
		merged.Backends[name] = b
	}
	for name, b := range override.Backends {
		merged.Backends[name] = b
	}

	merged.TypeServices = make(map[coordination.RequestType][]string, len(base.TypeServices))
	for t, services := range base.TypeServices {
		merged.TypeServices[t] = services
	}
	for t, services := range override.TypeServices {
		merged.TypeServices[t] = services
	}

	merged.Aliases = make(map[string]string, len(base.Aliases)+len(override.Aliases))
	for alias, target := range base.Aliases {
		merged.Aliases[alias] = target
	}
	for alias, target := range override.Aliases {
		merged.Aliases[alias] = target
	}

	return &merged
}
