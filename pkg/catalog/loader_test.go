package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/morezero/analysis-coordinator/pkg/coordination"
)

const loaderTestPrefix = "catalog:loader_test"

func TestGetDefaultCatalog_Valid(t *testing.T) {
	cfg := GetDefaultCatalog()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("%s - default catalog is invalid: %v", loaderTestPrefix, err)
	}

	want := map[coordination.RequestType][]string{
		coordination.TypeAnalysis:     {"failureAnalysis", "knowledge"},
		coordination.TypeHealing:      {"selfHealing", "failureAnalysis", "knowledge"},
		coordination.TypePrediction:   {"predictiveAnalytics", "knowledge"},
		coordination.TypeOptimization: {"performance", "predictiveAnalytics"},
		coordination.TypeKnowledge:    {"knowledge"},
	}
	if diff := cmp.Diff(want, cfg.TypeServices); diff != "" {
		t.Errorf("%s - type table mismatch (-want +got):\n%s", loaderTestPrefix, diff)
	}
}

func TestResolve_Lookups(t *testing.T) {
	r := Resolve(GetDefaultCatalog())

	if diff := cmp.Diff([]string{"failureAnalysis", "knowledge", "performance", "predictiveAnalytics", "selfHealing", "visualHealing"}, r.Names()); diff != "" {
		t.Errorf("%s - Names() mismatch (-want +got):\n%s", loaderTestPrefix, diff)
	}

	b, ok := r.Get("kb")
	if !ok {
		t.Fatalf("%s - alias kb did not resolve", loaderTestPrefix)
	}
	if b.Bucket != BucketIndependent {
		t.Errorf("%s - knowledge bucket = %s, want independent", loaderTestPrefix, b.Bucket)
	}
	if _, ok := r.Get("nonexistent"); ok {
		t.Errorf("%s - expected miss for nonexistent backend", loaderTestPrefix)
	}

	if got := r.Subject("selfHealing"); got != "cap.more0.analysis.selfHealing.v1" {
		t.Errorf("%s - default subject = %q", loaderTestPrefix, got)
	}
	if got := r.Timeout("knowledge", time.Second); got != 3*time.Second {
		t.Errorf("%s - Timeout(knowledge) = %s, want 3s", loaderTestPrefix, got)
	}
	if got := r.Timeout("nonexistent", time.Second); got != time.Second {
		t.Errorf("%s - Timeout fallback = %s, want 1s", loaderTestPrefix, got)
	}
	if got := r.BaseCost("visualHealing"); got != 1500 {
		t.Errorf("%s - BaseCost(visualHealing) = %v, want 1500", loaderTestPrefix, got)
	}
	if got := r.Bucket("performance"); got != BucketAnalytic {
		t.Errorf("%s - Bucket(performance) = %s, want analytic", loaderTestPrefix, got)
	}
	if r.Has("kb") {
		t.Errorf("%s - Has should not follow aliases", loaderTestPrefix)
	}
	if got := r.ResolveAlias("unknown"); got != "unknown" {
		t.Errorf("%s - ResolveAlias(unknown) = %q", loaderTestPrefix, got)
	}
}

func TestResolve_IsolatedFromConfig(t *testing.T) {
	cfg := GetDefaultCatalog()
	r := Resolve(cfg)

	cfg.TypeServices[coordination.TypeKnowledge][0] = "mutated"
	services := r.ServicesFor(coordination.TypeKnowledge)
	if services[0] != "knowledge" {
		t.Errorf("%s - resolved catalog shares the config type table", loaderTestPrefix)
	}
	services[0] = "mutated"
	if r.ServicesFor(coordination.TypeKnowledge)[0] != "knowledge" {
		t.Errorf("%s - ServicesFor returned the live slice", loaderTestPrefix)
	}
}

func TestResolve_ExplicitSubjectKept(t *testing.T) {
	cfg := GetDefaultCatalog()
	b := cfg.Backends["knowledge"]
	b.Subject = "kb.search.v2"
	b.Version = "2.3.0"
	cfg.Backends["knowledge"] = b
	cfg.Backends["performance"] = Backend{Version: "3.0.0", Bucket: BucketAnalytic, BaseCost: 1}

	r := Resolve(cfg)
	if got := r.Subject("knowledge"); got != "kb.search.v2" {
		t.Errorf("%s - explicit subject replaced: %q", loaderTestPrefix, got)
	}
	if got := r.Subject("performance"); got != "cap.more0.analysis.performance.v3" {
		t.Errorf("%s - derived subject = %q, want major 3", loaderTestPrefix, got)
	}
}

func TestValidate_Problems(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"bad bucket", func(c *Config) {
			b := c.Backends["knowledge"]
			b.Bucket = "sideways"
			c.Backends["knowledge"] = b
		}, `unknown bucket "sideways"`},
		{"zero cost", func(c *Config) {
			b := c.Backends["performance"]
			b.BaseCost = 0
			c.Backends["performance"] = b
		}, "baseCost must be positive"},
		{"bad version", func(c *Config) {
			b := c.Backends["selfHealing"]
			b.Version = "one"
			c.Backends["selfHealing"] = b
		}, `invalid version "one"`},
		{"missing type", func(c *Config) {
			delete(c.TypeServices, coordination.TypePrediction)
		}, `request type "prediction" has no backends`},
		{"unregistered reference", func(c *Config) {
			c.TypeServices[coordination.TypeKnowledge] = []string{"oracle"}
		}, `unregistered backend "oracle"`},
		{"unknown type", func(c *Config) {
			c.TypeServices["diagnosis"] = []string{"knowledge"}
		}, `unknown request type "diagnosis"`},
		{"dangling alias", func(c *Config) {
			c.Aliases["ghost"] = "nobody"
		}, `alias "ghost" targets unregistered backend`},
		{"shadowing alias", func(c *Config) {
			c.Aliases["knowledge"] = "performance"
		}, `alias "knowledge" shadows a backend name`},
		{"bad name", func(c *Config) {
			c.Backends["9lives"] = Backend{Version: "1.0.0", Bucket: BucketAnalytic, BaseCost: 1}
		}, `backend "9lives": invalid name`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultCatalog()
			tt.mutate(cfg)
			err := cfg.Validate()
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("%s - expected ValidationError, got %v", loaderTestPrefix, err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("%s - error %q does not mention %q", loaderTestPrefix, err.Error(), tt.want)
			}
		})
	}
}

func TestValidate_Empty(t *testing.T) {
	err := (&Config{}).Validate()
	if err == nil || !strings.Contains(err.Error(), "no backends registered") {
		t.Errorf("%s - expected empty catalog error, got %v", loaderTestPrefix, err)
	}
}

func TestMerge(t *testing.T) {
	base := GetDefaultCatalog()
	override := &Config{
		Version: "1.1.0",
		Backends: map[string]Backend{
			"knowledge": {Version: "2.0.0", Bucket: BucketIndependent, BaseCost: 150, Subject: "kb.v2"},
			"triage":    {Version: "0.1.0", Bucket: BucketAnalytic, BaseCost: 50},
		},
		TypeServices: map[coordination.RequestType][]string{
			coordination.TypeKnowledge: {"knowledge", "triage"},
		},
		Aliases: map[string]string{"tri": "triage"},
	}

	merged := Merge(base, override)

	if merged.Name != "analysis-backends" || merged.Version != "1.1.0" {
		t.Errorf("%s - name/version = %s/%s", loaderTestPrefix, merged.Name, merged.Version)
	}
	if merged.Backends["knowledge"].BaseCost != 150 {
		t.Errorf("%s - override backend not applied", loaderTestPrefix)
	}
	if _, ok := merged.Backends["failureAnalysis"]; !ok {
		t.Errorf("%s - base backend lost in merge", loaderTestPrefix)
	}
	if diff := cmp.Diff([]string{"knowledge", "triage"}, merged.TypeServices[coordination.TypeKnowledge]); diff != "" {
		t.Errorf("%s - type override mismatch (-want +got):\n%s", loaderTestPrefix, diff)
	}
	if merged.Aliases["tri"] != "triage" || merged.Aliases["kb"] != "knowledge" {
		t.Errorf("%s - aliases not merged: %v", loaderTestPrefix, merged.Aliases)
	}
	if err := merged.Validate(); err != nil {
		t.Errorf("%s - merged catalog invalid: %v", loaderTestPrefix, err)
	}

	// Base is untouched.
	if base.Backends["knowledge"].BaseCost != 300 {
		t.Errorf("%s - Merge mutated the base catalog", loaderTestPrefix)
	}
	if _, ok := base.Aliases["tri"]; ok {
		t.Errorf("%s - Merge mutated the base aliases", loaderTestPrefix)
	}
}

func TestLoadCatalog_ExplicitPath(t *testing.T) {
	t.Setenv("CATALOG_FILE", "")
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.json")
	content := `{"name":"staging","backends":{"knowledge":{"version":"1.2.0","bucket":"independent","baseCost":200,"natsUrl":"nats://kb:4222"}}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("%s - write failed: %v", loaderTestPrefix, err)
	}

	cfg, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("%s - LoadCatalog failed: %v", loaderTestPrefix, err)
	}
	if cfg.Name != "staging" {
		t.Errorf("%s - Name = %q, want staging", loaderTestPrefix, cfg.Name)
	}
	if cfg.Backends["knowledge"].NatsUrl != "nats://kb:4222" {
		t.Errorf("%s - file backend not loaded", loaderTestPrefix)
	}
	if len(cfg.Backends) != 6 {
		t.Errorf("%s - expected file merged over default, got %d backends", loaderTestPrefix, len(cfg.Backends))
	}
}

func TestLoadCatalog_EnvPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "env.json")
	if err := os.WriteFile(path, []byte(`{"version":"9.9.9"}`), 0o644); err != nil {
		t.Fatalf("%s - write failed: %v", loaderTestPrefix, err)
	}
	t.Setenv("CATALOG_FILE", path)

	cfg, err := LoadCatalog()
	if err != nil {
		t.Fatalf("%s - LoadCatalog failed: %v", loaderTestPrefix, err)
	}
	if cfg.Version != "9.9.9" {
		t.Errorf("%s - Version = %q, want 9.9.9", loaderTestPrefix, cfg.Version)
	}
}

func TestLoadCatalog_FallsBackToDefault(t *testing.T) {
	t.Setenv("CATALOG_FILE", "")
	dir := t.TempDir()
	broken := filepath.Join(dir, "broken.json")
	if err := os.WriteFile(broken, []byte(`{not json`), 0o644); err != nil {
		t.Fatalf("%s - write failed: %v", loaderTestPrefix, err)
	}

	cfg, err := LoadCatalog(filepath.Join(dir, "missing.json"), broken)
	if err != nil {
		t.Fatalf("%s - LoadCatalog failed: %v", loaderTestPrefix, err)
	}
	if diff := cmp.Diff(GetDefaultCatalog(), cfg); diff != "" {
		t.Errorf("%s - expected default catalog (-want +got):\n%s", loaderTestPrefix, diff)
	}
}

func TestLoadCatalogFile_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadCatalogFile(filepath.Join(dir, "missing.json"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("%s - missing file error = %v, want os.ErrNotExist", loaderTestPrefix, err)
	}

	broken := filepath.Join(dir, "broken.json")
	if err := os.WriteFile(broken, []byte(`{not json`), 0o644); err != nil {
		t.Fatalf("%s - write failed: %v", loaderTestPrefix, err)
	}
	_, err = LoadCatalogFile(broken)
	if err == nil || !strings.Contains(err.Error(), "failed to parse") {
		t.Errorf("%s - broken file error = %v", loaderTestPrefix, err)
	}
}

func TestBucket_Valid(t *testing.T) {
	for _, b := range BucketOrder {
		if !b.Valid() {
			t.Errorf("%s - %s should be valid", loaderTestPrefix, b)
		}
	}
	if Bucket("other").Valid() {
		t.Errorf("%s - unknown bucket reported valid", loaderTestPrefix)
	}
}
