// Package catalog loads the backend catalog: which analysis backends exist, how to
// reach them, how they are grouped and what each request type calls by default.
package catalog

import (
	"sort"
	"time"

	"github.com/morezero/analysis-coordinator/pkg/coordination"
)

// Bucket classifies a backend for plan grouping.
type Bucket string

const (
	// BucketIndependent backends are pure lookups with no dependency on other outputs.
	BucketIndependent Bucket = "independent"
	// BucketAnalytic backends may read independent output and run concurrently with each other.
	BucketAnalytic Bucket = "analytic"
	// BucketRemedial backends are healing-type calls that benefit from analytic output.
	BucketRemedial Bucket = "remedial"
)

// BucketOrder is the fixed execution order of plan groups.
var BucketOrder = []Bucket{BucketIndependent, BucketAnalytic, BucketRemedial}

// Valid reports whether b is a known bucket.
func (b Bucket) Valid() bool {
	for _, known := range BucketOrder {
		if b == known {
			return true
		}
	}
	return false
}

// Backend is one analysis backend entry in the catalog.
type Backend struct {
	Subject     string  `json:"subject,omitempty"`
	NatsUrl     string  `json:"natsUrl,omitempty"`
	Version     string  `json:"version"`
	Bucket      Bucket  `json:"bucket"`
	BaseCost    float64 `json:"baseCost"`
	TimeoutMs   int     `json:"timeoutMs,omitempty"`
	Description string  `json:"description,omitempty"`
}

// Config is the root catalog document.
type Config struct {
	Name         string                                `json:"name"`
	Version      string                                `json:"version"`
	Description  string                                `json:"description,omitempty"`
	Backends     map[string]Backend                    `json:"backends"`
	TypeServices map[coordination.RequestType][]string `json:"typeServices"`
	Aliases      map[string]string                     `json:"aliases,omitempty"`
}

// Resolved provides read-only lookups over a validated catalog.
type Resolved struct {
	name         string
	version      string
	backends     map[string]*Backend
	typeServices map[coordination.RequestType][]string
	aliases      map[string]string
	names        []string
}

// Name returns the catalog name.
func (r *Resolved) Name() string {
	return r.name
}

// Version returns the catalog version.
func (r *Resolved) Version() string {
	return r.version
}

// Get returns a copy of a backend by name or alias.
func (r *Resolved) Get(ref string) (Backend, bool) {
	if b, ok := r.backends[r.ResolveAlias(ref)]; ok {
		return *b, true
	}
	return Backend{}, false
}

// Has reports whether name (not an alias) is a registered backend.
func (r *Resolved) Has(name string) bool {
	_, ok := r.backends[name]
	return ok
}

// Names returns every registered backend name, sorted.
func (r *Resolved) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// ResolveAlias resolves an alias to the backend name. Unknown input is returned unchanged.
func (r *Resolved) ResolveAlias(alias string) string {
	if resolved, ok := r.aliases[alias]; ok {
		return resolved
	}
	return alias
}

// Bucket returns the grouping bucket of a backend.
func (r *Resolved) Bucket(name string) Bucket {
	if b, ok := r.backends[name]; ok {
		return b.Bucket
	}
	return ""
}

// BaseCost returns the advisory base cost of a backend, or 0 if unknown.
func (r *Resolved) BaseCost(name string) float64 {
	if b, ok := r.backends[name]; ok {
		return b.BaseCost
	}
	return 0
}

// Timeout returns the per-call timeout of a backend, or fallback when none is set.
func (r *Resolved) Timeout(name string, fallback time.Duration) time.Duration {
	if b, ok := r.backends[name]; ok && b.TimeoutMs > 0 {
		return time.Duration(b.TimeoutMs) * time.Millisecond
	}
	return fallback
}

// Subject returns the COMMS subject of a backend.
func (r *Resolved) Subject(name string) string {
	if b, ok := r.backends[name]; ok {
		return b.Subject
	}
	return ""
}

// ServicesFor returns a copy of the base backend list for a request type.
func (r *Resolved) ServicesFor(t coordination.RequestType) []string {
	base := r.typeServices[t]
	out := make([]string, len(base))
	copy(out, base)
	return out
}

func sortedKeys(m map[string]*Backend) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
