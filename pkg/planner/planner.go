// Package planner turns a request into a grouped, ordered backend plan.
package planner

import (
	"fmt"
	"math"
	"strings"

	"github.com/morezero/analysis-coordinator/pkg/catalog"
	"github.com/morezero/analysis-coordinator/pkg/coordination"
	"github.com/morezero/analysis-coordinator/pkg/semver"
)

const (
	// LargeAttachmentBytes is the attachment size above which the cost estimate is scaled.
	LargeAttachmentBytes = 1 << 20

	largeAttachmentFactor = 1.5
	domainContextFactor   = 1.2
)

// Skip reasons reported in CoordinationPlan.Skipped.
const (
	SkipUnregistered  = "unregistered"
	SkipVersion       = "version"
	SkipMalformedHint = "malformed"
)

// Planner is deterministic and holds no mutable state.
type Planner struct {
	catalog *catalog.Resolved
}

// New creates a Planner over a resolved catalog.
func New(c *catalog.Resolved) *Planner {
	return &Planner{catalog: c}
}

// Plan selects, groups and costs the backends for req.
func (p *Planner) Plan(req *coordination.Request) (*coordination.CoordinationPlan, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	sel := newSelection()
	for _, name := range p.catalog.ServicesFor(req.Type) {
		sel.add(name)
	}

	if req.Context.HasImage() {
		p.addIfRegistered(sel, catalog.VisualHealing)
	}
	if req.Context.HasMetrics() {
		p.addIfRegistered(sel, catalog.Performance)
	}
	if req.DomainContext != nil && elevated(req.DomainContext.Criticality) {
		p.addIfRegistered(sel, catalog.PredictiveAnalytics)
	}

	var skipped []coordination.SkippedHint
	for _, hint := range req.RequiredServices {
		if name, reason := p.resolveHint(hint); reason != "" {
			skipped = append(skipped, coordination.SkippedHint{Ref: hint, Reason: reason})
		} else {
			sel.add(name)
		}
	}

	if len(sel.order) == 0 {
		return nil, &coordination.PlanError{Message: fmt.Sprintf("no backends registered for type %s", req.Type)}
	}

	plan := &coordination.CoordinationPlan{
		ServicesUsed:   sel.order,
		ParallelGroups: p.group(sel.order),
		EstimatedCost:  p.estimateCost(req, sel.order),
		Skipped:        skipped,
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

// resolveHint maps a name[@range] hint to a registered backend, or returns a skip reason.
func (p *Planner) resolveHint(hint string) (string, string) {
	ref, err := semver.ParseBackendRef(hint)
	if err != nil {
		return "", SkipMalformedHint
	}
	name := p.catalog.ResolveAlias(ref.Name)
	backend, ok := p.catalog.Get(name)
	if !ok {
		return "", SkipUnregistered
	}
	if ref.Range != "" && !semver.SatisfiesRange(backend.Version, ref.Range) {
		return "", SkipVersion
	}
	return name, ""
}

func (p *Planner) addIfRegistered(sel *selection, name string) {
	if p.catalog.Has(name) {
		sel.add(name)
	}
}

// group emits one group per non-empty bucket in BucketOrder, keeping selection order inside a group.
func (p *Planner) group(names []string) [][]string {
	byBucket := make(map[catalog.Bucket][]string, len(catalog.BucketOrder))
	for _, name := range names {
		b := p.catalog.Bucket(name)
		byBucket[b] = append(byBucket[b], name)
	}

	groups := make([][]string, 0, len(catalog.BucketOrder))
	for _, b := range catalog.BucketOrder {
		if len(byBucket[b]) > 0 {
			groups = append(groups, byBucket[b])
		}
	}
	return groups
}

func (p *Planner) estimateCost(req *coordination.Request, names []string) float64 {
	var cost float64
	for _, name := range names {
		cost += p.catalog.BaseCost(name)
	}
	if req.Context.AttachmentSize() > LargeAttachmentBytes {
		cost *= largeAttachmentFactor
	}
	if req.DomainContext != nil {
		cost *= domainContextFactor
	}
	return math.Round(cost*100) / 100
}

func elevated(criticality string) bool {
	switch strings.ToLower(strings.TrimSpace(criticality)) {
	case "high", "critical":
		return true
	}
	return false
}

// selection is an insertion-ordered set.
type selection struct {
	order []string
	seen  map[string]bool
}

func newSelection() *selection {
	return &selection{seen: make(map[string]bool)}
}

func (s *selection) add(name string) {
	if s.seen[name] {
		return
	}
	s.seen[name] = true
	s.order = append(s.order, name)
}
