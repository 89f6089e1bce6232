// Package coordination defines the request, plan and response types shared by the
// planner, the coordinator and the priority dispatcher.
package coordination

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// RequestType selects the base set of backends for a request.
type RequestType string

const (
	TypeAnalysis     RequestType = "analysis"
	TypeHealing      RequestType = "healing"
	TypePrediction   RequestType = "prediction"
	TypeOptimization RequestType = "optimization"
	TypeKnowledge    RequestType = "knowledge"
)

// RequestTypes lists every valid RequestType in declaration order.
var RequestTypes = []RequestType{TypeAnalysis, TypeHealing, TypePrediction, TypeOptimization, TypeKnowledge}

// Valid reports whether t is one of the fixed request types.
func (t RequestType) Valid() bool {
	for _, known := range RequestTypes {
		if t == known {
			return true
		}
	}
	return false
}

// RequestContext is the caller payload. The core only checks for the presence of
// an attachment and metrics; everything else is passed through to backends.
type RequestContext struct {
	Identifiers    map[string]string  `json:"identifiers,omitempty"`
	Error          string             `json:"error,omitempty"`
	Metrics        map[string]float64 `json:"metrics,omitempty"`
	Attachment     []byte             `json:"attachment,omitempty"`
	AttachmentType string             `json:"attachmentType,omitempty"`
	Environment    map[string]string  `json:"environment,omitempty"`
	Extra          map[string]any     `json:"extra,omitempty"`
}

// HasImage reports whether the context carries an image attachment.
// An attachment without a declared type is treated as a screenshot.
func (c RequestContext) HasImage() bool {
	if len(c.Attachment) == 0 {
		return false
	}
	return c.AttachmentType == "" || strings.HasPrefix(c.AttachmentType, "image/")
}

// HasMetrics reports whether the context carries performance metrics.
func (c RequestContext) HasMetrics() bool {
	return len(c.Metrics) > 0
}

// AttachmentSize returns the attachment size in bytes.
func (c RequestContext) AttachmentSize() int {
	return len(c.Attachment)
}

// DomainContext holds optional hints that bias backend selection and cache TTL.
type DomainContext struct {
	Workflow    string `json:"workflow,omitempty"`
	Component   string `json:"component,omitempty"`
	Criticality string `json:"criticality,omitempty"`
}

// Request is a single coordination request.
type Request struct {
	ID               string         `json:"id,omitempty"`
	Type             RequestType    `json:"type"`
	Context          RequestContext `json:"context"`
	Priority         Priority       `json:"priority"`
	RequiredServices []string       `json:"requiredServices,omitempty"`
	DomainContext    *DomainContext `json:"domainContext,omitempty"`
}

// Validate rejects requests whose type or priority is outside the enumerations.
func (r *Request) Validate() error {
	if r == nil {
		return &MalformedRequestError{Field: "request", Value: "nil"}
	}
	if !r.Type.Valid() {
		return &MalformedRequestError{Field: "type", Value: string(r.Type)}
	}
	if !r.Priority.Valid() {
		return &MalformedRequestError{Field: "priority", Value: r.Priority.String()}
	}
	return nil
}

// SkippedHint records a requiredServices hint the planner could not honor.
type SkippedHint struct {
	Ref    string `json:"ref"`
	Reason string `json:"reason"`
}

// CoordinationPlan is the ordered, grouped list of backends to call for one request.
type CoordinationPlan struct {
	ServicesUsed   []string      `json:"servicesUsed"`
	ParallelGroups [][]string    `json:"parallelGroups"`
	EstimatedCost  float64       `json:"estimatedCost"`
	Skipped        []SkippedHint `json:"skipped,omitempty"`
}

// Validate checks that the groups partition ServicesUsed.
func (p *CoordinationPlan) Validate() error {
	if p == nil || len(p.ServicesUsed) == 0 {
		return &PlanError{Message: "plan has no services"}
	}
	used := make(map[string]bool, len(p.ServicesUsed))
	for _, name := range p.ServicesUsed {
		if used[name] {
			return &PlanError{Message: "duplicate service " + name}
		}
		used[name] = true
	}
	grouped := make(map[string]bool, len(p.ServicesUsed))
	for i, group := range p.ParallelGroups {
		if len(group) == 0 {
			return &PlanError{Message: "empty group at index " + strconv.Itoa(i)}
		}
		for _, name := range group {
			if grouped[name] {
				return &PlanError{Message: "service " + name + " appears in two groups"}
			}
			if !used[name] {
				return &PlanError{Message: "grouped service " + name + " is not in servicesUsed"}
			}
			grouped[name] = true
		}
	}
	if len(grouped) != len(used) {
		return &PlanError{Message: "groups do not cover servicesUsed"}
	}
	return nil
}

// OutcomeStatus tags an Outcome.
type OutcomeStatus string

const (
	OutcomeOK    OutcomeStatus = "ok"
	OutcomeError OutcomeStatus = "error"

	// OutcomeCancelled marks a backend call cut short by the caller. It says
	// nothing about the backend's health.
	OutcomeCancelled OutcomeStatus = "cancelled"
)

// Outcome is the per-backend result: either ok with a payload or error with a reason.
type Outcome struct {
	Service string          `json:"service"`
	Status  OutcomeStatus   `json:"status"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Reason  string          `json:"reason,omitempty"`
	Elapsed time.Duration   `json:"elapsed"`
}

// OK builds a successful outcome.
func OK(service string, payload json.RawMessage, elapsed time.Duration) Outcome {
	return Outcome{Service: service, Status: OutcomeOK, Payload: payload, Elapsed: elapsed}
}

// Failed builds an error outcome.
func Failed(service, reason string, elapsed time.Duration) Outcome {
	return Outcome{Service: service, Status: OutcomeError, Reason: reason, Elapsed: elapsed}
}

// Cancelled builds an outcome for a call abandoned because the caller went away.
func Cancelled(service, reason string, elapsed time.Duration) Outcome {
	return Outcome{Service: service, Status: OutcomeCancelled, Reason: reason, Elapsed: elapsed}
}

// IsOK reports whether the backend succeeded.
func (o Outcome) IsOK() bool { return o.Status == OutcomeOK }

// IsCancelled reports whether the call was abandoned by the caller.
func (o Outcome) IsCancelled() bool { return o.Status == OutcomeCancelled }

// Insight is the synthesized summary of the backend results.
type Insight struct {
	Summary         string   `json:"summary"`
	Confidence      float64  `json:"confidence"`
	Recommendations []string `json:"recommendations,omitempty"`
	Degraded        bool     `json:"degraded,omitempty"`
}

// FallbackInsight is returned whenever synthesis cannot run or the request failed.
func FallbackInsight() Insight {
	return Insight{
		Summary:    "Coordination completed with limited information; backend results may be partial.",
		Confidence: 0.3,
		Degraded:   true,
	}
}

// ResponseMetrics describes how a response was produced.
type ResponseMetrics struct {
	TotalTime      time.Duration `json:"totalTime"`
	ServicesUsed   []string      `json:"servicesUsed"`
	ParallelGroups [][]string    `json:"parallelGroups,omitempty"`
	CacheHits      int           `json:"cacheHits"`
	EstimatedCost  float64       `json:"estimatedCost"`
	Coalesced      bool          `json:"coalesced,omitempty"`
}

// ErrorDetail is the structured failure attached to an unsuccessful response.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AggregatedResponse is the single result returned for a request.
type AggregatedResponse struct {
	RequestID  string             `json:"requestId"`
	Type       RequestType        `json:"type"`
	Success    bool               `json:"success"`
	Results    map[string]Outcome `json:"results"`
	Insight    Insight            `json:"insight"`
	Metrics    ResponseMetrics    `json:"metrics"`
	ProducedAt time.Time          `json:"producedAt"`
	Error      *ErrorDetail       `json:"error,omitempty"`
}

// Clone returns a deep copy of the response.
func (r *AggregatedResponse) Clone() *AggregatedResponse {
	if r == nil {
		return nil
	}
	out := *r
	if r.Results != nil {
		out.Results = make(map[string]Outcome, len(r.Results))
		for name, o := range r.Results {
			if o.Payload != nil {
				o.Payload = append(json.RawMessage(nil), o.Payload...)
			}
			out.Results[name] = o
		}
	}
	out.Insight.Recommendations = cloneStrings(r.Insight.Recommendations)
	out.Metrics.ServicesUsed = cloneStrings(r.Metrics.ServicesUsed)
	if r.Metrics.ParallelGroups != nil {
		out.Metrics.ParallelGroups = make([][]string, len(r.Metrics.ParallelGroups))
		for i, g := range r.Metrics.ParallelGroups {
			out.Metrics.ParallelGroups[i] = cloneStrings(g)
		}
	}
	if r.Error != nil {
		e := *r.Error
		out.Error = &e
	}
	return &out
}

// SucceededServices returns the names of backends with an ok outcome, in plan order.
func (r *AggregatedResponse) SucceededServices() []string {
	var out []string
	for _, name := range r.Metrics.ServicesUsed {
		if o, ok := r.Results[name]; ok && o.IsOK() {
			out = append(out, name)
		}
	}
	return out
}

// FailedServices returns the names of backends with an error outcome, in plan order.
func (r *AggregatedResponse) FailedServices() []string {
	var out []string
	for _, name := range r.Metrics.ServicesUsed {
		if o, ok := r.Results[name]; ok && !o.IsOK() {
			out = append(out, name)
		}
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
