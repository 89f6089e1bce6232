package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/morezero/analysis-coordinator/pkg/coordination"
)

// Synthesizer merges per-backend results into one Insight. It may fail or
// panic; the coordinator substitutes the fallback insight in both cases.
type Synthesizer interface {
	Synthesize(ctx context.Context, req *coordination.Request, plan *coordination.CoordinationPlan, results map[string]coordination.Outcome) (coordination.Insight, error)
}

// SynthesizerFunc adapts a function to the Synthesizer interface.
type SynthesizerFunc func(ctx context.Context, req *coordination.Request, plan *coordination.CoordinationPlan, results map[string]coordination.Outcome) (coordination.Insight, error)

// Synthesize calls f.
func (f SynthesizerFunc) Synthesize(ctx context.Context, req *coordination.Request, plan *coordination.CoordinationPlan, results map[string]coordination.Outcome) (coordination.Insight, error) {
	return f(ctx, req, plan, results)
}

// ErrNothingToSynthesize is returned when no backend produced a payload.
var ErrNothingToSynthesize = errors.New("no successful backend results to synthesize")

const defaultReportedConfidence = 0.7

// backendReport is the subset of a backend payload the default synthesizer reads.
// Every field is optional.
type backendReport struct {
	Summary         string   `json:"summary"`
	Confidence      *float64 `json:"confidence"`
	Recommendations []string `json:"recommendations"`
}

// DefaultSynthesizer combines the summary, confidence and recommendations fields
// of ok payloads. Confidence is the mean reported confidence scaled by the share
// of planned backends that answered.
type DefaultSynthesizer struct{}

// Synthesize implements Synthesizer.
func (DefaultSynthesizer) Synthesize(_ context.Context, req *coordination.Request, plan *coordination.CoordinationPlan, results map[string]coordination.Outcome) (coordination.Insight, error) {
	var (
		answered  []string
		summaries []string
		recs      []string
		seenRec   = make(map[string]bool)
		confSum   float64
	)

	for _, name := range plan.ServicesUsed {
		o, ok := results[name]
		if !ok || !o.IsOK() {
			continue
		}
		answered = append(answered, name)

		var report backendReport
		if len(o.Payload) > 0 {
			// Non-object payloads are still counted as answers.
			_ = json.Unmarshal(o.Payload, &report)
		}
		conf := defaultReportedConfidence
		if report.Confidence != nil && *report.Confidence >= 0 && *report.Confidence <= 1 {
			conf = *report.Confidence
		}
		confSum += conf

		if s := strings.TrimSpace(report.Summary); s != "" {
			summaries = append(summaries, fmt.Sprintf("%s: %s", name, s))
		}
		for _, r := range report.Recommendations {
			r = strings.TrimSpace(r)
			if r == "" || seenRec[r] {
				continue
			}
			seenRec[r] = true
			recs = append(recs, r)
		}
	}

	if len(answered) == 0 {
		return coordination.Insight{}, ErrNothingToSynthesize
	}

	coverage := float64(len(answered)) / float64(len(plan.ServicesUsed))
	confidence := (confSum / float64(len(answered))) * (0.5 + 0.5*coverage)

	summary := fmt.Sprintf("%s coordinated across %d of %d backends (%s)",
		req.Type, len(answered), len(plan.ServicesUsed), strings.Join(answered, ", "))
	if len(summaries) > 0 {
		summary += ". " + strings.Join(summaries, "; ")
	}

	return coordination.Insight{
		Summary:         summary,
		Confidence:      math.Round(confidence*100) / 100,
		Recommendations: recs,
		Degraded:        len(answered) < len(plan.ServicesUsed),
	}, nil
}

// safeSynthesize never panics and never returns an out-of-range confidence.
func safeSynthesize(ctx context.Context, s Synthesizer, req *coordination.Request, plan *coordination.CoordinationPlan, results map[string]coordination.Outcome) (insight coordination.Insight, err error) {
	defer func() {
		if r := recover(); r != nil {
			insight = coordination.FallbackInsight()
			err = fmt.Errorf("synthesizer panicked: %v", r)
		}
	}()

	insight, err = s.Synthesize(ctx, req, plan, results)
	if err != nil {
		return coordination.FallbackInsight(), err
	}
	if math.IsNaN(insight.Confidence) {
		insight.Confidence = 0
	}
	insight.Confidence = math.Max(0, math.Min(1, insight.Confidence))
	return insight, nil
}
