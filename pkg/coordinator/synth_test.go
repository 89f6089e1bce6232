package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/morezero/analysis-coordinator/pkg/coordination"
)

const synthTestPrefix = "coordinator:synth_test"

func TestDefaultSynthesizer(t *testing.T) {
	req := &coordination.Request{Type: coordination.TypeHealing, Priority: coordination.PriorityMedium}
	plan := &coordination.CoordinationPlan{ServicesUsed: []string{"selfHealing", "failureAnalysis", "knowledge"}}
	results := map[string]coordination.Outcome{
		"selfHealing": coordination.OK("selfHealing",
			json.RawMessage(`{"summary":"selector drifted","confidence":0.9,"recommendations":["use data-testid","retry submit"]}`), 0),
		"failureAnalysis": coordination.OK("failureAnalysis",
			json.RawMessage(`{"confidence":0.5,"recommendations":["retry submit"]}`), 0),
		"knowledge": coordination.Failed("knowledge", "timeout after 3s", 0),
	}

	got, err := DefaultSynthesizer{}.Synthesize(context.Background(), req, plan, results)
	if err != nil {
		t.Fatalf("%s - unexpected error: %v", synthTestPrefix, err)
	}

	// mean(0.9, 0.5) * (0.5 + 0.5*2/3) = 0.7 * 0.8333
	if got.Confidence != 0.58 {
		t.Errorf("%s - Confidence = %v, want 0.58", synthTestPrefix, got.Confidence)
	}
	if diff := cmp.Diff([]string{"use data-testid", "retry submit"}, got.Recommendations); diff != "" {
		t.Errorf("%s - recommendations mismatch (-want +got):\n%s", synthTestPrefix, diff)
	}
	if !got.Degraded {
		t.Errorf("%s - insight with a failed backend should be degraded", synthTestPrefix)
	}
	if !strings.Contains(got.Summary, "2 of 3") || !strings.Contains(got.Summary, "selector drifted") {
		t.Errorf("%s - Summary = %q", synthTestPrefix, got.Summary)
	}
}

func TestDefaultSynthesizer_NonObjectPayloads(t *testing.T) {
	plan := &coordination.CoordinationPlan{ServicesUsed: []string{"knowledge"}}
	results := map[string]coordination.Outcome{
		"knowledge": coordination.OK("knowledge", json.RawMessage(`["doc-1","doc-2"]`), 0),
	}
	got, err := DefaultSynthesizer{}.Synthesize(context.Background(), &coordination.Request{Type: coordination.TypeKnowledge}, plan, results)
	if err != nil {
		t.Fatalf("%s - unexpected error: %v", synthTestPrefix, err)
	}
	if got.Confidence != defaultReportedConfidence || got.Degraded {
		t.Errorf("%s - got %+v", synthTestPrefix, got)
	}
}

func TestDefaultSynthesizer_NothingToSynthesize(t *testing.T) {
	plan := &coordination.CoordinationPlan{ServicesUsed: []string{"knowledge"}}
	results := map[string]coordination.Outcome{"knowledge": coordination.Failed("knowledge", "down", 0)}
	_, err := DefaultSynthesizer{}.Synthesize(context.Background(), &coordination.Request{}, plan, results)
	if !errors.Is(err, ErrNothingToSynthesize) {
		t.Errorf("%s - err = %v, want ErrNothingToSynthesize", synthTestPrefix, err)
	}
}

func TestSafeSynthesize_ClampsConfidence(t *testing.T) {
	s := SynthesizerFunc(func(context.Context, *coordination.Request, *coordination.CoordinationPlan, map[string]coordination.Outcome) (coordination.Insight, error) {
		return coordination.Insight{Summary: "overconfident", Confidence: 1.7}, nil
	})
	got, err := safeSynthesize(context.Background(), s, &coordination.Request{}, &coordination.CoordinationPlan{}, nil)
	if err != nil {
		t.Fatalf("%s - unexpected error: %v", synthTestPrefix, err)
	}
	if got.Confidence != 1 {
		t.Errorf("%s - Confidence = %v, want 1", synthTestPrefix, got.Confidence)
	}
}
