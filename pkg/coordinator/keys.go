package coordinator

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/morezero/analysis-coordinator/pkg/coordination"
)

// baseTTL is the cache lifetime per request type before priority scaling.
var baseTTL = map[coordination.RequestType]time.Duration{
	coordination.TypeAnalysis:     5 * time.Minute,
	coordination.TypeHealing:      2 * time.Minute,
	coordination.TypePrediction:   10 * time.Minute,
	coordination.TypeOptimization: 15 * time.Minute,
	coordination.TypeKnowledge:    30 * time.Minute,
}

type cacheKeyInput struct {
	Type          coordination.RequestType    `json:"type"`
	Context       coordination.RequestContext `json:"context"`
	DomainContext *coordination.DomainContext `json:"domainContext"`
}

// CacheKey derives the response cache key from the request type, context and
// domain context. Priority and hints do not participate. ok is false when the
// context cannot be encoded (NaN or infinite metrics, unencodable Extra values);
// such a request must bypass the cache and coalescing.
func CacheKey(req *coordination.Request) (key string, ok bool) {
	data, err := json.Marshal(cacheKeyInput{Type: req.Type, Context: req.Context, DomainContext: req.DomainContext})
	if err != nil {
		return "", false
	}
	sum := sha256.Sum256(data)
	return string(req.Type) + ":" + hex.EncodeToString(sum[:]), true
}

// TTLFor returns the cache lifetime for a response to req. Unknown types use fallback.
func TTLFor(req *coordination.Request, fallback time.Duration) time.Duration {
	ttl, ok := baseTTL[req.Type]
	if !ok {
		ttl = fallback
	}
	switch req.Priority {
	case coordination.PriorityCritical:
		ttl /= 2
	case coordination.PriorityLow:
		ttl *= 2
	}
	if req.DomainContext != nil && strings.EqualFold(strings.TrimSpace(req.DomainContext.Criticality), "critical") {
		ttl /= 2
	}
	return ttl
}
