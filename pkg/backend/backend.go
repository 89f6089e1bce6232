// Package backend defines the analysis backend contract and its implementations.
package backend

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/morezero/analysis-coordinator/pkg/coordination"
)

// Backend invokes one named analysis backend. Implementations must honor ctx
// cancellation; the coordinator applies the per-backend timeout through ctx.
type Backend interface {
	Invoke(ctx context.Context, name string, rc coordination.RequestContext) (json.RawMessage, error)
}

// Func adapts a function to the Backend interface.
type Func func(ctx context.Context, name string, rc coordination.RequestContext) (json.RawMessage, error)

// Invoke calls f.
func (f Func) Invoke(ctx context.Context, name string, rc coordination.RequestContext) (json.RawMessage, error) {
	return f(ctx, name, rc)
}

// NoHandlerError is returned for a backend name the catalog cannot route.
type NoHandlerError struct {
	Name string
}

func (e *NoHandlerError) Error() string {
	return fmt.Sprintf("backend:backend - no handler registered for backend %q", e.Name)
}
