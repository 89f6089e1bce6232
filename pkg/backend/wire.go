package backend

import (
	"encoding/json"
	"fmt"

	"github.com/morezero/analysis-coordinator/pkg/coordination"
)

// WireRequest is the request-reply payload sent to a backend subject.
type WireRequest struct {
	ID      string                      `json:"id"`
	Backend string                      `json:"backend"`
	Context coordination.RequestContext `json:"context"`
}

// WireReply is the payload a backend answers with.
type WireReply struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *WireError      `json:"error,omitempty"`
}

// WireError is the structured failure in a WireReply.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RemoteError is returned when a backend replies with ok=false.
type RemoteError struct {
	Backend string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("backend %s failed: %s: %s", e.Backend, e.Code, e.Message)
}
