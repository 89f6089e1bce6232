package commsutil

import (
	"fmt"
	"strings"
)

// Default COMMS subjects.
const (
	SubjectCoordinator       = "cap.more0.coordinator.v1"
	SubjectHealthChanged     = "coordination.health.changed"
	SubjectDeferredCompleted = "coordination.deferred.completed"
)

// BuildHealthSubject builds the per-backend health event subject.
func BuildHealthSubject(service string) string {
	return fmt.Sprintf("%s.%s", SubjectHealthChanged, sanitizeToken(service))
}

// BuildBackendSubject builds the default request-reply subject for an analysis backend.
func BuildBackendSubject(name string, major int) string {
	return fmt.Sprintf("cap.more0.analysis.%s.v%d", sanitizeToken(name), major)
}

// sanitizeToken keeps a name inside a single subject token.
func sanitizeToken(name string) string {
	r := strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")
	return r.Replace(name)
}
