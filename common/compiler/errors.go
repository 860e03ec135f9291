package compiler

import (
	"fmt"
	"strings"
)

// Validation error kinds.
const (
	ErrCycle                     = "cycle"
	ErrMissingInput              = "missing_input"
	ErrInvalidWorker             = "invalid_worker"
	ErrInvalidMapping            = "invalid_mapping"
	ErrSplitterCollectorMismatch = "splitter_collector_mismatch"
	ErrInvalidEntityMovement     = "invalid_entity_movement"
	ErrInvalidNode               = "invalid_node"
)

// ValidationError is one structured compiler diagnostic.
type ValidationError struct {
	Kind    string `json:"kind"`
	NodeID  string `json:"nodeId,omitempty"`
	EdgeID  string `json:"edgeId,omitempty"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ValidationFailure carries the full collected error list. Compilation is
// never partially applied: either a complete OEG or this.
type ValidationFailure struct {
	Errors []ValidationError `json:"errors"`
}

func (f *ValidationFailure) Error() string {
	msgs := make([]string, len(f.Errors))
	for i, e := range f.Errors {
		msgs[i] = e.Error()
	}
	return fmt.Sprintf("graph validation failed: %s", strings.Join(msgs, "; "))
}
