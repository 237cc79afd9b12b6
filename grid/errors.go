package grid

import "fmt"

// ValidationError reports a malformed or referentially-invalid graph edit.
// The edit is rejected synchronously and no state changes.
type ValidationError struct {
	Op     string // operation that was rejected, e.g. "AddEdge"
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Op, e.Reason)
}

// validationErrorf builds a ValidationError with a formatted reason.
func validationErrorf(op, format string, args ...any) *ValidationError {
	return &ValidationError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// NoPathError reports that the router could not connect source and sink.
type NoPathError struct {
	From NodeID
	To   NodeID
}

func (e *NoPathError) Error() string {
	return fmt.Sprintf("no path found from node %d to node %d", e.From, e.To)
}

// CorruptTopologyError reports a snapshot that failed its integrity or
// version check on load. The prior in-memory state is left untouched.
type CorruptTopologyError struct {
	Reason string
}

func (e *CorruptTopologyError) Error() string {
	return "corrupt topology: " + e.Reason
}

// PersistenceError wraps a history read/write failure. Persistence failures
// are surfaced to the caller but never halt the simulation.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
