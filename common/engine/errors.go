package engine

import "fmt"

// WorkerDispatchError reports a transport failure invoking a worker. The
// node is failed with this message; the run keeps walking other branches.
type WorkerDispatchError struct {
	Kind string
	Err  error
}

func (e *WorkerDispatchError) Error() string {
	return fmt.Sprintf("worker dispatch failed (kind=%s): %v", e.Kind, e.Err)
}

func (e *WorkerDispatchError) Unwrap() error { return e.Err }

// WorkerTimeoutError reports a callback that never arrived in time.
type WorkerTimeoutError struct {
	Kind    string
	Timeout string
}

func (e *WorkerTimeoutError) Error() string {
	return fmt.Sprintf("worker timed out (kind=%s, timeout=%s)", e.Kind, e.Timeout)
}

// RunNotActiveError is returned when an operation targets a run that
// already reached a terminal status.
type RunNotActiveError struct {
	RunID  string
	Status string
}

func (e *RunNotActiveError) Error() string {
	return fmt.Sprintf("run %s is not active (status=%s)", e.RunID, e.Status)
}
