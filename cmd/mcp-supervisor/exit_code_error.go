package main

// Exit codes beyond the generic 1.
const (
	exitRejected = 2
	exitTimeout  = 124
	exitStopped  = 130
)

// ExitCodeError wraps an error with a specific process exit code so scripts
// can tell a rejected request from a failed worker.
type ExitCodeError struct {
	Code int
	Err  error
}

func (e *ExitCodeError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *ExitCodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
