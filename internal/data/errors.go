package data

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrBadStatus      = errors.New("invalid status")
	ErrBadTransition  = errors.New("invalid status transition")
	ErrInvalidRequest = errors.New("invalid download request")
	ErrBatchTimeout   = errors.New("batch timeout exceeded")
	ErrCancelled      = errors.New("batch cancelled")
)

// ErrorClass tells the scheduler whether a download failure is worth retrying.
type ErrorClass string

const (
	ClassRetryable ErrorClass = "retryable"
	ClassFatal     ErrorClass = "fatal"
)

// DownloadError is a per-job failure reported by the engine.
type DownloadError struct {
	Code    string
	Message string
	Class   ErrorClass
}

func (e *DownloadError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("download error %s (%s)", e.Code, e.Class)
	}
	return fmt.Sprintf("download error %s (%s): %s", e.Code, e.Class, e.Message)
}

// Retryable reports whether the error was classified as transient.
func (e *DownloadError) Retryable() bool { return e.Class == ClassRetryable }

// ResumeError means resume metadata could not be used; the job restarts from
// scratch instead of failing.
type ResumeError struct {
	Path string
	Err  error
}

func (e *ResumeError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("resume unavailable: %v", e.Err)
	}
	return fmt.Sprintf("resume unavailable for %s: %v", e.Path, e.Err)
}

func (e *ResumeError) Unwrap() error { return e.Err }
