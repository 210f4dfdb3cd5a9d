package huddlesync

import (
	"context"
	"errors"
	"fmt"
)

// ============================================================================
// Errors and Failure Classification
// ============================================================================

// Sentinel errors returned by the engine and its stores.
var (
	// ErrStorageUnavailable reports that the local durable store cannot
	// serve reads or writes (corrupt file, locked database, full disk).
	// The engine reacts by degrading to an in-memory store for the rest
	// of the session instead of crashing.
	ErrStorageUnavailable = errors.New("local storage unavailable")

	// ErrUnknownStore reports a store name outside the known set.
	ErrUnknownStore = errors.New("unknown store")

	// ErrClosed reports a call on an engine that has been closed.
	ErrClosed = errors.New("engine closed")

	// ErrNotFound reports a missing record, queue entry, or dead letter.
	ErrNotFound = errors.New("not found")

	// ErrTokenNotRefreshable reports a TokenSource that cannot mint a
	// replacement credential.
	ErrTokenNotRefreshable = errors.New("token source cannot refresh")
)

// StorageError wraps a failure from the durable store so callers can match
// errors.Is(err, ErrStorageUnavailable) without losing the driver error.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is matches StorageError against ErrStorageUnavailable.
func (e *StorageError) Is(target error) bool {
	return target == ErrStorageUnavailable
}

// storageErr wraps err as a StorageError. Context cancellation keeps its
// identity so a shutdown mid-query is not mistaken for broken storage.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("storage %s: %w", op, err)
	}
	return &StorageError{Op: op, Err: err}
}

// ErrorClass buckets remote failures into the retry policy they deserve.
type ErrorClass int

const (
	// ClassTransient covers network errors, timeouts, 5xx and 429
	// responses. The failing lane halts and the entry is retried on a
	// later pass with backoff.
	ClassTransient ErrorClass = iota + 1

	// ClassPermanent covers validation-style 4xx responses. The entry is
	// moved to the dead-letter table and the lane continues.
	ClassPermanent

	// ClassAuthExpired covers 401 responses. The drain pauses, requests a
	// credential refresh, and retries the entry once.
	ClassAuthExpired
)

// String returns the lowercase class name used in logs and dead letters.
func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassAuthExpired:
		return "auth-expired"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// RemoteError is a failed remote call together with its classification.
type RemoteError struct {
	Class      ErrorClass
	StatusCode int    // zero for transport-level failures
	Op         string // e.g. "insert posts"
	Code       string // server error code, when the body carried one
	Message    string // server error message, when the body carried one
	Err        error  // underlying transport error, when there was one
}

func (e *RemoteError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s (status %d)", e.Op, e.Message, e.StatusCode)
	default:
		return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
	}
}

func (e *RemoteError) Unwrap() error { return e.Err }

// Temporary reports whether the failure should be retried on a later pass.
func (e *RemoteError) Temporary() bool { return e.Class == ClassTransient }

// ClassifyStatus maps an HTTP status code onto an ErrorClass.
//
// 401 asks for a credential refresh; 408 and 429 are retryable despite
// being 4xx; every other 4xx is permanent; 5xx and anything unrecognized
// is transient.
func ClassifyStatus(code int) ErrorClass {
	switch {
	case code == 401:
		return ClassAuthExpired
	case code == 408 || code == 429:
		return ClassTransient
	case code >= 400 && code < 500:
		return ClassPermanent
	default:
		return ClassTransient
	}
}

// classifyErr converts any error from a remote call into a *RemoteError.
// Transport failures (no HTTP status) are transient.
func classifyErr(op string, err error) *RemoteError {
	var re *RemoteError
	if errors.As(err, &re) {
		return re
	}
	return &RemoteError{Class: ClassTransient, Op: op, Err: err}
}
