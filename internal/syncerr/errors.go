// Package syncerr defines the error taxonomy shared by the send pipeline,
// the stores and the event ingest. Callers classify with errors.Is against
// the sentinels; the typed errors carry detail for logs and status.
package syncerr

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTransient marks failures worth retrying automatically: no
	// connectivity, timeouts, 5xx and 429 responses.
	ErrTransient = errors.New("transient network error")

	// ErrRejected marks failures the server will keep refusing until the
	// user changes something (validation, auth, other 4xx).
	ErrRejected = errors.New("rejected by server")

	// ErrStorage marks a failed persistence write.
	ErrStorage = errors.New("storage error")

	// ErrDuplicateEvent is returned by the ingest for an already-processed key.
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrMalformedEvent is returned for frames that fail validation.
	ErrMalformedEvent = errors.New("malformed event")

	ErrNotFound   = errors.New("not found")
	ErrNotPending = errors.New("outbox entry is not pending")
	ErrNotFailed  = errors.New("outbox entry is not failed")
	ErrOffline    = errors.New("offline")
)

// TransientError wraps a retryable failure of a network operation.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: transient failure", e.Op)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func (e *TransientError) Is(target error) bool { return target == ErrTransient }

// RejectedError is a terminal refusal by the server.
type RejectedError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RejectedError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("rejected (http %d %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("rejected (http %d): %s", e.StatusCode, e.Message)
}

func (e *RejectedError) Is(target error) bool { return target == ErrRejected }

// StorageError wraps a failed write of one persisted record.
type StorageError struct {
	Bucket         string
	ConversationID string
	Err            error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("persist %s/%s: %v", e.Bucket, e.ConversationID, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// IsTerminal reports whether err should move a send straight to failed.
// Anything that is not explicitly transient or a deadline is terminal.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !errors.Is(err, ErrTransient)
}
