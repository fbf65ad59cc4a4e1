package syncerr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestTypedErrorsMatchSentinels(t *testing.T) {
	transient := fmt.Errorf("send: %w", &TransientError{Op: "post message", Err: errors.New("connection refused")})
	if !errors.Is(transient, ErrTransient) {
		t.Error("wrapped TransientError should match ErrTransient")
	}
	if errors.Is(transient, ErrRejected) {
		t.Error("TransientError should not match ErrRejected")
	}

	rejected := &RejectedError{StatusCode: 422, Code: "invalid_text", Message: "text too long"}
	if !errors.Is(rejected, ErrRejected) {
		t.Error("RejectedError should match ErrRejected")
	}

	storage := &StorageError{Bucket: "outbox", ConversationID: "c1", Err: errors.New("disk full")}
	if !errors.Is(storage, ErrStorage) {
		t.Error("StorageError should match ErrStorage")
	}
}

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", &TransientError{Op: "x"}, false},
		{"deadline", fmt.Errorf("post: %w", context.DeadlineExceeded), false},
		{"rejected", &RejectedError{StatusCode: 401}, true},
		{"unknown", errors.New("boom"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTerminal(tt.err); got != tt.want {
				t.Errorf("IsTerminal(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
