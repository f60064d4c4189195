package tripsync

import (
	"errors"
	"fmt"
)

// errors.go provides all custom error types for the tripsync package
//
// error type checking:
//   sentinel errors can be checked with errors.Is(err, ErrType)
//   structured errors can be unwrapped with errors.As

// used for the mutation queue
var (
	ErrQueueClosed        = errors.New("mutation queue closed")
	ErrMutationNotFound   = errors.New("mutation not found")
	ErrMutationNotPending = errors.New("mutation is not pending")
	ErrMutationNotFailed  = errors.New("mutation is not failed")
)

// used for the store and stream
var (
	ErrNetwork            = errors.New("network error")
	ErrRecordNotFound     = errors.New("record not found")
	ErrStreamDisconnected = errors.New("stream disconnected")
)

// version mismatch on a compare and swap update.
// carries the winner's version and record so the caller can rebase or surface both sides.
type ConflictError struct {
	ResourceKey   string
	BaseVersion   int64
	ServerVersion int64
	ServerRecord  *VersionedRecord
}

func (self *ConflictError) Error() string {
	return fmt.Sprintf(
		"conflict on %s: base version %d, server version %d",
		self.ResourceKey,
		self.BaseVersion,
		self.ServerVersion,
	)
}

// malformed mutation. Never retried.
type ValidationError struct {
	Message string
}

func (self *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s", self.Message)
}

// claim rejected with no waitlist available
type CapacityExceededError struct {
	ResourceKey string
	Limit       int
}

func (self *CapacityExceededError) Error() string {
	return fmt.Sprintf("capacity exceeded on %s (limit %d)", self.ResourceKey, self.Limit)
}

func IsNetworkError(err error) bool {
	return errors.Is(err, ErrNetwork)
}

func IsConflictError(err error) (*ConflictError, bool) {
	var conflictErr *ConflictError
	if errors.As(err, &conflictErr) {
		return conflictErr, true
	}
	return nil, false
}

func IsCapacityExceededError(err error) (*CapacityExceededError, bool) {
	var capacityErr *CapacityExceededError
	if errors.As(err, &capacityErr) {
		return capacityErr, true
	}
	return nil, false
}

func IsValidationError(err error) (*ValidationError, bool) {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return validationErr, true
	}
	return nil, false
}
