package queue

import "fmt"

// Error is a queue failure with a stable wire code. HTTP handlers map the
// code to a status and echo it to clients.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Stable error codes for the queue operations.
const (
	CodeNotFound          = "NOT_FOUND"
	CodeNonceReused       = "NONCE_REUSED"
	CodeDuplicateJobID    = "DUPLICATE_JOB_ID"
	CodeUnknownJobType    = "UNKNOWN_JOB_TYPE"
	CodePriorityRange     = "PRIORITY_OUT_OF_RANGE"
	CodeIllegalTransition = "ILLEGAL_TRANSITION"
	CodeNotOwner          = "NOT_OWNER"
	CodeNotProcessing     = "NOT_PROCESSING"
	CodeStale             = "STALE"
	CodeLeaseExpired      = "LEASE_EXPIRED"
)

var (
	ErrNotFound       = &Error{Code: CodeNotFound, Message: "job not found"}
	ErrNonceReused    = &Error{Code: CodeNonceReused, Message: "submission nonce already used"}
	ErrDuplicateJobID = &Error{Code: CodeDuplicateJobID, Message: "job id already exists"}
	ErrNotOwner       = &Error{Code: CodeNotOwner, Message: "job is owned by another worker"}
	ErrNotProcessing  = &Error{Code: CodeNotProcessing, Message: "job is not processing"}
)

// StaleError is the merge-guard rejection: the caller's view of the
// record is older than the server's. Current carries the server state so
// clients can recover after an offline replay.
type StaleError struct {
	Current *JobRecord
}

func (e *StaleError) Error() string {
	return fmt.Sprintf("%s: record updated at %d", CodeStale, e.Current.UpdatedAt)
}

// IllegalTransition builds the 409 for a state-machine violation.
func IllegalTransition(from Status, op string) *Error {
	return &Error{
		Code:    CodeIllegalTransition,
		Message: fmt.Sprintf("cannot %s a job in status %s", op, from),
	}
}
