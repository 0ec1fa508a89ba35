package errors

import (
	stderrors "errors"
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for rebalance and state transfer operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Caller errors, recoverable by retrying against the latest topology
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeStaleTopology   ErrorCode = 1001
	ErrCodeConfiguration   ErrorCode = 1002
	ErrCodeNotCoordinator  ErrorCode = 1003
	ErrCodeNotOwner        ErrorCode = 1004
	ErrCodeLockConflict    ErrorCode = 1005

	// Cluster errors
	ErrCodeInternal          ErrorCode = 2000
	ErrCodeTransferTimeout   ErrorCode = 2001
	ErrCodeTransportFailure  ErrorCode = 2002
	ErrCodeOrphanTransaction ErrorCode = 2003
	ErrCodeCancelled         ErrorCode = 2004
)

// TransferError represents a structured error with code and context
type TransferError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *TransferError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *TransferError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts TransferError to gRPC status
func (e *TransferError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

func (e *TransferError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeConfiguration:
		return codes.InvalidArgument
	case ErrCodeStaleTopology, ErrCodeNotCoordinator, ErrCodeNotOwner:
		return codes.FailedPrecondition
	case ErrCodeTransferTimeout:
		return codes.DeadlineExceeded
	case ErrCodeTransportFailure:
		return codes.Unavailable
	case ErrCodeOrphanTransaction, ErrCodeLockConflict:
		return codes.Aborted
	case ErrCodeCancelled:
		return codes.Canceled
	default:
		return codes.Internal
	}
}

// NewTransferError creates a new TransferError
func NewTransferError(code ErrorCode, message string, cause error) *TransferError {
	return &TransferError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *TransferError) WithDetail(key string, value interface{}) *TransferError {
	e.Details[key] = value
	return e
}

// Convenience constructors for the rebalance error taxonomy

// StaleTopology reports a message or request that was tagged with a topology id
// the receiver has already moved past.
func StaleTopology(expected, actual int) *TransferError {
	return NewTransferError(ErrCodeStaleTopology,
		fmt.Sprintf("stale topology: expected %d, got %d", expected, actual), nil).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

func TransferTimeout(node string, topologyID int, timeout time.Duration) *TransferError {
	return NewTransferError(ErrCodeTransferTimeout,
		fmt.Sprintf("node %s did not confirm topology %d within %v", node, topologyID, timeout), nil).
		WithDetail("node", node).
		WithDetail("topology_id", topologyID).
		WithDetail("timeout", timeout.String())
}

func OrphanTransaction(gtx, originator string) *TransferError {
	return NewTransferError(ErrCodeOrphanTransaction,
		fmt.Sprintf("transaction %s orphaned by departed originator %s", gtx, originator), nil).
		WithDetail("gtx", gtx).
		WithDetail("originator", originator)
}

func TransportFailure(target string, cause error) *TransferError {
	return NewTransferError(ErrCodeTransportFailure, fmt.Sprintf("rpc to %s failed", target), cause).
		WithDetail("target", target)
}

func Configuration(message string) *TransferError {
	return NewTransferError(ErrCodeConfiguration, message, nil)
}

func InvalidArgument(message string, cause error) *TransferError {
	return NewTransferError(ErrCodeInvalidArgument, message, cause)
}

func NotCoordinator(coordinator string) *TransferError {
	return NewTransferError(ErrCodeNotCoordinator, fmt.Sprintf("not the coordinator, current coordinator is %s", coordinator), nil).
		WithDetail("coordinator", coordinator)
}

// NotOwner reports a key that this member does not own in the required role
func NotOwner(key string, owners []string) *TransferError {
	return NewTransferError(ErrCodeNotOwner, fmt.Sprintf("not an owner of key %s", key), nil).
		WithDetail("key", key).
		WithDetail("owners", owners)
}

// LockConflict reports a key locked by another transaction
func LockConflict(key, holder string) *TransferError {
	return NewTransferError(ErrCodeLockConflict, fmt.Sprintf("key %s is locked by %s", key, holder), nil).
		WithDetail("key", key).
		WithDetail("holder", holder)
}

func Cancelled(message string) *TransferError {
	return NewTransferError(ErrCodeCancelled, message, nil)
}

func InternalError(message string, cause error) *TransferError {
	return NewTransferError(ErrCodeInternal, message, cause)
}

// GetCode returns the code of the first TransferError in err's chain,
// or ErrCodeInternal when there is none.
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var te *TransferError
	if stderrors.As(err, &te) {
		return te.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given code
func IsCode(err error, code ErrorCode) bool {
	var te *TransferError
	if stderrors.As(err, &te) {
		return te.Code == code
	}
	return false
}

// FromGRPC converts an error returned by a gRPC call back into a TransferError.
func FromGRPC(target string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransferError
	if stderrors.As(err, &te) {
		return te
	}
	st, ok := status.FromError(err)
	if !ok {
		return TransportFailure(target, err)
	}
	switch st.Code() {
	case codes.FailedPrecondition:
		return NewTransferError(ErrCodeStaleTopology, st.Message(), nil).WithDetail("target", target)
	case codes.InvalidArgument:
		return InvalidArgument(st.Message(), nil)
	case codes.Canceled:
		return Cancelled(st.Message())
	case codes.DeadlineExceeded:
		return NewTransferError(ErrCodeTransferTimeout, st.Message(), nil).WithDetail("target", target)
	case codes.Aborted:
		return NewTransferError(ErrCodeOrphanTransaction, st.Message(), nil)
	default:
		return TransportFailure(target, stderrors.New(st.Message()))
	}
}
