package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the protocol surface. Every failure a guest can
// observe maps to exactly one of these.
var (
	ErrAdapterUnavailable       = fmt.Errorf("bluetooth adapter unavailable")
	ErrSelectionCancelled       = fmt.Errorf("device selection cancelled")
	ErrInvalidFilter            = fmt.Errorf("invalid device filter")
	ErrScanTimeout              = fmt.Errorf("device scan timed out")
	ErrUnknownDevice            = fmt.Errorf("unknown device")
	ErrConnectionFailed         = fmt.Errorf("gatt connection failed")
	ErrNotConnected             = fmt.Errorf("device not connected")
	ErrUnknownService           = fmt.Errorf("unknown gatt service")
	ErrUnknownCharacteristic    = fmt.Errorf("unknown gatt characteristic")
	ErrNotReadable              = fmt.Errorf("characteristic is not readable")
	ErrNotWritable              = fmt.Errorf("characteristic is not writable")
	ErrNotificationsUnsupported = fmt.Errorf("characteristic supports neither notify nor indicate")
	ErrInvalidEncoding          = fmt.Errorf("invalid value encoding")
	ErrPermissionDenied         = fmt.Errorf("command not permitted")

	// Gateway / RPC errors.
	ErrGatewayAuthFailed = fmt.Errorf("gateway authentication failed")
	ErrRPCMethodNotFound = fmt.Errorf("rpc method not found")
	ErrRPCInvalidPayload = fmt.Errorf("rpc payload invalid")
	ErrRPCRateLimited    = fmt.Errorf("rpc rate limit exceeded")

	// Store errors.
	ErrStoreUnavailable = fmt.Errorf("device store unavailable")
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op     string // operation name (e.g. "Manager.ConnectGATT")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is the machine-parseable error kind carried on RPC error
// responses. Guests dispatch on the code, never on the message text.
type ErrorCode string

const (
	CodeUnknown                  ErrorCode = "UNKNOWN"
	CodeAdapterUnavailable       ErrorCode = "ADAPTER_UNAVAILABLE"
	CodeSelectionCancelled       ErrorCode = "SELECTION_CANCELLED"
	CodeInvalidFilter            ErrorCode = "INVALID_FILTER"
	CodeScanTimeout              ErrorCode = "SCAN_TIMEOUT"
	CodeUnknownDevice            ErrorCode = "UNKNOWN_DEVICE"
	CodeConnectionFailed         ErrorCode = "CONNECTION_FAILED"
	CodeNotConnected             ErrorCode = "NOT_CONNECTED"
	CodeUnknownService           ErrorCode = "UNKNOWN_SERVICE"
	CodeUnknownCharacteristic    ErrorCode = "UNKNOWN_CHARACTERISTIC"
	CodeNotReadable              ErrorCode = "NOT_READABLE"
	CodeNotWritable              ErrorCode = "NOT_WRITABLE"
	CodeNotificationsUnsupported ErrorCode = "NOTIFICATIONS_UNSUPPORTED"
	CodeInvalidEncoding          ErrorCode = "INVALID_ENCODING"
	CodePermissionDenied         ErrorCode = "PERMISSION_DENIED"
	CodeGatewayAuth              ErrorCode = "GATEWAY_AUTH"
	CodeRPCMethodNotFound        ErrorCode = "RPC_METHOD_NOT_FOUND"
	CodeRPCInvalidPayload        ErrorCode = "RPC_INVALID_PAYLOAD"
	CodeRPCRateLimited           ErrorCode = "RPC_RATE_LIMITED"
	CodeStoreUnavailable         ErrorCode = "STORE_UNAVAILABLE"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrAdapterUnavailable:       CodeAdapterUnavailable,
	ErrSelectionCancelled:       CodeSelectionCancelled,
	ErrInvalidFilter:            CodeInvalidFilter,
	ErrScanTimeout:              CodeScanTimeout,
	ErrUnknownDevice:            CodeUnknownDevice,
	ErrConnectionFailed:         CodeConnectionFailed,
	ErrNotConnected:             CodeNotConnected,
	ErrUnknownService:           CodeUnknownService,
	ErrUnknownCharacteristic:    CodeUnknownCharacteristic,
	ErrNotReadable:              CodeNotReadable,
	ErrNotWritable:              CodeNotWritable,
	ErrNotificationsUnsupported: CodeNotificationsUnsupported,
	ErrInvalidEncoding:          CodeInvalidEncoding,
	ErrPermissionDenied:         CodePermissionDenied,
	ErrGatewayAuthFailed:        CodeGatewayAuth,
	ErrRPCMethodNotFound:        CodeRPCMethodNotFound,
	ErrRPCInvalidPayload:        CodeRPCInvalidPayload,
	ErrRPCRateLimited:           CodeRPCRateLimited,
	ErrStoreUnavailable:         CodeStoreUnavailable,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and walks the chain with errors.Is.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
