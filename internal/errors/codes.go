package errors

import (
	stderrors "errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for storage operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors (4xx equivalent)
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeKeyNotFound     ErrorCode = 1001
	ErrCodeKeyTooLarge     ErrorCode = 1002
	ErrCodeValueTooLarge   ErrorCode = 1003
	ErrCodeInvalidKey      ErrorCode = 1005
	ErrCodeChecksumFailed  ErrorCode = 1006
	ErrCodeBlockNotFound   ErrorCode = 1007

	// Server errors (5xx equivalent)
	ErrCodeInternal             ErrorCode = 2000
	ErrCodeUnavailable          ErrorCode = 2001
	ErrCodeDiskFull             ErrorCode = 2002
	ErrCodeDiskThrottled        ErrorCode = 2003
	ErrCodeLocalStorage         ErrorCode = 2004
	ErrCodeInsufficientReplicas ErrorCode = 2005
	ErrCodeTimeout              ErrorCode = 2006
	ErrCodeCorruptedData        ErrorCode = 2007
	ErrCodeResourceExhausted    ErrorCode = 2008
	ErrCodeBlockCorrupt         ErrorCode = 2009
	ErrCodeDecodeFailed         ErrorCode = 2010
)

// StorageError represents a structured error with code and context
type StorageError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// Is matches any StorageError carrying the same code, so that
// errors.Is(err, &StorageError{Code: ErrCodeBlockNotFound}) works through wrapping.
func (e *StorageError) Is(target error) bool {
	t, ok := target.(*StorageError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// ToGRPCStatus converts StorageError to gRPC status
func (e *StorageError) ToGRPCStatus() *status.Status {
	grpcCode := e.toGRPCCode()
	return status.New(grpcCode, e.Error())
}

// toGRPCCode maps internal error codes to gRPC codes
func (e *StorageError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeKeyTooLarge, ErrCodeValueTooLarge, ErrCodeInvalidKey:
		return codes.InvalidArgument
	case ErrCodeKeyNotFound, ErrCodeBlockNotFound:
		return codes.NotFound
	case ErrCodeDiskFull, ErrCodeResourceExhausted:
		return codes.ResourceExhausted
	case ErrCodeDiskThrottled, ErrCodeUnavailable, ErrCodeInsufficientReplicas, ErrCodeLocalStorage:
		return codes.Unavailable
	case ErrCodeTimeout:
		return codes.DeadlineExceeded
	case ErrCodeChecksumFailed, ErrCodeCorruptedData, ErrCodeBlockCorrupt, ErrCodeDecodeFailed:
		return codes.DataLoss
	default:
		return codes.Internal
	}
}

// NewStorageError creates a new StorageError
func NewStorageError(code ErrorCode, message string, cause error) *StorageError {
	return &StorageError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *StorageError) WithDetail(key string, value interface{}) *StorageError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInvalidArgument, message, cause)
}

func KeyNotFound(table, partition, sort string) *StorageError {
	return NewStorageError(ErrCodeKeyNotFound, fmt.Sprintf("key not found in %s: %s/%s", table, partition, sort), nil).
		WithDetail("table", table).
		WithDetail("partition_key", partition).
		WithDetail("sort_key", sort)
}

func KeyTooLarge(size, maxSize int) *StorageError {
	return NewStorageError(ErrCodeKeyTooLarge, fmt.Sprintf("key size %d exceeds maximum %d", size, maxSize), nil).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func ValueTooLarge(size, maxSize int) *StorageError {
	return NewStorageError(ErrCodeValueTooLarge, fmt.Sprintf("value size %d exceeds maximum %d", size, maxSize), nil).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func InvalidKey(key, reason string) *StorageError {
	return NewStorageError(ErrCodeInvalidKey, fmt.Sprintf("invalid key '%s': %s", key, reason), nil).
		WithDetail("key", key).
		WithDetail("reason", reason)
}

func ChecksumFailed(expected, actual uint32) *StorageError {
	return NewStorageError(ErrCodeChecksumFailed, fmt.Sprintf("checksum validation failed: expected %d, got %d", expected, actual), nil).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

func InternalError(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInternal, message, cause)
}

func Unavailable(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeUnavailable, message, cause)
}

func DiskFull(usagePercent float64, availableBytes uint64) *StorageError {
	return NewStorageError(ErrCodeDiskFull, fmt.Sprintf("disk full: %.2f%% used, %d bytes available", usagePercent, availableBytes), nil).
		WithDetail("usage_percent", usagePercent).
		WithDetail("available_bytes", availableBytes)
}

func DiskThrottled(usagePercent float64) *StorageError {
	return NewStorageError(ErrCodeDiskThrottled, fmt.Sprintf("disk write throttled: %.2f%% used", usagePercent), nil).
		WithDetail("usage_percent", usagePercent)
}

// InsufficientReplicas reports that a quorum operation could not collect enough
// successful responses.
func InsufficientReplicas(got, need int, cause error) *StorageError {
	return NewStorageError(ErrCodeInsufficientReplicas, fmt.Sprintf("insufficient replicas: %d/%d succeeded", got, need), cause).
		WithDetail("got", got).
		WithDetail("need", need)
}

func Timeout(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeTimeout, message, cause)
}

func LocalStorage(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeLocalStorage, message, cause)
}

func CorruptedData(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeCorruptedData, message, cause)
}

// DecodeFailed marks a stored row that can no longer be decoded. It is a fatal
// integrity fault for that row only.
func DecodeFailed(table string, key []byte, cause error) *StorageError {
	return NewStorageError(ErrCodeDecodeFailed, fmt.Sprintf("failed to decode stored row in %s", table), cause).
		WithDetail("table", table).
		WithDetail("key", fmt.Sprintf("%x", key))
}

func BlockNotFound(hash string) *StorageError {
	return NewStorageError(ErrCodeBlockNotFound, fmt.Sprintf("block not found: %s", hash), nil).
		WithDetail("hash", hash)
}

func BlockCorrupt(hash string, cause error) *StorageError {
	return NewStorageError(ErrCodeBlockCorrupt, fmt.Sprintf("block corrupt: %s", hash), cause).
		WithDetail("hash", hash)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var se *StorageError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err wraps a StorageError with the given code.
func HasCode(err error, code ErrorCode) bool {
	var se *StorageError
	for err != nil {
		if !stderrors.As(err, &se) {
			return false
		}
		if se.Code == code {
			return true
		}
		err = se.Cause
	}
	return false
}

// IsRetryable reports whether a background worker should retry after err.
// Integrity faults and invalid arguments are never retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch GetCode(err) {
	case ErrCodeInvalidArgument, ErrCodeKeyTooLarge, ErrCodeValueTooLarge, ErrCodeInvalidKey,
		ErrCodeDecodeFailed, ErrCodeCorruptedData, ErrCodeChecksumFailed:
		return false
	}
	return true
}

// FromGRPC rebuilds a StorageError from a gRPC status received from a peer.
func FromGRPC(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return NewStorageError(ErrCodeKeyNotFound, st.Message(), nil)
	case codes.DataLoss:
		return NewStorageError(ErrCodeCorruptedData, st.Message(), nil)
	case codes.DeadlineExceeded:
		return Timeout(st.Message(), err)
	case codes.InvalidArgument:
		return InvalidArgument(st.Message(), nil)
	case codes.ResourceExhausted:
		return NewStorageError(ErrCodeResourceExhausted, st.Message(), nil)
	default:
		return Unavailable(st.Message(), err)
	}
}
