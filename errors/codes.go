package errors

// ErrorCode represents a machine-readable error code.
type ErrorCode string

// Resource errors
const (
	// ErrCodeNotFound indicates the requested pipeline or resource was not found.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
	// ErrCodeConflict indicates a concurrent update was detected by the store.
	ErrCodeConflict ErrorCode = "CONFLICT"
)

// Request errors
const (
	// ErrCodeInvalidPipeline indicates an unknown template, a missing free
	// input, or an invalid state transition.
	ErrCodeInvalidPipeline ErrorCode = "INVALID_PIPELINE"
	// ErrCodeBadRequest indicates a malformed filter, sort, path, or option.
	ErrCodeBadRequest ErrorCode = "BAD_REQUEST"
	// ErrCodeForbidden indicates the authorization policy rejected the action.
	ErrCodeForbidden ErrorCode = "FORBIDDEN"
)

// Infrastructure errors
const (
	// ErrCodeUpstream indicates the store, broker, or log bus is unavailable.
	ErrCodeUpstream ErrorCode = "UPSTREAM_UNAVAILABLE"
	// ErrCodeTimeout indicates the request timed out.
	ErrCodeTimeout ErrorCode = "TIMEOUT"
	// ErrCodeInternal indicates an unexpected internal error.
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

var retryableCodes = map[ErrorCode]bool{
	ErrCodeConflict: true,
	ErrCodeUpstream: true,
	ErrCodeTimeout:  true,
}

// IsRetryableCode returns true if the error code indicates a retryable error.
func IsRetryableCode(code ErrorCode) bool {
	return retryableCodes[code]
}
