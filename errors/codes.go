package errors

import "net/http"

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

const (
	// CategoryTransient covers backend outages where a later attempt may succeed.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent covers failures a retry will not fix.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource covers exhausted capacity: full queues, held locks.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal covers bugs and unexpected states.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	return c == CategoryTransient || c == CategoryResource
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

const (
	// Transient
	ErrCodeTimeout     ErrorCode = "TIMEOUT"
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE"
	ErrCodeUpstream    ErrorCode = "UPSTREAM_MODEL" // completion or embedding backend failed
	ErrCodeStorage     ErrorCode = "STORAGE"        // vector store unreachable or rejecting

	// Permanent
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeConflict     ErrorCode = "CONFLICT"
	ErrCodeCanceled     ErrorCode = "CANCELED"

	// Resource
	ErrCodeCapacity     ErrorCode = "CAPACITY"
	ErrCodeResourceBusy ErrorCode = "RESOURCE_BUSY"

	// Internal
	ErrCodeInternal ErrorCode = "INTERNAL"
	ErrCodePanic    ErrorCode = "PANIC"
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeUnavailable, ErrCodeUpstream, ErrCodeStorage:
		return CategoryTransient
	case ErrCodeInvalidInput, ErrCodeNotFound, ErrCodeConflict, ErrCodeCanceled:
		return CategoryPermanent
	case ErrCodeCapacity, ErrCodeResourceBusy:
		return CategoryResource
	default:
		return CategoryInternal
	}
}

// HTTPStatus maps an error code onto the status the API answers with.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConflict, ErrCodeResourceBusy:
		return http.StatusConflict
	case ErrCodeCapacity:
		return http.StatusServiceUnavailable
	case ErrCodeUpstream, ErrCodeStorage, ErrCodeUnavailable:
		return http.StatusBadGateway
	case ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeTimeout:      "operation timed out",
	ErrCodeUnavailable:  "service temporarily unavailable",
	ErrCodeUpstream:     "model backend failed",
	ErrCodeStorage:      "vector store failed",
	ErrCodeInvalidInput: "invalid input provided",
	ErrCodeNotFound:     "resource not found",
	ErrCodeConflict:     "conflicting operation",
	ErrCodeCanceled:     "operation canceled",
	ErrCodeCapacity:     "system at capacity",
	ErrCodeResourceBusy: "resource is busy",
	ErrCodeInternal:     "internal error",
	ErrCodePanic:        "recovered from panic",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
