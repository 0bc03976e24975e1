package errors

// ErrorCode represents a machine-readable error identifier for frontend error handling.
type ErrorCode string

// Checkout validation errors (client input)
const (
	ErrCodeMissingField       ErrorCode = "missing_field"
	ErrCodeInvalidField       ErrorCode = "invalid_field"
	ErrCodeInvalidAmount      ErrorCode = "invalid_amount"
	ErrCodeInvalidCurrency    ErrorCode = "invalid_currency"
	ErrCodeInvalidProductType ErrorCode = "invalid_product_type"
)

// Security-policy rejections (logged with full context server-side,
// surfaced to the client only as a category)
const (
	ErrCodePriceMismatch     ErrorCode = "price_mismatch"
	ErrCodeUnknownProduct    ErrorCode = "unknown_product"
	ErrCodeRateLimitExceeded ErrorCode = "rate_limit_exceeded"
	ErrCodeUserNotFound      ErrorCode = "user_not_found"
)

// Webhook processing errors
const (
	ErrCodeInvalidSignature ErrorCode = "invalid_signature"
	ErrCodeInvalidPayload   ErrorCode = "invalid_payload"
	ErrCodeOrderNotFound    ErrorCode = "order_not_found"
	ErrCodeOrderFinal       ErrorCode = "order_already_final"
)

// External processor errors
const (
	ErrCodeProviderError       ErrorCode = "provider_error"
	ErrCodeNoProviderAvailable ErrorCode = "no_provider_available"
	ErrCodeNetworkError        ErrorCode = "network_error"
)

// Internal/system errors
const (
	ErrCodeInternalError ErrorCode = "internal_error"
	ErrCodeDatabaseError ErrorCode = "database_error"
	ErrCodeConfigError   ErrorCode = "config_error"
)

// IsRetryable returns whether an error code represents a retryable error.
// Retryable errors are transient network/service issues, not validation or
// policy failures. Webhook callers use this to decide between a 2xx ack
// (terminal) and a 5xx that triggers provider redelivery.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodeProviderError,
		ErrCodeNetworkError,
		ErrCodeDatabaseError:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	// 400 Bad Request - client validation and signature errors
	case ErrCodeMissingField,
		ErrCodeInvalidField,
		ErrCodeInvalidAmount,
		ErrCodeInvalidCurrency,
		ErrCodeInvalidProductType,
		ErrCodeInvalidSignature,
		ErrCodeInvalidPayload:
		return 400

	// 402 Payment Required - price/policy failures on the payment path
	case ErrCodePriceMismatch:
		return 402

	// 404 Not Found
	case ErrCodeUnknownProduct,
		ErrCodeUserNotFound,
		ErrCodeOrderNotFound:
		return 404

	// 409 Conflict - the order already reached a terminal status
	case ErrCodeOrderFinal:
		return 409

	// 429 Too Many Requests
	case ErrCodeRateLimitExceeded:
		return 429

	// 502 Bad Gateway - external processor errors
	case ErrCodeProviderError,
		ErrCodeNetworkError:
		return 502

	// 503 Service Unavailable - routing found no configured processor
	case ErrCodeNoProviderAvailable:
		return 503

	default:
		return 500
	}
}
