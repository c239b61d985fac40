package apperrors

import "errors"

// Standardized broker errors
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrInsufficientPosition  = errors.New("insufficient position")
	ErrOrderRejected         = errors.New("order rejected")
	ErrOrderNotFilled        = errors.New("order not filled")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrNotConnected          = errors.New("not connected")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
)

// Executor lifecycle errors
var (
	ErrMissingAPIKey   = errors.New("invalid config: api_key required")
	ErrAdapterConnect  = errors.New("failed to connect adapter")
	ErrUnknownAdapter  = errors.New("unknown adapter")
	ErrAlreadyRunning  = errors.New("already running")
	ErrNotRunning      = errors.New("not running")
	ErrTickTimeout     = errors.New("tick timeout")
	ErrMalformedOrders = errors.New("malformed tick response")
)
