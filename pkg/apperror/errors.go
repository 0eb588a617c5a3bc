package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError is a structured error that maps to HTTP responses.
type AppError struct {
	Code       string `json:"error_code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Retryable  bool   `json:"retryable,omitempty"`
	Err        error  `json:"-"` // Wrapped internal error (not exposed to client)
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is reports whether target is an AppError with the same code, so callers can
// write errors.Is(err, apperror.ErrEscrowDisputed()).
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New creates a new AppError.
func New(code string, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an internal error with an AppError.
func Wrap(code string, message string, httpStatus int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// CodeOf returns the AppError code carried by err, or "" when err is not one.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// ---- Security & Authentication (SEC) ----

func ErrInvalidSignature() *AppError {
	return New("SEC_002", "Invalid signature", http.StatusUnauthorized)
}

func ErrTimestampExpired() *AppError {
	return New("SEC_003", "Request timestamp expired", http.StatusForbidden)
}

func ErrNonceUsed() *AppError {
	return New("SEC_004", "Nonce has already been used", http.StatusForbidden)
}

func ErrInvalidToken() *AppError {
	return New("AUTH_003", "Invalid or expired token", http.StatusUnauthorized)
}

func ErrForbiddenRole(role string) *AppError {
	return New("AUTH_005", fmt.Sprintf("Role %q required", role), http.StatusForbidden)
}

// ---- Validation (VAL) ----

// Validation returns a VAL_001 error for malformed or out-of-range input.
func Validation(message string) *AppError {
	return New("VAL_001", message, http.StatusBadRequest)
}

func ErrPayloadTooLarge(limit int64) *AppError {
	return New("VAL_003", fmt.Sprintf("Request body exceeds %d bytes", limit), http.StatusRequestEntityTooLarge)
}

func ErrNotFound(entity string) *AppError {
	return New("VAL_002", fmt.Sprintf("%s not found", entity), http.StatusNotFound)
}

// ---- Lifecycle state (STATE) ----

func ErrIllegalTransition(entity, from, action string) *AppError {
	return New("STATE_001",
		fmt.Sprintf("%s in status %s does not allow %s", entity, from, action),
		http.StatusConflict)
}

func ErrEscrowDisputed() *AppError {
	return New("STATE_002", "Escrow agreement is under dispute", http.StatusConflict)
}

func ErrAlreadyResolved() *AppError {
	return New("STATE_003", "Dispute is already resolved", http.StatusConflict)
}

func ErrDeadlineExpired() *AppError {
	return New("STATE_004", "Escrow funding deadline has passed", http.StatusConflict)
}

// ---- Ledger (LEDGER) ----

func ErrImbalancedTransaction(debits, credits int64) *AppError {
	return New("LEDGER_001",
		fmt.Sprintf("Debits (%d) do not equal credits (%d)", debits, credits),
		http.StatusUnprocessableEntity)
}

func ErrCurrencyMismatch() *AppError {
	return New("LEDGER_002", "Currency mismatch between entries and accounts", http.StatusUnprocessableEntity)
}

func ErrAccountFrozen() *AppError {
	return New("LEDGER_003", "Account is frozen", http.StatusLocked)
}

func ErrAccountClosed() *AppError {
	return New("LEDGER_004", "Account is closed", http.StatusLocked)
}

func ErrInsufficientFunds() *AppError {
	return New("LEDGER_005", "Insufficient balance in account", http.StatusPaymentRequired)
}

func ErrDuplicateReference() *AppError {
	return New("LEDGER_006", "Transaction reference already committed", http.StatusConflict)
}

// ---- Compliance (COMP) ----

func ErrComplianceApprovalRequired() *AppError {
	return New("COMP_001", "High-risk transaction requires compliance approval", http.StatusForbidden)
}

// ---- Rate Limiting (RATE) ----

func ErrRateLimitExceeded() *AppError {
	return New("RATE_001", "Rate limit exceeded", http.StatusTooManyRequests)
}

// ---- System & Infrastructure (SYS) ----

func ErrDatabaseError(err error) *AppError {
	return Wrap("SYS_001", "Internal database error", http.StatusInternalServerError, err)
}

// ErrConcurrencyConflict is returned once optimistic retries are exhausted.
// Callers may retry the whole command.
func ErrConcurrencyConflict(err error) *AppError {
	e := Wrap("SYS_002", "Concurrent modification, retry the request", http.StatusConflict, err)
	e.Retryable = true
	return e
}

func ErrExternalDependency(name string, err error) *AppError {
	return Wrap("SYS_003", fmt.Sprintf("%s unavailable", name), http.StatusBadGateway, err)
}

func ErrLockTimeout(err error) *AppError {
	e := Wrap("SYS_004", "Lock acquisition timeout", http.StatusServiceUnavailable, err)
	e.Retryable = true
	return e
}

// InternalError wraps an internal error as a SYS_001 error.
func InternalError(err error) *AppError {
	return Wrap("SYS_001", "Internal server error", http.StatusInternalServerError, err)
}
