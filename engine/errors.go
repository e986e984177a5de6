package engine

import (
	"errors"
	"fmt"
)

// Common errors for pool admission and mempool operations
var (
	ErrDeserialise        = errors.New("transaction deserialisation failed")
	ErrVerificationFailed = errors.New("transaction verification failed")
	ErrSemanticRejection  = errors.New("transaction rejected by handler")
	ErrFeeTooLow          = errors.New("transaction fee too low")
	ErrDuplicateID        = errors.New("transaction already in pool")
	ErrNonceConflict      = errors.New("transaction nonce conflict")
	ErrPoolFull           = errors.New("pool is full")
	ErrEvicted            = errors.New("transaction evicted from pool")
	ErrSenderPoolFull     = errors.New("sender has too many pending transactions")
	ErrTooLarge           = errors.New("transaction too large")
	ErrWorkerUnavailable  = errors.New("no verification worker available")
	ErrNotFound           = errors.New("transaction not found")
	ErrStorage            = errors.New("pool storage failure")
	ErrExpired            = errors.New("transaction expired")
)

// SemanticError carries the handler's reason for refusing a transaction.
type SemanticError struct {
	Reason string
}

func (e *SemanticError) Error() string {
	return fmt.Sprintf("%s: %s", ErrSemanticRejection, e.Reason)
}

func (e *SemanticError) Unwrap() error { return ErrSemanticRejection }

// Reject wraps a handler reason as a semantic rejection.
func Reject(format string, args ...interface{}) error {
	return &SemanticError{Reason: fmt.Sprintf(format, args...)}
}

// FeeTooLowError reports the fee a transaction paid against the computed minimum.
type FeeTooLowError struct {
	Fee        uint64
	MinFee     uint64
	MinFeeRate uint64
	Broadcast  bool
}

func (e *FeeTooLowError) Error() string {
	stage := "pool"
	if e.Broadcast {
		stage = "broadcast"
	}
	return fmt.Sprintf("%s: %s requires %d (rate %d/byte), got %d", ErrFeeTooLow, stage, e.MinFee, e.MinFeeRate, e.Fee)
}

func (e *FeeTooLowError) Unwrap() error { return ErrFeeTooLow }

// NonceConflictError reports an out-of-sequence nonce.
type NonceConflictError struct {
	Sender   string
	Expected uint64
	Got      uint64
}

func (e *NonceConflictError) Error() string {
	return fmt.Sprintf("%s: sender %s expected %d, got %d", ErrNonceConflict, e.Sender, e.Expected, e.Got)
}

func (e *NonceConflictError) Unwrap() error { return ErrNonceConflict }

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrDeserialise, "ERR_DESERIALISE"},
	{ErrVerificationFailed, "ERR_BAD_SIGNATURE"},
	{ErrSemanticRejection, "ERR_APPLY"},
	{ErrFeeTooLow, "ERR_LOW_FEE"},
	{ErrDuplicateID, "ERR_DUPLICATE"},
	{ErrNonceConflict, "ERR_NONCE"},
	{ErrPoolFull, "ERR_POOL_FULL"},
	{ErrEvicted, "ERR_EVICTED"},
	{ErrSenderPoolFull, "ERR_EXCEEDS_MAX_COUNT"},
	{ErrTooLarge, "ERR_TOO_LARGE"},
	{ErrWorkerUnavailable, "ERR_WORKER_UNAVAILABLE"},
	{ErrNotFound, "ERR_NOT_FOUND"},
	{ErrStorage, "ERR_STORAGE"},
	{ErrExpired, "ERR_EXPIRED"},
}

// Code maps an admission error to a stable wire code. Unknown errors map to
// ERR_UNKNOWN and nil maps to the empty string.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "ERR_UNKNOWN"
}

// RegisterErrorCode adds a wire code for an error defined outside this package.
// It is not safe to call concurrently with Code.
func RegisterErrorCode(err error, code string) {
	errorCodes = append(errorCodes, struct {
		err  error
		code string
	}{err, code})
}

// IsPermanent reports whether a payload failing with err can never be admitted,
// no matter the pool state.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrDeserialise) || errors.Is(err, ErrVerificationFailed) || errors.Is(err, ErrTooLarge)
}
