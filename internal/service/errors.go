package service

import "errors"

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrOTPNotFound         = errors.New("no active verification code")
	ErrOTPMismatch         = errors.New("verification code does not match")
	ErrTooManyAttempts     = errors.New("too many attempts")
	ErrRateLimited         = errors.New("rate limit exceeded")
	ErrAccountNotFound     = errors.New("account not found")
	ErrAlreadyExists       = errors.New("account already exists")
	ErrAccountDeleted      = errors.New("account has been deleted")
	ErrInvalidPin          = errors.New("invalid pin")
	ErrPinTaken            = errors.New("pin already taken")
	ErrPinNotFound         = errors.New("no pin issued")
	ErrGenerationExhausted = errors.New("could not generate a unique pin")
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrConfiguration       = errors.New("service misconfigured")
	ErrStorage             = errors.New("storage unavailable")
	ErrDeliveryFailed      = errors.New("could not deliver verification code")
	ErrDirectory           = errors.New("user directory unavailable")
)

// ErrorClass groups errors by how callers should react to them.
type ErrorClass string

const (
	ClassInput      ErrorClass = "input"
	ClassPolicy     ErrorClass = "policy"
	ClassConflict   ErrorClass = "conflict"
	ClassSecurity   ErrorClass = "security"
	ClassDependency ErrorClass = "dependency"
	ClassInternal   ErrorClass = "internal"
)

var errorClasses = []struct {
	err   error
	class ErrorClass
}{
	{ErrInvalidInput, ClassInput},
	{ErrOTPNotFound, ClassInput},
	{ErrOTPMismatch, ClassInput},
	{ErrInvalidPin, ClassInput},
	{ErrTooManyAttempts, ClassPolicy},
	{ErrRateLimited, ClassPolicy},
	{ErrAccountNotFound, ClassConflict},
	{ErrAlreadyExists, ClassConflict},
	{ErrPinTaken, ClassConflict},
	{ErrPinNotFound, ClassConflict},
	{ErrUnauthenticated, ClassSecurity},
	{ErrAccountDeleted, ClassSecurity},
	{ErrStorage, ClassDependency},
	{ErrDeliveryFailed, ClassDependency},
	{ErrDirectory, ClassDependency},
	{ErrGenerationExhausted, ClassInternal},
	{ErrConfiguration, ClassInternal},
}

// ClassOf returns the class of the first known sentinel in err's chain,
// or ClassInternal for anything unrecognised.
func ClassOf(err error) ErrorClass {
	for _, c := range errorClasses {
		if errors.Is(err, c.err) {
			return c.class
		}
	}
	return ClassInternal
}

// RateLimitError carries how long the caller should wait.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return ErrRateLimited.Error()
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}
