package security

import (
	"errors"
	"fmt"
)

var (
	// ErrNotAuthorized is the normal "no access" outcome.
	ErrNotAuthorized = errors.New("security: not authorized")
	// ErrThrottled is returned by the Throttled middleware on rejection.
	ErrThrottled = errors.New("security: too many requests")
	// ErrInvalidSession covers absent, expired, forged and malformed tokens alike.
	ErrInvalidSession = errors.New("security: invalid session")
	// ErrExpiredGrant marks a chat-admin record found past its deadline. It
	// never leaves the package: callers see a missing grant.
	ErrExpiredGrant = errors.New("security: expired grant")
	// ErrInvalidLevel rejects promotions outside the role scale.
	ErrInvalidLevel = errors.New("security: invalid level")
)

// InfrastructureError wraps a store, timeout or connection failure met while
// resolving access. Callers must fail closed and show a retry message rather
// than a "no access" one.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("security: %s: %v", e.Op, e.Err)
}

func (e *InfrastructureError) Unwrap() error {
	return e.Err
}

func infraErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *InfrastructureError
	if errors.As(err, &existing) {
		return err
	}
	return &InfrastructureError{Op: op, Err: err}
}

// IsInfrastructure reports whether err carries an InfrastructureError.
func IsInfrastructure(err error) bool {
	var infra *InfrastructureError
	return errors.As(err, &infra)
}

// DeniedError is the structured result of a failed permission gate.
type DeniedError struct {
	UserID     int64
	ChatID     int64
	Permission string
}

func (e *DeniedError) Error() string {
	if e.ChatID != 0 {
		return fmt.Sprintf("security: user %d lacks %q in chat %d", e.UserID, e.Permission, e.ChatID)
	}
	return fmt.Sprintf("security: user %d lacks %q", e.UserID, e.Permission)
}

func (e *DeniedError) Unwrap() error {
	return ErrNotAuthorized
}

// WrapInfrastructure marks err as an infrastructure failure of op, for
// collaborators outside this package that hit the store directly.
func WrapInfrastructure(op string, err error) error {
	return infraErr(op, err)
}
