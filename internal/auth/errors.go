package auth

import (
	"errors"
	"fmt"

	"semaphore/school-auth/internal/repository"
)

// Kind is the stable, machine-readable reason attached to every refusal.
type Kind string

const (
	KindInvalidCredentials        Kind = "invalid_credentials"
	KindAccountLocked             Kind = "account_locked"
	KindAccountInactive           Kind = "account_inactive"
	KindTenantNotFound            Kind = "tenant_not_found"
	KindTenantDeactivated         Kind = "tenant_deactivated"
	KindTenantSubscriptionInvalid Kind = "tenant_subscription_invalid"
	KindTenantMismatch            Kind = "tenant_mismatch"
	KindSessionNotFound           Kind = "session_not_found"
	KindSessionExpired            Kind = "session_expired"
	KindRoleDenied                Kind = "role_denied"
	KindModuleDenied              Kind = "module_denied"
	KindStorageUnavailable        Kind = "storage_unavailable"
)

type Error struct {
	Kind    Kind
	Message string
	// Detail narrows the reason, e.g. "suspended" or "expired" for
	// KindTenantSubscriptionInvalid, or the denied module name.
	Detail string
	Cause  error
}

func (e *Error) Error() string {
	msg := string(e.Kind) + ": " + e.Message
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches on kind so errors.Is(err, ErrAccountLocked) holds for any
// locked-account error regardless of detail.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

var (
	ErrInvalidCredentials        = &Error{Kind: KindInvalidCredentials, Message: "invalid email or password"}
	ErrAccountLocked             = &Error{Kind: KindAccountLocked, Message: "account temporarily locked after repeated failed logins"}
	ErrAccountInactive           = &Error{Kind: KindAccountInactive, Message: "account is inactive"}
	ErrTenantNotFound            = &Error{Kind: KindTenantNotFound, Message: "school not found"}
	ErrTenantDeactivated         = &Error{Kind: KindTenantDeactivated, Message: "school account is deactivated"}
	ErrTenantSubscriptionInvalid = &Error{Kind: KindTenantSubscriptionInvalid, Message: "school subscription is not valid"}
	ErrTenantMismatch            = &Error{Kind: KindTenantMismatch, Message: "account does not belong to this school"}
	ErrSessionNotFound           = &Error{Kind: KindSessionNotFound, Message: "session not found"}
	ErrSessionExpired            = &Error{Kind: KindSessionExpired, Message: "session expired"}
	ErrRoleDenied                = &Error{Kind: KindRoleDenied, Message: "insufficient privileges for this action"}
	ErrModuleDenied              = &Error{Kind: KindModuleDenied, Message: "feature module is not enabled for this school"}
	ErrStorageUnavailable        = &Error{Kind: KindStorageUnavailable, Message: "storage temporarily unavailable, retry later"}
)

func withDetail(base *Error, detail string) *Error {
	return &Error{Kind: base.Kind, Message: base.Message, Detail: detail}
}

// KindOf extracts the reason from err, if err carries one.
func KindOf(err error) (Kind, bool) {
	var authErr *Error
	if errors.As(err, &authErr) {
		return authErr.Kind, true
	}
	return "", false
}

// storageError turns repository failures into StorageUnavailable; other
// errors (bad stored data, cancellation) are wrapped unchanged.
func storageError(op string, err error) error {
	if errors.Is(err, repository.ErrStorageUnavailable) || errors.Is(err, repository.ErrTokenCollision) {
		return &Error{Kind: ErrStorageUnavailable.Kind, Message: ErrStorageUnavailable.Message, Cause: fmt.Errorf("%s: %w", op, err)}
	}
	return fmt.Errorf("%s: %w", op, err)
}
