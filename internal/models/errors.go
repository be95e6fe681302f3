package models

import "errors"

// Common error kinds shared by the sync engines. The transport shim is the
// only place that maps these onto HTTP statuses.
var (
	// ErrUnauthorized indicates a missing or unknown host key
	ErrUnauthorized = errors.New("unauthorized")

	// ErrExpectedAuth answers a discovery probe (empty body, empty host key)
	ErrExpectedAuth = errors.New("expected auth")

	// ErrInvalidCredentials indicates a failed username/password check
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrBusy indicates another sync is in flight for the same user
	ErrBusy = errors.New("sync already in progress")

	// ErrBadRequest indicates a malformed body or an operation that is
	// invalid for the current sync state
	ErrBadRequest = errors.New("bad request")

	// ErrConflict indicates a sanity-check mismatch; the staged sync
	// context has been discarded
	ErrConflict = errors.New("sanity check failed")

	// ErrTemporary indicates the identity gateway is unavailable
	ErrTemporary = errors.New("temporarily unavailable")

	// ErrUserNotFound indicates the user does not exist in the user store
	ErrUserNotFound = errors.New("user not found")

	// ErrUserAlreadyExists indicates a duplicate username on provisioning
	ErrUserAlreadyExists = errors.New("user already exists")
)
