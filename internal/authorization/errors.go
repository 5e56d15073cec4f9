package authorization

import "errors"

var (
	// ErrNotFound is returned when the caller has no visibility into the
	// tenant at all. Handlers surface it as absence, never as a
	// permission hint.
	ErrNotFound = errors.New("not_found")
	// ErrForbidden is returned when the caller can see the tenant but the
	// role lacks the capability.
	ErrForbidden = errors.New("forbidden")

	ErrInvalidTenant = errors.New("invalid_tenant")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
)
