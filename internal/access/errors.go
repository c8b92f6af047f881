package access

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInvitation is returned for unknown, expired or consumed tokens.
	ErrInvalidInvitation = errors.New("invalid or expired invitation")
	// ErrOwnerImmutable is returned for any attempt to change or remove the owner.
	ErrOwnerImmutable = errors.New("the room owner cannot be changed or removed")
	// ErrRevisionConflict is returned when a collaborator changed since it was loaded.
	ErrRevisionConflict = errors.New("collaborator was modified concurrently")
	// ErrCollaboratorNotFound is returned for an unknown collaborator id.
	ErrCollaboratorNotFound = errors.New("collaborator not found")
	// ErrInvalidEmail is returned for a missing or malformed email.
	ErrInvalidEmail = errors.New("a valid email is required")
	// ErrInvalidRole is returned for roles that cannot be granted.
	ErrInvalidRole = errors.New("role must be editor or viewer")
	// ErrNameRequired is returned when accepting without a display name.
	ErrNameRequired = errors.New("name is required")
)

// ActionError reports a failed backend call made on behalf of an operation.
type ActionError struct {
	Op  string
	Err error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *ActionError) Unwrap() error {
	return e.Err
}
