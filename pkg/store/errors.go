package store

import "errors"

var (
	// ErrNotFound indicates the requested session does not exist.
	ErrNotFound = errors.New("session not found")
	// ErrForbidden indicates the user is not a member of the workspace.
	ErrForbidden = errors.New("user is not a member of the workspace")
	// ErrAlreadyExists indicates a session with the same id already exists.
	ErrAlreadyExists = errors.New("session already exists")
)
