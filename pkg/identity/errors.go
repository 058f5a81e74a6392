package identity

import "errors"

var (
	// ErrNotFound means no user has the given id.
	ErrNotFound = errors.New("user not found")
	// ErrConflict means the username is taken.
	ErrConflict = errors.New("username already exists")
	// ErrProtected means the operation would remove the admin account.
	ErrProtected = errors.New("the admin account cannot be deleted")
	// ErrBadCredentials means the username or password did not match.
	ErrBadCredentials = errors.New("invalid username or password")
	// ErrInvalidInput wraps field validation failures.
	ErrInvalidInput = errors.New("invalid user input")
)
