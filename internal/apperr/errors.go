// Package apperr holds the error kinds that may cross the engine boundary.
package apperr

import "errors"

var (
	// ErrContextUnavailable means the hierarchy snapshot could not be assembled.
	ErrContextUnavailable = errors.New("context unavailable")
	// ErrNotFound covers missing entities and insights, including ones owned by other users.
	ErrNotFound = errors.New("not found")
	// ErrRepositoryConflict is a lost version-increment race that survived its retry.
	ErrRepositoryConflict = errors.New("repository conflict")
	ErrInvalidArgument    = errors.New("invalid argument")
)

// Kind returns a stable, client-safe label for err.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrContextUnavailable):
		return "context_unavailable"
	case errors.Is(err, ErrRepositoryConflict):
		return "repository_conflict"
	default:
		return "internal"
	}
}
