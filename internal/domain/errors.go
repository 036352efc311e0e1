package domain

import "errors"

var (
	ErrInvalidCredentials = errors.New("username and password are required")
	ErrAuthTimeout        = errors.New("login timed out")
	ErrAuthFailed         = errors.New("login failed")
	ErrNoResultsTable     = errors.New("results table not found")
	ErrInvalidQuery       = errors.New("query is required")
)

// IsAuthError reports whether err aborts a search before the site is queried.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrInvalidCredentials) ||
		errors.Is(err, ErrAuthTimeout) ||
		errors.Is(err, ErrAuthFailed)
}
