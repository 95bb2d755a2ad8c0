package auth

import "errors"

var (
	// ErrMissingCredential means no access token was presented.
	ErrMissingCredential = errors.New("auth: missing credential")

	// ErrMalformedCredential covers unparsable tokens and bad signatures.
	ErrMalformedCredential = errors.New("auth: malformed credential")

	// ErrExpiredCredential means the access token expired and no refresh
	// token accompanied it. The client can retry with one.
	ErrExpiredCredential = errors.New("auth: expired credential")

	// ErrInvalidRefresh means the refresh token is unknown, superseded,
	// expired or signed for someone else.
	ErrInvalidRefresh = errors.New("auth: invalid refresh credential")

	// ErrUserNotFound means the token names a user that no longer exists.
	ErrUserNotFound = errors.New("auth: user not found")

	// ErrRevokedCredential means the token was issued before a logout.
	ErrRevokedCredential = errors.New("auth: revoked credential")
)

// IsTerminal reports whether err cannot be fixed by presenting a refresh
// token; the client has to log in again.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrInvalidRefresh) ||
		errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrRevokedCredential)
}

// Code maps an admission error to a stable machine-readable code.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrMissingCredential):
		return "missing_credential"
	case errors.Is(err, ErrMalformedCredential):
		return "malformed_credential"
	case errors.Is(err, ErrExpiredCredential):
		return "expired_credential"
	case errors.Is(err, ErrInvalidRefresh):
		return "invalid_refresh"
	case errors.Is(err, ErrUserNotFound):
		return "user_not_found"
	case errors.Is(err, ErrRevokedCredential):
		return "revoked_credential"
	default:
		return "auth_error"
	}
}

// IsAuthError reports whether err is one of the admission failures above.
func IsAuthError(err error) bool {
	return Code(err) != "auth_error"
}
