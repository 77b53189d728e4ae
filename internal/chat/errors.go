package chat

import "errors"

// Error classes. Components wrap these with fmt.Errorf("...: %w") and callers
// classify with errors.Is.
var (
	// ErrAuth marks a bad, missing, or expired credential. It is the only
	// class that terminates a connection.
	ErrAuth = errors.New("authentication failed")
	// ErrNotFound marks an absent chat, group, or user.
	ErrNotFound = errors.New("not found")
	// ErrForbidden marks a caller that is not a member of the target chat.
	ErrForbidden = errors.New("not a member")
	// ErrValidation marks a malformed envelope or missing fields.
	ErrValidation = errors.New("invalid request")
	// ErrAlreadyExists marks a group name that is already taken.
	ErrAlreadyExists = errors.New("already exists")
	// ErrTransport marks a failed send to a specific connection.
	ErrTransport = errors.New("transport failure")
	// ErrStore marks a persistence failure.
	ErrStore = errors.New("store failure")
)

// Reply codes carried by error frames.
const (
	CodeInvalid       = "invalid"
	CodeNotFound      = "not_found"
	CodeForbidden     = "forbidden"
	CodeAlreadyExists = "already_exists"
	CodeStoreFailure  = "store_failure"
	CodeUnknownAction = "unknown_action"
	CodeRateLimited   = "rate_limited"
	CodeUnauthorized  = "unauthorized"
	CodeInternal      = "internal"
)

// Code maps an error to the reply code sent back to the originating client.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return CodeInvalid
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrAlreadyExists):
		return CodeAlreadyExists
	case errors.Is(err, ErrStore):
		return CodeStoreFailure
	case errors.Is(err, ErrAuth):
		return CodeUnauthorized
	default:
		return CodeInternal
	}
}
