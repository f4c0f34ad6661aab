package didauth

import (
	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeBadRequest         = "BAD_REQUEST"
	TextCodeStaleTimestamp     = "STALE_TIMESTAMP"
	TextCodeInvalidSignature   = "INVALID_SIGNATURE"
	TextCodeNonceReplayed      = "NONCE_REPLAYED"
	TextCodeUnauthorized       = "UNAUTHORIZED"
	TextCodeTokenExpired       = "TOKEN_EXPIRED"
	TextCodeTokenMalformed     = "TOKEN_MALFORMED"
	TextCodeRefreshRevoked     = "REFRESH_TOKEN_REVOKED"
	TextCodeForbidden          = "FORBIDDEN"
	TextCodeFieldNotAllowed    = "FIELD_NOT_ALLOWED"
	TextCodeIdentityNotFound   = "IDENTITY_NOT_FOUND"
	TextCodeIdentityConflict   = "IDENTITY_CONFLICT"
	TextCodeRevisionConflict   = "REVISION_CONFLICT"
	TextCodeInvalidTransition  = "INVALID_INSTANCE_TRANSITION"
	TextCodeInternal           = "INTERNAL"
	TextCodeMissingConfig      = "MISSING_CONFIG"
	TextCodeUnsupportedDID     = "UNSUPPORTED_DID"
	TextCodeProvisionerMissing = "PROVISIONER_MISSING"
)

// ErrBadRequest is returned for malformed payloads
var ErrBadRequest = goerrors.New("malformed request", goerrors.CategoryBadInput).
	WithTextCode(TextCodeBadRequest).
	WithCode(goerrors.CodeBadRequest)

// ErrStaleTimestamp is returned when a signed timestamp is outside the freshness window
var ErrStaleTimestamp = goerrors.New("request timestamp outside of freshness window", goerrors.CategoryBadInput).
	WithTextCode(TextCodeStaleTimestamp).
	WithCode(goerrors.CodeBadRequest)

// ErrUnsupportedDID is returned when a DID does not encode an Ed25519 key we understand
var ErrUnsupportedDID = goerrors.New("unsupported DID", goerrors.CategoryBadInput).
	WithTextCode(TextCodeUnsupportedDID).
	WithCode(goerrors.CodeBadRequest)

// ErrInvalidSignature is returned when a challenge signature does not verify
var ErrInvalidSignature = goerrors.New("invalid signature", goerrors.CategoryAuth).
	WithTextCode(TextCodeInvalidSignature).
	WithCode(goerrors.CodeUnauthorized)

// ErrNonceReplayed is returned when a nonce was already used within its window
var ErrNonceReplayed = goerrors.New("nonce already used", goerrors.CategoryAuth).
	WithTextCode(TextCodeNonceReplayed).
	WithCode(goerrors.CodeUnauthorized)

// ErrUnauthorized is returned when a request carries no usable credential
var ErrUnauthorized = goerrors.New("unauthorized", goerrors.CategoryAuth).
	WithTextCode(TextCodeUnauthorized).
	WithCode(goerrors.CodeUnauthorized)

// ErrTokenExpired is returned for expired access or refresh tokens
var ErrTokenExpired = goerrors.New("token is expired", goerrors.CategoryAuth).
	WithTextCode(TextCodeTokenExpired).
	WithCode(goerrors.CodeUnauthorized)

// ErrTokenMalformed is returned for tokens that fail to parse or verify
var ErrTokenMalformed = goerrors.New("token is malformed", goerrors.CategoryAuth).
	WithTextCode(TextCodeTokenMalformed).
	WithCode(goerrors.CodeUnauthorized)

// ErrRefreshTokenRevoked is returned when a refresh token was already rotated or revoked
var ErrRefreshTokenRevoked = goerrors.New("refresh token revoked", goerrors.CategoryAuth).
	WithTextCode(TextCodeRefreshRevoked).
	WithCode(goerrors.CodeUnauthorized)

// ErrForbidden is returned when no role applies to the caller
var ErrForbidden = goerrors.New("forbidden", goerrors.CategoryAuthz).
	WithTextCode(TextCodeForbidden).
	WithCode(goerrors.CodeForbidden)

// ErrFieldNotAllowed is returned when an update touches fields outside the role allow-list
var ErrFieldNotAllowed = goerrors.New("field not allowed for role", goerrors.CategoryAuthz).
	WithTextCode(TextCodeFieldNotAllowed).
	WithCode(goerrors.CodeForbidden)

// ErrIdentityNotFound is the error we return for unknown DIDs
var ErrIdentityNotFound = goerrors.New("identity not found", goerrors.CategoryNotFound).
	WithTextCode(TextCodeIdentityNotFound).
	WithCode(goerrors.CodeNotFound)

// ErrIdentityConflict is returned when a DID is already provisioned with another instance
var ErrIdentityConflict = goerrors.New("identity already registered", goerrors.CategoryConflict).
	WithTextCode(TextCodeIdentityConflict).
	WithCode(goerrors.CodeConflict)

// ErrRevisionConflict is returned when a write carries a stale revision
var ErrRevisionConflict = goerrors.New("document update conflict", goerrors.CategoryConflict).
	WithTextCode(TextCodeRevisionConflict).
	WithCode(goerrors.CodeConflict)

// ErrInvalidTransition is returned when a requested instance status change is not allowed
var ErrInvalidTransition = goerrors.New("invalid instance state transition", goerrors.CategoryValidation).
	WithTextCode(TextCodeInvalidTransition).
	WithCode(goerrors.CodeBadRequest)

// ErrInternal is returned when the store or token signing fails
var ErrInternal = goerrors.New("internal error", goerrors.CategoryInternal).
	WithTextCode(TextCodeInternal).
	WithCode(goerrors.CodeInternal)

// ErrMissingConfig is returned at startup when required secrets are absent
var ErrMissingConfig = goerrors.New("missing required configuration", goerrors.CategoryInternal).
	WithTextCode(TextCodeMissingConfig).
	WithCode(goerrors.CodeInternal)

// ErrProvisionerMissing is returned when the orchestrator has nothing to spawn
var ErrProvisionerMissing = goerrors.New("provisioner not configured", goerrors.CategoryInternal).
	WithTextCode(TextCodeProvisionerMissing).
	WithCode(goerrors.CodeInternal)

// newError clones a sentinel so metadata never leaks between requests
func newError(base *goerrors.Error, meta map[string]any) *goerrors.Error {
	clone := base.Clone()
	if len(meta) > 0 {
		clone = clone.WithMetadata(meta)
	}
	return clone
}

// wrapError clones a sentinel and keeps the original error as its source
func wrapError(base *goerrors.Error, err error, meta map[string]any) *goerrors.Error {
	clone := newError(base, meta)
	if err != nil {
		clone.Source = err
	}
	return clone
}

// HasTextCode reports whether err is a rich error carrying the given text code
func HasTextCode(err error, code string) bool {
	if err == nil {
		return false
	}
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return false
	}
	return richErr.TextCode == code
}

// IsNotFound reports whether err signals a missing identity
func IsNotFound(err error) bool {
	return HasTextCode(err, TextCodeIdentityNotFound)
}

// IsRevisionConflict reports whether err signals a stale revision
func IsRevisionConflict(err error) bool {
	return HasTextCode(err, TextCodeRevisionConflict)
}
