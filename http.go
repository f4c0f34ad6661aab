package didauth

import (
	"strings"

	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-print"
	"github.com/goliatone/go-router"
)

// InternalSecretHeader carries the shared secret of provisioning callbacks
const InternalSecretHeader = "X-Internal-Secret"

// AuthorizationHeader carries the bearer access token
const AuthorizationHeader = "Authorization"

const bearerScheme = "Bearer"

// RouteAuthenticator resolves bearer tokens and the internal secret for the
// identity routes
type RouteAuthenticator struct {
	tokens         TokenIssuer
	internalSecret string
	Logger         Logger
	ErrorHandler   func(c router.Context, err error) error
}

// NewHTTPAuthenticator builds the route authenticator
func NewHTTPAuthenticator(tokens TokenIssuer, internalSecret string) *RouteAuthenticator {
	a := &RouteAuthenticator{
		tokens:         tokens,
		internalSecret: internalSecret,
		Logger:         defLogger{},
	}
	a.ErrorHandler = a.defaultErrHandler
	return a
}

// BearerClaims verifies the bearer token if one was sent. No header yields
// nil claims and no error.
func (a *RouteAuthenticator) BearerClaims(c router.Context) (*JWTClaims, error) {
	header := strings.TrimSpace(c.Header(AuthorizationHeader))
	if header == "" {
		return nil, nil
	}

	l := len(bearerScheme)
	if len(header) <= l+1 || !strings.EqualFold(header[:l], bearerScheme) {
		return nil, newError(ErrTokenMalformed, map[string]any{"reason": "only Bearer is acceptable"})
	}

	return a.tokens.VerifyAccess(strings.TrimSpace(header[l:]))
}

// ProtectedRoute requires a valid bearer token and stores its claims
func (a *RouteAuthenticator) ProtectedRoute() router.MiddlewareFunc {
	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) error {
			claims, err := a.BearerClaims(c)
			if err != nil {
				return a.ErrorHandler(c, err)
			}
			if claims == nil {
				return a.ErrorHandler(c, newError(ErrUnauthorized, map[string]any{"reason": "missing bearer token"}))
			}

			c.Locals(ClaimsLocalsKey, claims)
			c.SetContext(WithClaimsContext(c.Context(), claims))
			return next(c)
		}
	}
}

// InternalRoute requires the internal shared secret
func (a *RouteAuthenticator) InternalRoute() router.MiddlewareFunc {
	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) error {
			role, err := ResolveRole(a.internalSecret, c.Header(InternalSecretHeader), nil, "")
			if err != nil {
				return a.ErrorHandler(c, err)
			}
			c.SetContext(WithRoleContext(c.Context(), role))
			return next(c)
		}
	}
}

// ResolveRole resolves the caller role for a mutation of did. The bearer
// token is only inspected when the internal secret does not match.
func (a *RouteAuthenticator) ResolveRole(c router.Context, did string) (Role, error) {
	presented := c.Header(InternalSecretHeader)
	if presented != "" {
		if role, err := ResolveRole(a.internalSecret, presented, nil, did); err == nil {
			return role, nil
		}
	}

	claims, err := a.BearerClaims(c)
	if err != nil {
		return Role{}, err
	}
	return ResolveRole(a.internalSecret, presented, claims, did)
}

func (a *RouteAuthenticator) defaultErrHandler(c router.Context, err error) error {
	return WriteError(c, a.Logger, err)
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error    string `json:"error"`
	TextCode string `json:"text_code,omitempty"`
}

// WriteError maps err to its status code and a stable body. Errors that are
// not rich errors become a 500 without leaking their message.
func WriteError(c router.Context, logger Logger, err error) error {
	logger = normalizeLogger(logger)

	var richErr *errors.Error
	if !errors.As(err, &richErr) {
		logger.Error("unexpected error: %v", err)
		richErr = newError(ErrInternal, nil)
	}

	code := richErr.Code
	if code == 0 {
		code = errors.CodeInternal
	}

	if code >= errors.CodeInternal {
		logger.Error("request failed: %s details=%s", richErr.Error(), print.MaybePrettyJSON(richErr.Metadata))
	} else {
		logger.Debug("request rejected: %s details=%s", richErr.Message, print.MaybePrettyJSON(richErr.Metadata))
	}

	return c.JSON(code, ErrorResponse{
		Error:    richErr.Message,
		TextCode: richErr.TextCode,
	})
}
