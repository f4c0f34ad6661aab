package didauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenIssuer signs and verifies access and refresh tokens
type TokenIssuer interface {
	Issue(ctx context.Context, did string, isAdmin bool) (*TokenDetails, error)
	VerifyAccess(token string) (*JWTClaims, error)
	Refresh(ctx context.Context, refreshToken string) (*TokenDetails, error)
	Revoke(ctx context.Context, did string) error
}

// AdminResolver returns the current admin flag for a DID when refreshing tokens
type AdminResolver func(ctx context.Context, did string) (bool, error)

// TokenIssuerOption customizes the JWT token issuer
type TokenIssuerOption func(*JWTTokenIssuer)

// WithTokenIssuer sets the iss claim
func WithTokenIssuer(issuer string) TokenIssuerOption {
	return func(ts *JWTTokenIssuer) {
		if issuer != "" {
			ts.issuer = issuer
		}
	}
}

// WithTokenTTL overrides access and refresh token lifetimes
func WithTokenTTL(access, refresh time.Duration) TokenIssuerOption {
	return func(ts *JWTTokenIssuer) {
		if access > 0 {
			ts.accessTTL = access
		}
		if refresh > 0 {
			ts.refreshTTL = refresh
		}
	}
}

// WithRefreshTokenStore sets where live refresh tokens are tracked
func WithRefreshTokenStore(store RefreshTokenStore) TokenIssuerOption {
	return func(ts *JWTTokenIssuer) {
		ts.store = store
	}
}

// WithAdminResolver re-reads the admin flag on refresh instead of copying it
// from the old refresh token
func WithAdminResolver(resolver AdminResolver) TokenIssuerOption {
	return func(ts *JWTTokenIssuer) {
		ts.resolver = resolver
	}
}

// WithTokenClock injects a custom clock (useful for tests)
func WithTokenClock(clock func() time.Time) TokenIssuerOption {
	return func(ts *JWTTokenIssuer) {
		if clock != nil {
			ts.now = clock
		}
	}
}

// WithTokenLogger overrides the logger
func WithTokenLogger(logger Logger) TokenIssuerOption {
	return func(ts *JWTTokenIssuer) {
		ts.logger = normalizeLogger(logger)
	}
}

// JWTTokenIssuer implements TokenIssuer with HS256 JWTs
type JWTTokenIssuer struct {
	signingKey []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	store      RefreshTokenStore
	resolver   AdminResolver
	now        func() time.Time
	logger     Logger
}

var _ TokenIssuer = (*JWTTokenIssuer)(nil)

// NewTokenIssuer creates a token issuer. Without a RefreshTokenStore an
// in-process MemoryStore is used so rotation is always enforced.
func NewTokenIssuer(signingKey []byte, opts ...TokenIssuerOption) *JWTTokenIssuer {
	ts := &JWTTokenIssuer{
		signingKey: signingKey,
		issuer:     DefaultIssuer,
		accessTTL:  DefaultAccessTokenTTL,
		refreshTTL: DefaultRefreshTokenTTL,
		now:        time.Now,
		logger:     defLogger{},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(ts)
		}
	}

	if ts.store == nil {
		ts.store = NewMemoryStore(time.Minute)
	}

	return ts
}

// Issue mints a fresh access and refresh token pair
func (ts *JWTTokenIssuer) Issue(ctx context.Context, did string, isAdmin bool) (*TokenDetails, error) {
	if did == "" {
		return nil, newError(ErrBadRequest, map[string]any{"reason": "did is required"})
	}

	now := ts.now()

	access, _, err := ts.sign(did, isAdmin, TokenTypeAccess, now, ts.accessTTL)
	if err != nil {
		return nil, err
	}

	refresh, refreshClaims, err := ts.sign(did, isAdmin, TokenTypeRefresh, now, ts.refreshTTL)
	if err != nil {
		return nil, err
	}

	if err := ts.store.Save(ctx, refreshClaims.TokenID(), did, ts.refreshTTL); err != nil {
		return nil, wrapError(ErrInternal, err, map[string]any{"reason": "failed to track refresh token"})
	}

	return &TokenDetails{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(ts.accessTTL / time.Second),
		TokenType:    "Bearer",
	}, nil
}

// VerifyAccess validates an access token and returns its claims
func (ts *JWTTokenIssuer) VerifyAccess(token string) (*JWTClaims, error) {
	return ts.verify(token, TokenTypeAccess)
}

// Refresh rotates a refresh token. It fails closed: any verification or
// rotation problem surfaces as an Unauthorized error and no tokens are issued.
func (ts *JWTTokenIssuer) Refresh(ctx context.Context, refreshToken string) (*TokenDetails, error) {
	claims, err := ts.verify(refreshToken, TokenTypeRefresh)
	if err != nil {
		return nil, err
	}

	did, ok, err := ts.store.Consume(ctx, claims.TokenID())
	if err != nil {
		ts.logger.Error("refresh token store consume failed: %v", err)
		return nil, wrapError(ErrRefreshTokenRevoked, err, nil)
	}
	if !ok || did != claims.DID() {
		return nil, newError(ErrRefreshTokenRevoked, map[string]any{"jti": claims.TokenID()})
	}

	isAdmin := claims.Admin()
	if ts.resolver != nil {
		if isAdmin, err = ts.resolver(ctx, did); err != nil {
			ts.logger.Info("refresh rejected for %s, identity lookup failed: %v", did, err)
			return nil, wrapError(ErrUnauthorized, err, map[string]any{"did": did})
		}
	}

	return ts.Issue(ctx, did, isAdmin)
}

// Revoke drops every outstanding refresh token of a DID
func (ts *JWTTokenIssuer) Revoke(ctx context.Context, did string) error {
	if err := ts.store.RevokeAll(ctx, did); err != nil {
		return wrapError(ErrInternal, err, map[string]any{"did": did})
	}
	return nil
}

func (ts *JWTTokenIssuer) sign(did string, isAdmin bool, typ TokenType, now time.Time, ttl time.Duration) (string, *JWTClaims, error) {
	claims := &JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    ts.issuer,
			Subject:   did,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		IdentityDID: did,
		IsAdmin:     isAdmin,
		Type:        typ,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ts.signingKey)
	if err != nil {
		return "", nil, wrapError(ErrInternal, err, map[string]any{"reason": "failed to sign JWT"})
	}
	return signed, claims, nil
}

func (ts *JWTTokenIssuer) verify(tokenString string, expected TokenType) (*JWTClaims, error) {
	if tokenString == "" {
		return nil, newError(ErrTokenMalformed, map[string]any{"reason": "token is empty"})
	}

	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			ts.logger.Error("token verify encountered unexpected signing method: %v", t.Header["alg"])
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return ts.signingKey, nil
	},
		jwt.WithIssuer(ts.issuer),
		jwt.WithTimeFunc(ts.now),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, wrapError(ErrTokenExpired, err, nil)
		}
		return nil, wrapError(ErrTokenMalformed, err, nil)
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, newError(ErrTokenMalformed, map[string]any{"reason": "could not decode claims"})
	}

	if claims.Type != expected {
		return nil, newError(ErrTokenMalformed, map[string]any{
			"reason":   "unexpected token type",
			"expected": expected,
			"got":      claims.Type,
		})
	}

	if claims.DID() == "" {
		return nil, newError(ErrTokenMalformed, map[string]any{"reason": "missing identityDid claim"})
	}

	return claims, nil
}
