package didauth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenType distinguishes access tokens from refresh tokens
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// JWTClaims are the claims carried by access and refresh tokens
type JWTClaims struct {
	jwt.RegisteredClaims
	IdentityDID string    `json:"identityDid"`
	IsAdmin     bool      `json:"isAdmin"`
	Type        TokenType `json:"typ"`
}

// DID returns the identity the token was issued to
func (c *JWTClaims) DID() string {
	if c.IdentityDID != "" {
		return c.IdentityDID
	}
	return c.RegisteredClaims.Subject
}

// Admin reports the isAdmin claim
func (c *JWTClaims) Admin() bool {
	return c.IsAdmin
}

// TokenID returns the jti claim
func (c *JWTClaims) TokenID() string {
	return c.RegisteredClaims.ID
}

// Expires returns the expiration time
func (c *JWTClaims) Expires() time.Time {
	if c.RegisteredClaims.ExpiresAt != nil {
		return c.RegisteredClaims.ExpiresAt.Time
	}
	return time.Time{}
}

// IssuedAt returns the issued at time
func (c *JWTClaims) IssuedAt() time.Time {
	if c.RegisteredClaims.IssuedAt != nil {
		return c.RegisteredClaims.IssuedAt.Time
	}
	return time.Time{}
}

// TokenDetails is the credential bundle handed to clients
type TokenDetails struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
	TokenType    string `json:"tokenType"`
}
