// Package identity verifies bearer tokens issued by the identity provider.
package identity

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const bearerPrefix = "Bearer "

var (
	// ErrMissingToken signals an absent Authorization header.
	ErrMissingToken = errors.New("missing bearer token")
	// ErrInvalidToken signals a token that failed verification.
	ErrInvalidToken = errors.New("invalid bearer token")
	// ErrInvalidVerifierConfig signals missing verifier configuration.
	ErrInvalidVerifierConfig = errors.New("invalid verifier config")
)

// Identity is the verified caller extracted from a bearer token.
type Identity struct {
	UserID string
	Email  string
}

type idClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

// Verifier validates HS256 bearer tokens from the identity provider.
type Verifier struct {
	signingKey []byte
	issuer     string
}

// NewVerifier wires a Verifier.
func NewVerifier(signingKey []byte, issuer string) (*Verifier, error) {
	if len(signingKey) == 0 {
		return nil, fmt.Errorf("%w: signing key is required", ErrInvalidVerifierConfig)
	}
	if strings.TrimSpace(issuer) == "" {
		return nil, fmt.Errorf("%w: issuer is required", ErrInvalidVerifierConfig)
	}
	return &Verifier{signingKey: signingKey, issuer: issuer}, nil
}

// Verify decodes a raw bearer token into the caller's identity.
func (verifier *Verifier) Verify(rawToken string) (Identity, error) {
	var claims idClaims
	token, err := jwt.ParseWithClaims(rawToken, &claims, func(token *jwt.Token) (any, error) {
		return verifier.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(verifier.issuer))
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Identity{}, fmt.Errorf("%w: empty subject", ErrInvalidToken)
	}
	return Identity{UserID: claims.Subject, Email: claims.Email}, nil
}

// GinMiddleware verifies the Authorization header and stores the identity
// in the request context under contextKey. Missing tokens answer 401 and
// failed verification answers 403, without invoking the handler.
func (verifier *Verifier) GinMiddleware(contextKey string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		if !strings.HasPrefix(header, bearerPrefix) {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"code": "unauthorized", "message": "no token provided"},
			})
			return
		}
		verified, err := verifier.Verify(strings.TrimPrefix(header, bearerPrefix))
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": gin.H{"code": "unauthorized", "message": "invalid token"},
			})
			return
		}
		ctx.Set(contextKey, verified)
		ctx.Next()
	}
}

// FromContext retrieves the identity stored by GinMiddleware.
func FromContext(ctx *gin.Context, contextKey string) (Identity, bool) {
	value, ok := ctx.Get(contextKey)
	if !ok {
		return Identity{}, false
	}
	verified, ok := value.(Identity)
	return verified, ok
}
