// ABOUTME: Client tokens a client may present as its apiKey instead of the shared key
// ABOUTME: HS256 JWTs issued by puppet-gateway; the subject becomes the client's name

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrShortSecret  = errors.New("jwt secret must be at least 32 bytes")
)

// MinSecretLength is the minimum HS256 secret size.
const MinSecretLength = 32

// TokenIssuer is stamped into every client token and required on verification.
const TokenIssuer = "puppet-gateway"

// clockSkew tolerated between the minting host and the gateway.
const clockSkew = 30 * time.Second

// ClientClaims is the payload of a client token. Subject names the client in
// logs and in the ledger's session rows.
type ClientClaims struct {
	jwt.RegisteredClaims
}

// JWTVerifier mints client tokens for `puppet-gateway token` and checks the
// ones clients present in their identify frame.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTVerifier creates a verifier. Secrets shorter than MinSecretLength are rejected.
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrShortSecret
	}
	return &JWTVerifier{
		secret: secret,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(TokenIssuer),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(clockSkew),
		),
	}, nil
}

// Verify checks signature, issuer and expiry, and returns the client name.
func (v *JWTVerifier) Verify(tokenString string) (clientName string, err error) {
	var claims ClientClaims
	_, err = v.parser.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "", ErrExpiredToken
	case err != nil:
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.Subject == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return claims.Subject, nil
}

// Generate mints a token naming clientName that is valid for ttl.
func (v *JWTVerifier) Generate(clientName string, ttl time.Duration) (string, error) {
	if clientName == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	now := time.Now()
	claims := ClientClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    TokenIssuer,
			Subject:   clientName,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
