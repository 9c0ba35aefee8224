// ABOUTME: JWT verification that turns a bearer token into an acting agent
// ABOUTME: HS256 tokens carry sub (agent id), name and role claims

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/2389/clinic-gateway/internal/conversation"
)

// MinSecretLength is the minimum HS256 secret size in bytes.
const MinSecretLength = 32

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrWeakSecret   = fmt.Errorf("jwt secret must be at least %d bytes", MinSecretLength)
)

// TokenVerifier turns a token into an actor.
type TokenVerifier interface {
	Verify(tokenString string) (conversation.Actor, error)
}

// Claims are the JWT claims issued to agents.
type Claims struct {
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier. The secret must be at least
// MinSecretLength bytes.
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	return &JWTVerifier{secret: secret}, nil
}

// Verify validates the token and returns the actor it names.
func (v *JWTVerifier) Verify(tokenString string) (conversation.Actor, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return conversation.Actor{}, ErrExpiredToken
		}
		return conversation.Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return conversation.Actor{}, ErrInvalidToken
	}

	if claims.Subject == "" {
		return conversation.Actor{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	role, err := conversation.ParseRole(claims.Role)
	if err != nil {
		return conversation.Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return conversation.Actor{ID: claims.Subject, Name: claims.Name, Role: role}, nil
}

// Generate issues a token for actor valid for expiresIn.
func (v *JWTVerifier) Generate(actor conversation.Actor, expiresIn time.Duration) (string, error) {
	if actor.ID == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	now := time.Now()
	claims := Claims{
		Name: actor.Name,
		Role: string(actor.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
