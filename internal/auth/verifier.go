package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Verifier errors
var (
	ErrEmptySecret  = errors.New("jwt secret cannot be empty")
	ErrMissingClaim = errors.New("token carries no user id")
)

// Verifier turns a bearer token into a user id.
type Verifier interface {
	Verify(token string) (string, error)
}

// Claims is the token payload. Tokens carry the user id in userId; sub is
// accepted as a fallback.
type Claims struct {
	UserID string `json:"userId,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 tokens signed with a shared secret
type JWTVerifier struct {
	secret []byte
	issuer string
	leeway time.Duration
	parser *jwt.Parser
}

// NewJWTVerifier creates a verifier. An empty issuer disables the issuer
// check.
func NewJWTVerifier(secret, issuer string, leeway time.Duration) (*JWTVerifier, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(leeway),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	return &JWTVerifier{
		secret: []byte(secret),
		issuer: issuer,
		leeway: leeway,
		parser: jwt.NewParser(opts...),
	}, nil
}

// Verify parses and validates token
func (v *JWTVerifier) Verify(token string) (string, error) {
	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return "", ErrMissingClaim
	}
	return userID, nil
}

// Issue signs a token for userID that expires after ttl. Used by tests and
// operator tooling; production tokens come from the account service.
func (v *JWTVerifier) Issue(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
