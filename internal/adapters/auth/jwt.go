// Package auth verifies the portal's bearer tokens.
package auth

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/dkeye/Pulse/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
	ErrNoSecret     = errors.New("jwt secret is empty")
)

// Claims are issued by the portal login. Subject carries the user id.
type Claims struct {
	jwt.RegisteredClaims
	UserID int64  `json:"user_id,omitempty"`
	Name   string `json:"name"`
	Role   string `json:"role,omitempty"`
}

// JWTVerifier checks HS256 tokens signed with the shared portal secret.
type JWTVerifier struct {
	secret []byte
	issuer string
}

func NewJWTVerifier(secret, issuer string) (*JWTVerifier, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	return &JWTVerifier{secret: []byte(secret), issuer: issuer}, nil
}

func (v *JWTVerifier) Verify(_ context.Context, token string) (domain.User, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return domain.User{}, ErrExpiredToken
		}
		return domain.User{}, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return domain.User{}, ErrInvalidToken
	}

	id := domain.UserID(claims.UserID)
	if id <= 0 {
		if id, err = domain.ParseUserID(claims.Subject); err != nil {
			return domain.User{}, ErrInvalidToken
		}
	}
	user, err := domain.NewUser(id, claims.Name)
	if err != nil {
		return domain.User{}, ErrInvalidToken
	}
	user.Role = claims.Role
	return user, nil
}

// Issue signs a token for user. The portal login does this in production;
// the hub uses it for tooling and tests.
func (v *JWTVerifier) Issue(user domain.User, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   strconv.FormatInt(int64(user.ID), 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID: int64(user.ID),
		Name:   user.Name,
		Role:   user.Role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
