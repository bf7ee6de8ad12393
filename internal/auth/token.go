// Package auth resolves the calling operator to a tenant and role. The
// tenant id comes from a signed token only, never from request input.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleMarketer Role = "marketer"
	RoleViewer   Role = "viewer"
)

// Operator is the authenticated caller.
type Operator struct {
	Subject  string `json:"subject"`
	TenantID int    `json:"tenant_id"`
	Role     Role   `json:"role"`
}

// CanWrite reports whether the operator may create, edit or send campaigns.
func (o Operator) CanWrite() bool {
	return o.Role == RoleAdmin || o.Role == RoleMarketer
}

// Claims represents JWT claims for operator tokens
type Claims struct {
	TenantID int  `json:"tid"`
	Role     Role `json:"role"`
	jwt.RegisteredClaims
}

var ErrInvalidToken = errors.New("invalid token")

// TokenService handles JWT token generation and validation
type TokenService struct {
	signingKey []byte
	issuer     string
	now        func() time.Time
}

func NewTokenService(signingKey, issuer string) *TokenService {
	return &TokenService{signingKey: []byte(signingKey), issuer: issuer, now: time.Now}
}

// GenerateToken creates a token for an operator of tenantID.
func (s *TokenService) GenerateToken(op Operator, expiresIn time.Duration) (string, error) {
	if op.TenantID <= 0 {
		return "", fmt.Errorf("tenant id must be positive, got %d", op.TenantID)
	}
	now := s.now()
	subject := op.Subject
	if subject == "" {
		subject = "tenant-" + strconv.Itoa(op.TenantID)
	}
	claims := Claims{
		TenantID: op.TenantID,
		Role:     op.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
}

// ValidateToken parses a token and returns the operator it names.
func (s *TokenService) ValidateToken(tokenString string) (Operator, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.signingKey, nil
	})
	if err != nil {
		return Operator{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Operator{}, ErrInvalidToken
	}
	if s.issuer != "" && claims.Issuer != s.issuer {
		return Operator{}, fmt.Errorf("%w: unexpected issuer %q", ErrInvalidToken, claims.Issuer)
	}
	if claims.TenantID <= 0 {
		return Operator{}, fmt.Errorf("%w: missing tenant", ErrInvalidToken)
	}
	role := claims.Role
	if role == "" {
		role = RoleViewer
	}
	return Operator{Subject: claims.Subject, TenantID: claims.TenantID, Role: role}, nil
}
