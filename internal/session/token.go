package session

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/opentrusty/opentrusty-admin/internal/errs"
)

// Token methods
const (
	MethodOriginal    = "original"
	MethodImpersonate = "impersonate"
)

// ErrInvalidToken is returned for malformed, forged or expired tokens
var ErrInvalidToken = errs.New(errs.KindUnauthenticated, "invalid or expired token")

// Claims is the signed token payload
type Claims struct {
	UserID   int64  `json:"id"`
	Username string `json:"username"`
	Fullname string `json:"fullname"`
	GroupID  int64  `json:"groupId"`
	Method   string `json:"method"`
	Type     string `json:"type"`
	jwt.RegisteredClaims
}

// DeriveClaims builds the claims of a re-issued token: identity fields are
// carried over, group, method and type are replaced, and the volatile
// registered claims (iat, exp, jti, ...) are dropped so the issuer stamps
// fresh ones. src is never modified.
func DeriveClaims(src Claims, groupID int64, method, typeName string) Claims {
	return Claims{
		UserID:   src.UserID,
		Username: src.Username,
		Fullname: src.Fullname,
		GroupID:  groupID,
		Method:   method,
		Type:     typeName,
	}
}

// TokenIssuer signs and verifies HS256 tokens
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	issuer string
}

// NewTokenIssuer creates a token issuer
func NewTokenIssuer(secret []byte, ttl time.Duration, issuer string) *TokenIssuer {
	return &TokenIssuer{secret: secret, ttl: ttl, issuer: issuer}
}

// TTL is the lifetime of issued tokens
func (i *TokenIssuer) TTL() time.Duration {
	return i.ttl
}

// Issue signs c with fresh registered claims and returns the token and its expiry
func (i *TokenIssuer) Issue(c Claims, now time.Time) (string, time.Time, error) {
	exp := now.Add(i.ttl)
	c.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    i.issuer,
		Subject:   fmt.Sprintf("%d", c.UserID),
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return token, exp, nil
}

// Parse verifies signature and expiry and returns the claims
func (i *TokenIssuer) Parse(token string) (*Claims, error) {
	var c Claims
	_, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(i.issuer),
	)
	if err != nil {
		return nil, errs.Wrap(ErrInvalidToken.Kind, ErrInvalidToken.Message, err)
	}
	return &c, nil
}
