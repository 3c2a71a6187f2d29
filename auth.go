package chatsync

import (
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenInfo holds the claims of a bearer token as seen by the client. The
// signature is not verified; only the server can do that.
type TokenInfo struct {
	UserID    ID
	UserName  string
	ExpiresAt time.Time
}

// ParseToken reads the claims of a JWT bearer token.
func ParseToken(token string) (*TokenInfo, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	info := &TokenInfo{}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		info.ExpiresAt = exp.Time
	}
	switch v := claims["user_id"].(type) {
	case float64:
		info.UserID = ID(strconv.FormatFloat(v, 'f', -1, 64))
	case string:
		info.UserID = ID(v)
	}
	if info.UserID == "" {
		if sub, err := claims.GetSubject(); err == nil {
			info.UserID = ID(sub)
		}
	}
	if name, ok := claims["user_name"].(string); ok {
		info.UserName = name
	}
	return info, nil
}

// Expired reports whether the token has an expiry at or before now.
func (t *TokenInfo) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// ExpiresIn returns the time left until expiry, or zero when the token has
// no expiry.
func (t *TokenInfo) ExpiresIn(now time.Time) time.Duration {
	if t.ExpiresAt.IsZero() {
		return 0
	}
	return t.ExpiresAt.Sub(now)
}
