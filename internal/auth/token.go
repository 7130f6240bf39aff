// Package auth resolves and checks the bearer credential used by the chat
// transport. Tokens are JWTs issued by the backend; the transport never
// verifies signatures (it holds no key) but decodes the expiry claim so an
// expired token fails before any network call.
package auth

import (
	"fmt"
	"time"

	"github.com/HerbHall/chatwire/pkg/chat"
	"github.com/golang-jwt/jwt/v5"
)

// DefaultExpiryMargin treats a token as expired slightly before its exp claim
// so it cannot lapse while a request is in flight.
const DefaultExpiryMargin = 30 * time.Second

// placeholders are values a credential store holds when no token is set.
var placeholders = map[string]bool{
	"null":      true,
	"undefined": true,
}

// Claims holds the JWT payload for access tokens.
type Claims struct {
	jwt.RegisteredClaims
	UserID   string `json:"uid"`
	Username string `json:"usr"`
	Role     string `json:"role"`
}

// Check decodes tokenString without verifying its signature and rejects it if
// it is missing, a placeholder, malformed, or expires within margin of now.
// All failures are chat authentication errors.
func Check(tokenString string, now time.Time, margin time.Duration) (*Claims, error) {
	if tokenString == "" {
		return nil, chat.AuthenticationError("no token available", nil)
	}
	if placeholders[tokenString] {
		return nil, chat.AuthenticationError("token is not set", nil)
	}

	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, chat.AuthenticationError("malformed token", err)
	}

	if claims.ExpiresAt != nil && !now.Add(margin).Before(claims.ExpiresAt.Time) {
		return nil, chat.AuthenticationError(
			fmt.Sprintf("token expired at %s", claims.ExpiresAt.Time.UTC().Format(time.RFC3339)), nil)
	}
	return claims, nil
}
