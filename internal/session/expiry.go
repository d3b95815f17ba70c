package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenExpiry returns the exp claim of a JWT. Tokens that do not parse as a JWT, or
// carry no exp claim, report ok=false and are treated as non-expiring locally.
// The signature is not verified; the remote API remains the authority.
func tokenExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	expiresAt, err := claims.GetExpirationTime()
	if err != nil || expiresAt == nil {
		return time.Time{}, false
	}
	return expiresAt.Time, true
}

func tokenExpired(token string, now time.Time) bool {
	expiresAt, ok := tokenExpiry(token)
	if !ok {
		return false
	}
	return !now.Before(expiresAt)
}
