package auth

import (
	"net/http"
	"strings"
)

// DefaultCookieName is the cookie that carries the token.
const DefaultCookieName = "sqlpoint_token"

// TokenFromRequest returns the presented token: the named cookie if set,
// otherwise an Authorization bearer token. It returns "" if neither is
// present.
func TokenFromRequest(r *http.Request, cookieName string) string {
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
		return c.Value
	}
	h := r.Header.Get("Authorization")
	if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return ""
}
