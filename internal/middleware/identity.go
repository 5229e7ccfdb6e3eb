package middleware

// identity.go holds the context keys JWTAuth fills in and the accessors the
// handlers and the rate limiter read them with.

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	userIDKey = "user_id"
	roleKey   = "role"
)

// Roles carried in the access token.
const (
	RoleCustomer = "CUSTOMER"
	RoleOwner    = "OWNER"
)

// UserID returns the authenticated user id.  ok is false on routes that
// did not run JWTAuth.
func UserID(c echo.Context) (id uint64, ok bool) {
	id, ok = c.Get(userIDKey).(uint64)
	return id, ok && id != 0
}

// Role returns the authenticated role or "".
func Role(c echo.Context) string {
	r, _ := c.Get(roleKey).(string)
	return r
}

// subjectID accepts the numeric forms a "sub" claim arrives in: JSON
// numbers decode as float64, other issuers send decimal strings.
func subjectID(v any) (uint64, bool) {
	switch t := v.(type) {
	case float64:
		if t <= 0 || t != float64(uint64(t)) {
			return 0, false
		}
		return uint64(t), true
	case string:
		n, err := strconv.ParseUint(t, 10, 64)
		return n, err == nil && n != 0
	}
	return 0, false
}

// rateKeyUser identifies the caller in rate-limit keys.
func rateKeyUser(c echo.Context) string {
	if id, ok := UserID(c); ok {
		return strconv.FormatUint(id, 10)
	}
	return "anon"
}
