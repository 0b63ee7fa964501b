package middleware

import (
	"strings"
	"time"

	"eloits-rewards-engine/pkg/errutil"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	ContextUserID = "auth.user_id"
	ContextRole   = "auth.role"

	RoleAdmin = "admin"
)

type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Auth validates the bearer token and stores the caller identity on the
// request context. Handlers decide owner-or-admin on top of this.
func Auth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			abort(c, errutil.Unauthorized("missing bearer token", nil))
			return
		}

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(strings.TrimPrefix(header, "Bearer "), claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid || claims.Subject == "" {
			abort(c, errutil.Unauthorized("invalid token", err))
			return
		}

		c.Set(ContextUserID, claims.Subject)
		c.Set(ContextRole, claims.Role)
		c.Next()
	}
}

// RequireAdmin rejects non-admin callers. Must run after Auth.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ContextRole) != RoleAdmin {
			abort(c, errutil.Forbidden("admin role required", nil))
			return
		}
		c.Next()
	}
}

// IsOwnerOrAdmin reports whether the caller may act on the given user's data.
func IsOwnerOrAdmin(c *gin.Context, userID string) bool {
	return c.GetString(ContextUserID) == userID || c.GetString(ContextRole) == RoleAdmin
}

// IssueToken mints an HS256 token for the given subject and role.
func IssueToken(secret, subject, role string, ttl time.Duration) (string, error) {
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func abort(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}
