// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file handles caller identity. The public API sits behind an
// authenticating gateway that forwards the user id in X-User-ID; admin
// endpoints require an HS256 bearer token with role "admin".
package middleware

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// userIDKey is the Gin context key holding the caller's user id.
	userIDKey = "userID"
	// HeaderUserID carries the authenticated user id from the gateway.
	HeaderUserID = "X-User-ID"
	// adminSubjectKey holds the admin token subject.
	adminSubjectKey = "adminSubject"
)

// AdminClaims is the JWT payload accepted by AdminAuth.
type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// UserIdentity copies X-User-ID into the Gin context. Requests without it
// continue anonymously; handlers that need a user reject them.
func UserIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if uid := strings.TrimSpace(c.GetHeader(HeaderUserID)); uid != "" && len(uid) <= 64 {
			c.Set(userIDKey, uid)
		}
		c.Next()
	}
}

// UserID returns the caller's user id, if known.
func UserID(c *gin.Context) (string, bool) {
	v, ok := c.Get(userIDKey)
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, s != ""
}

// AdminAuth validates "Authorization: Bearer <jwt>" against secret. An empty
// secret disables the check (development only) and logs a warning once.
func AdminAuth(secret string) gin.HandlerFunc {
	if secret == "" {
		var once sync.Once
		return func(c *gin.Context) {
			once.Do(func() {
				LoggerFrom(c).Warn().Bool("security", true).Msg("admin endpoints are unauthenticated: ADMIN_JWT_SECRET is empty")
			})
			c.Next()
		}
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30*time.Second),
	)
	key := []byte(secret)

	return func(c *gin.Context) {
		raw, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			denyAdmin(c, http.StatusUnauthorized, "unauthorized", "missing bearer token", nil)
			return
		}

		var claims AdminClaims
		_, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) { return key, nil })
		if err != nil {
			denyAdmin(c, http.StatusUnauthorized, "unauthorized", "invalid token", err)
			return
		}
		if claims.Role != "admin" {
			denyAdmin(c, http.StatusForbidden, "forbidden", "admin role required", errors.New("role "+claims.Role))
			return
		}

		c.Set(adminSubjectKey, claims.Subject)
		c.Next()
	}
}

func bearerToken(h string) (string, bool) {
	const prefix = "bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	tok := strings.TrimSpace(h[len(prefix):])
	return tok, tok != ""
}

func denyAdmin(c *gin.Context, status int, code, msg string, err error) {
	ev := LoggerFrom(c).Warn().Bool("security", true).Str("remote_ip", c.ClientIP())
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("admin request rejected")

	c.AbortWithStatusJSON(status, gin.H{
		"request_id": c.Writer.Header().Get(requestIDHeader),
		"code":       code,
		"message":    msg,
	})
}
