package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
)

// DefaultCookie is the cookie the browser client stores its token in.
const DefaultCookie = "token"

const userKey = "userId"

// Claims is the token body. UserID scopes every session and message query.
type Claims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token for user. A zero ttl means no expiry.
func IssueToken(secret []byte, user string, ttl time.Duration, now time.Time) (string, error) {
	if len(secret) == 0 {
		return "", fmt.Errorf("api: jwt secret is empty")
	}
	if user == "" {
		return "", fmt.Errorf("api: user is required")
	}
	claims := Claims{
		UserID: user,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  user,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseToken verifies a token and returns its claims.
func ParseToken(secret []byte, raw string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, errors.New("token is not valid")
	}
	if claims.UserID == "" {
		return nil, errors.New("token has no userId")
	}
	return claims, nil
}

// requireAuth reads the token from the cookie or a Bearer header.
func requireAuth(secret []byte, cookie string) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, _ := c.Cookie(cookie)
		if raw == "" {
			if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
				raw = strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
			}
		}
		if raw == "" {
			fail(c, http.StatusUnauthorized, "No token, authorization denied", nil)
			c.Abort()
			return
		}
		claims, err := ParseToken(secret, raw)
		if err != nil {
			fail(c, http.StatusUnauthorized, "Token is not valid", nil)
			c.Abort()
			return
		}
		c.Set(userKey, claims.UserID)
		c.Next()
	}
}

func currentUser(c *gin.Context) string {
	return c.GetString(userKey)
}
