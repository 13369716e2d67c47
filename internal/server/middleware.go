package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bhandras/tonconnect/internal/crypto"
	"github.com/bhandras/tonconnect/pkg/logger"
	"github.com/gin-gonic/gin"
)

const claimsKey = "claims"

// loggingMiddleware logs each request and records it in the request
// metrics.
func loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		requests.WithLabelValues(route, strconv.Itoa(status)).Inc()

		if raw != "" {
			path = path + "?" + raw
		}
		logger.Debugf("[%s] %s - %d (%v)", c.Request.Method, path, status, latency)
	}
}

// authMiddleware validates bearer proof tokens.
func authMiddleware(jwtManager *crypto.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: "missing authorization header"})
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: "invalid authorization header format"})
			return
		}

		claims, err := jwtManager.VerifyToken(parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: "invalid token"})
			return
		}

		c.Set(claimsKey, claims)
		c.Next()
	}
}

func claimsFrom(c *gin.Context) (*crypto.TokenClaims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*crypto.TokenClaims)
	return claims, ok
}
