package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ugc/server/internal/auth"
	"ugc/server/internal/telemetry"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	ctxTraceID = "trace_id"
	ctxUserID  = "user_id"
	ctxEmail   = "email"
	ctxRole    = "role"
)

func TraceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := strings.TrimSpace(c.GetHeader("X-Trace-Id"))
		if traceID == "" {
			if v7, err := uuid.NewV7(); err == nil {
				traceID = v7.String()
			} else {
				traceID = uuid.NewString()
			}
		}
		c.Set(ctxTraceID, traceID)
		c.Writer.Header().Set("X-Trace-Id", traceID)
		c.Next()
	}
}

func RequestLogMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		telemetry.HTTPRequestDuration.
			WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).
			Observe(latency.Seconds())
		logger.Info("http_request",
			"trace_id", traceIDFromContext(c),
			"user_id", userIDFromContext(c),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency_ms", latency.Milliseconds(),
		)
	}
}

// AuthMiddleware accepts a bearer token, or an access_token query parameter
// on event streams where browsers cannot set headers.
func AuthMiddleware(authSvc *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			writeUnauthorized(c)
			c.Abort()
			return
		}
		claims, err := authSvc.ParseAccess(token)
		if err != nil {
			if errors.Is(err, auth.ErrTokenExpired) {
				writeError(c, http.StatusUnauthorized, "TOKEN_EXPIRED", "Access token expired", false, nil)
			} else {
				writeUnauthorized(c)
			}
			c.Abort()
			return
		}
		c.Set(ctxUserID, claims.UserID)
		c.Set(ctxEmail, claims.Email)
		c.Set(ctxRole, string(claims.Role))
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	const prefix = "Bearer "
	if header := c.GetHeader("Authorization"); header != "" {
		if !strings.HasPrefix(header, prefix) {
			return "", false
		}
		token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
		return token, token != ""
	}
	if strings.HasSuffix(c.FullPath(), "/events") {
		if token := c.Query("access_token"); token != "" {
			return token, true
		}
	}
	return "", false
}

func traceIDFromContext(c *gin.Context) string {
	if v, ok := c.Get(ctxTraceID); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func userIDFromContext(c *gin.Context) string {
	if v, ok := c.Get(ctxUserID); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func requireJSON(c *gin.Context) bool {
	if c.ContentType() == "" {
		return true
	}
	if strings.Contains(c.ContentType(), "application/json") {
		return true
	}
	writeError(c, http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA_TYPE", "Content-Type must be application/json", false, nil)
	return false
}
