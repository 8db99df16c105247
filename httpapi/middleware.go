package httpapi

import (
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"DendroDetServer/logger"
)

const (
	requestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"
)

// requestID tags the request for log correlation. A well-formed incoming id
// is kept; stored records get their own server-side id.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			logger.Log().Error("http request", fields...)
		case c.Writer.Status() >= http.StatusBadRequest:
			logger.Log().Warn("http request", fields...)
		default:
			logger.Log().Info("http request", fields...)
		}
	}
}

// recovery is gin's recovery with the panic routed to zap instead of stderr.
func recovery() gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(io.Discard, func(c *gin.Context, err any) {
		logger.Log().Error("handler panic",
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.Any("panic", err),
			zap.ByteString("stack", debug.Stack()))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"detail": "internal server error"})
	})
}

// multipartSlack covers form boundaries and part headers around the file.
const multipartSlack = 64 << 10

// limitBody rejects bodies that cannot fit an upload of limit bytes and caps
// the rest while they are read.
func limitBody(limit int64) gin.HandlerFunc {
	ceiling := limit + multipartSlack
	return func(c *gin.Context) {
		if c.Request.ContentLength > ceiling {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, tooLarge(limit))
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, ceiling)
		c.Next()
	}
}

func tooLarge(limit int64) gin.H {
	return gin.H{"detail": fmt.Sprintf("file exceeds the %d byte upload limit", limit)}
}

// cors answers preflight requests and echoes allowed origins. "*" allows any.
func cors(allowed []string) gin.HandlerFunc {
	wildcard := slices.Contains(allowed, "*")
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (wildcard || slices.Contains(allowed, origin)) {
			if wildcard {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", strings.Join([]string{"Content-Type", requestIDHeader}, ", "))
			c.Header("Access-Control-Expose-Headers", requestIDHeader)
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
