package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// APIKeyMiddleware requires X-API-KEY to match apiKey. An empty apiKey
// disables the check.
func APIKeyMiddleware(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey == "" {
			c.Next()
			return
		}
		providedKey := c.GetHeader("X-API-KEY")
		if providedKey == "" || subtle.ConstantTimeCompare([]byte(providedKey), []byte(apiKey)) != 1 {
			log.Warn().Str("middleware", "APIKeyMiddleware").Str("path", c.FullPath()).Msg("Invalid or missing API key")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or missing API key"})
			return
		}

		log.Debug().Str("path", c.FullPath()).Msg("API key validated, proceeding with request")
		c.Next()
	}
}

// RequestLogger logs one line per request at debug, warn for 4xx and error for 5xx.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		status := c.Writer.Status()
		ev := log.Debug()
		switch {
		case status >= http.StatusInternalServerError:
			ev = log.Error()
		case status >= http.StatusBadRequest:
			ev = log.Warn()
		}
		ev.Str("method", c.Request.Method).Str("route", c.FullPath()).Int("status", status).Msg("Handled request")
	}
}
