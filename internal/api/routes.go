// Package api serves the reconciled console state over HTTP so thin UIs and
// scripts can follow the worker without their own push connection.
package api

import (
	"context"

	apimw "github.com/cankoe/bls-console/api"
	"github.com/cankoe/bls-console/internal/console"
	"github.com/cankoe/bls-console/internal/models"

	"github.com/gin-gonic/gin"
)

// History lists operator actions. The Mongo audit recorder implements it.
type History interface {
	Recent(ctx context.Context, limit int64) ([]models.ActionAttempt, error)
	// Open lists attempts never finished, whose outcome only the server knows.
	Open(ctx context.Context) ([]models.ActionAttempt, error)
}

// RegisterRoutes mounts read-only state under /state and, behind the API key,
// commands under /actions. history may be nil.
func RegisterRoutes(r *gin.Engine, s *console.Session, apiKey string, history History) {
	r.GET("/healthz", healthHandler(s))

	state := r.Group("/state")
	{
		state.GET("/status", statusHandler(s))
		state.GET("/logs", logsHandler(s))
		state.GET("/slots", slotsHandler(s))
		state.GET("/connection", connectionHandler(s))
		state.GET("/actions", actionStateHandler(s))
		if history != nil {
			state.GET("/actions/history", historyHandler(history))
			state.GET("/actions/open", openAttemptsHandler(history))
		}
	}

	cmds := r.Group("/actions", apimw.APIKeyMiddleware(apiKey))
	{
		cmds.POST("/start", startHandler(s))
		cmds.POST("/stop/request", requestStopHandler(s))
		cmds.POST("/stop/confirm", confirmStopHandler(s))
		cmds.POST("/stop/cancel", cancelStopHandler(s))
		cmds.POST("/test", testCheckHandler(s))
		cmds.POST("/book", bookHandler(s))
		cmds.POST("/refresh", refreshHandler(s))
		cmds.POST("/logs/filter", logFilterHandler(s))
	}
}

// NewRouter builds the engine with recovery and request logging.
func NewRouter(s *console.Session, apiKey string, history History) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), apimw.RequestLogger())
	RegisterRoutes(r, s, apiKey, history)
	return r
}
