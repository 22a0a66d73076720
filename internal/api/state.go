package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/cankoe/bls-console/internal/console"
	"github.com/cankoe/bls-console/internal/logstream"
	"github.com/cankoe/bls-console/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

func healthHandler(s *console.Session) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := s.Health()
		c.JSON(http.StatusOK, gin.H{"ok": true, "degraded": h.Degraded})
	}
}

func statusHandler(s *console.Session) gin.HandlerFunc {
	return func(c *gin.Context) {
		source, appliedAt := s.Status.LastSource()
		resp := gin.H{"status": s.Status.Current(), "source": source}
		if !appliedAt.IsZero() {
			resp["applied_at"] = appliedAt.UTC()
		}
		c.JSON(http.StatusOK, resp)
	}
}

// logsHandler returns the retained stream, narrowed by ?q= (message or step
// substring) and ?level=. Neither changes the stream itself.
func logsHandler(s *console.Session) gin.HandlerFunc {
	return func(c *gin.Context) {
		level := models.LogLevel(strings.ToLower(c.Query("level")))
		if level != "" && !level.Valid() {
			log.Warn().Str("route", "GET /state/logs").Str("level", string(level)).Msg("Unknown log level")
			c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown log level. Use info, success, warning or error."})
			return
		}

		entries := s.Logs.Search(c.Query("q"))
		if level != "" {
			kept := entries[:0]
			for _, e := range entries {
				if e.Level == level {
					kept = append(kept, e)
				}
			}
			entries = kept
		}

		c.JSON(http.StatusOK, gin.H{
			"logs":        entries,
			"count":       len(entries),
			"total_count": s.Logs.TotalCount(),
			"filter":      filterJSON(s.Logs.Filter()),
		})
	}
}

func filterJSON(f logstream.Filter) gin.H {
	return gin.H{"limit": f.Limit, "level": f.Level}
}

func slotsHandler(s *console.Session) gin.HandlerFunc {
	return func(c *gin.Context) {
		var slots []models.Slot
		if available, _ := strconv.ParseBool(c.Query("available")); available {
			slots = s.Slots.Available()
		} else {
			slots = s.Slots.Slots()
		}
		resp := gin.H{"slots": slots, "total_count": s.Slots.TotalCount()}
		if at := s.Slots.RefreshedAt(); !at.IsZero() {
			resp["refreshed_at"] = at.UTC()
		}
		c.JSON(http.StatusOK, resp)
	}
}

func connectionHandler(s *console.Session) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, s.Health())
	}
}

func actionStateHandler(s *console.Session) gin.HandlerFunc {
	return func(c *gin.Context) {
		kinds := []models.ActionKind{models.ActionStart, models.ActionStop, models.ActionTest, models.ActionBook}
		inFlight := gin.H{}
		outcomes := gin.H{}
		for _, k := range kinds {
			inFlight[string(k)] = s.Actions.InFlight(k)
			if o, ok := s.Actions.LastOutcome(k); ok {
				outcomes[string(k)] = gin.H{"ok": o.OK, "message": o.Message, "at": o.At.UTC()}
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"in_flight": inFlight,
			"stop_gate": s.Actions.StopGate().String(),
			"outcomes":  outcomes,
		})
	}
}

func historyHandler(history History) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, err := strconv.ParseInt(c.DefaultQuery("limit", "50"), 10, 64)
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		attempts, err := history.Recent(c.Request.Context(), limit)
		if err != nil {
			log.Error().Err(err).Str("route", "GET /state/actions/history").Msg("Failed to fetch action history")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch action history."})
			return
		}
		if attempts == nil {
			attempts = []models.ActionAttempt{}
		}
		c.JSON(http.StatusOK, gin.H{"actions": attempts})
	}
}

func openAttemptsHandler(history History) gin.HandlerFunc {
	return func(c *gin.Context) {
		attempts, err := history.Open(c.Request.Context())
		if err != nil {
			log.Error().Err(err).Str("route", "GET /state/actions/open").Msg("Failed to fetch open actions")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch open actions."})
			return
		}
		if attempts == nil {
			attempts = []models.ActionAttempt{}
		}
		c.JSON(http.StatusOK, gin.H{"actions": attempts, "count": len(attempts)})
	}
}
