package api

import (
	"errors"
	"net/http"

	"github.com/cankoe/bls-console/internal/actions"
	"github.com/cankoe/bls-console/internal/apiclient"
	"github.com/cankoe/bls-console/internal/console"
	"github.com/cankoe/bls-console/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// writeActionError maps gateway and backend errors onto HTTP statuses.
func writeActionError(c *gin.Context, route string, err error) {
	var apiErr *apiclient.APIError
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, actions.ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, actions.ErrNotConfirmed):
		status = http.StatusPreconditionRequired
	case errors.Is(err, actions.ErrInvalidInterval), errors.Is(err, actions.ErrMissingSlot):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &apiErr):
		status = http.StatusBadGateway
	case apiclient.IsTransport(err):
		status = http.StatusServiceUnavailable
	}

	log.Warn().Err(err).Str("route", route).Int("status", status).Msg("Action rejected")
	c.JSON(status, gin.H{"error": apiclient.UserMessage(err)})
}

func startHandler(s *console.Session) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			CheckIntervalMinutes int `json:"check_interval_minutes" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body. Expected {\"check_interval_minutes\": n}."})
			return
		}
		if err := s.Actions.Start(c.Request.Context(), req.CheckIntervalMinutes); err != nil {
			writeActionError(c, "POST /actions/start", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "System started", "status": s.Status.Current()})
	}
}

func requestStopHandler(s *console.Session) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.Actions.RequestStop()
		c.JSON(http.StatusOK, gin.H{"stop_gate": s.Actions.StopGate().String()})
	}
}

func cancelStopHandler(s *console.Session) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.Actions.CancelStop()
		c.JSON(http.StatusOK, gin.H{"stop_gate": s.Actions.StopGate().String()})
	}
}

func confirmStopHandler(s *console.Session) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.Actions.ConfirmStop(c.Request.Context()); err != nil {
			writeActionError(c, "POST /actions/stop/confirm", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "System stopped", "status": s.Status.Current()})
	}
}

func testCheckHandler(s *console.Session) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := s.Actions.RunTestCheck(c.Request.Context())
		if err != nil {
			writeActionError(c, "POST /actions/test", err)
			return
		}
		slots := res.Slots
		if slots == nil {
			slots = []models.Slot{}
		}
		c.JSON(http.StatusOK, gin.H{"success": res.Success, "slots_found": res.SlotsFound, "slots": slots})
	}
}

func bookHandler(s *console.Session) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			SlotID         string `json:"slot_id"`
			ConfirmBooking bool   `json:"confirm_booking"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body. Expected {\"slot_id\": ..., \"confirm_booking\": true}."})
			return
		}
		id, err := s.Actions.BookSlot(c.Request.Context(), actions.BookingRequest{SlotID: req.SlotID, ConfirmBooking: req.ConfirmBooking})
		if err != nil {
			writeActionError(c, "POST /actions/book", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Appointment booked", "confirmation_id": id})
	}
}

// refreshHandler re-polls status, reloads the log page and refreshes slots.
func refreshHandler(s *console.Session) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		var failures []string
		if err := s.PollNow(ctx); err != nil {
			failures = append(failures, apiclient.UserMessage(err))
		}
		if err := s.SetLogFilter(ctx, s.Logs.Filter().Level); err != nil {
			failures = append(failures, apiclient.UserMessage(err))
		}
		if _, err := s.Slots.Refresh(ctx, 0); err != nil {
			failures = append(failures, apiclient.UserMessage(err))
		}
		if len(failures) > 0 {
			log.Warn().Strs("failures", failures).Str("route", "POST /actions/refresh").Msg("Refresh incomplete")
			c.JSON(http.StatusBadGateway, gin.H{"error": "Refresh incomplete", "failures": failures})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Refreshed"})
	}
}

func logFilterHandler(s *console.Session) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Level models.LogLevel `json:"level"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body. Expected {\"level\": \"error\"}."})
			return
		}
		if req.Level != "" && !req.Level.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown log level. Use info, success, warning or error."})
			return
		}
		if err := s.SetLogFilter(c.Request.Context(), req.Level); err != nil {
			writeActionError(c, "POST /actions/logs/filter", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"filter": filterJSON(s.Logs.Filter()), "count": s.Logs.Len()})
	}
}
