// Package fakebackend is an in-memory stand-in for the monitoring backend's
// REST and push API. Tests drive it directly; cmd/mock-backend serves it for
// local demos.
package fakebackend

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cankoe/bls-console/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Failure makes a route answer with Code and an optional detail.
type Failure struct {
	Code   int
	Detail string
}

type Backend struct {
	mu        sync.Mutex
	status    models.SystemStatus
	startedAt time.Time
	logs      []models.LogEntry // oldest first
	slots     []models.Slot
	found     []models.Slot
	failures  map[string]Failure
	calls     map[string]int
	conns     map[*websocket.Conn]struct{}
	rejectWS  bool
	connected chan struct{}

	upgrader websocket.Upgrader
}

func New() *Backend {
	return &Backend{
		status:    models.DefaultSystemStatus(),
		failures:  make(map[string]Failure),
		calls:     make(map[string]int),
		conns:     make(map[*websocket.Conn]struct{}),
		connected: make(chan struct{}, 16),
	}
}

// Handler builds the gin engine serving /api/* and /ws.
func (b *Backend) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api", b.count)
	{
		api.GET("/", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"message": "Appointment monitor", "version": "1.0.0"})
		})
		api.GET("/system/status", b.getStatus)
		api.POST("/system/start", b.startSystem)
		api.POST("/system/stop", b.stopSystem)
		api.GET("/logs", b.getLogs)
		api.GET("/appointments/available", b.getSlots)
		api.POST("/appointments/book", b.bookSlot)
		api.POST("/test/check-once", b.checkOnce)
	}
	r.GET("/ws", b.serveWS)
	return r
}

// Serve starts an httptest server. Callers close it.
func (b *Backend) Serve() *httptest.Server {
	gin.SetMode(gin.TestMode)
	return httptest.NewServer(b.Handler())
}

func APIURL(s *httptest.Server) string {
	return s.URL + "/api"
}

func WSURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
}

func routeKey(c *gin.Context) string {
	return c.Request.Method + " " + strings.TrimPrefix(c.FullPath(), "/api")
}

func (b *Backend) count(c *gin.Context) {
	key := routeKey(c)
	b.mu.Lock()
	b.calls[key]++
	f, failing := b.failures[key]
	b.mu.Unlock()

	if failing {
		if f.Detail != "" {
			c.AbortWithStatusJSON(f.Code, gin.H{"detail": f.Detail})
		} else {
			c.AbortWithStatus(f.Code)
		}
		return
	}
	c.Next()
}

// Calls reports how many requests hit route, e.g. "POST /system/start".
func (b *Backend) Calls(route string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[route]
}

// Fail makes route fail until Recover is called.
func (b *Backend) Fail(route string, f Failure) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[route] = f
}

func (b *Backend) Recover(route string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.failures, route)
}

func (b *Backend) SetStatus(s models.SystemStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = s.Clone()
}

func (b *Backend) SetSlots(slots ...models.Slot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.slots = append([]models.Slot(nil), slots...)
}

// SetCheckResult sets the slots the next check-once discovers.
func (b *Backend) SetCheckResult(found ...models.Slot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.found = append([]models.Slot(nil), found...)
}

// AddLog stores an entry, stamping id and timestamp when missing, and returns it.
func (b *Backend) AddLog(level models.LogLevel, step, message string) models.LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addLogLocked(level, step, message)
}

func (b *Backend) addLogLocked(level models.LogLevel, step, message string) models.LogEntry {
	e := models.LogEntry{
		ID:        uuid.NewString(),
		Level:     level,
		Step:      step,
		Message:   message,
		Timestamp: models.NewTimestamp(time.Now().UTC()),
	}
	b.logs = append(b.logs, e)
	return e
}

func (b *Backend) Slot(id string) (models.Slot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.slots {
		if s.ID == id {
			return s.Clone(), true
		}
	}
	return models.Slot{}, false
}

func (b *Backend) getStatus(c *gin.Context) {
	b.mu.Lock()
	status := b.status.Clone()
	if status.Status == models.StatusRunning && !b.startedAt.IsZero() {
		minutes := int(time.Since(b.startedAt).Minutes())
		status.UptimeMinutes = &minutes
	} else {
		status.UptimeMinutes = nil
	}
	b.mu.Unlock()
	c.JSON(http.StatusOK, status)
}

func (b *Backend) startSystem(c *gin.Context) {
	var req struct {
		CheckIntervalMinutes int `json:"check_interval_minutes" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": []gin.H{{"msg": "field required"}}})
		return
	}

	b.mu.Lock()
	if b.status.Status != models.StatusRunning {
		b.startedAt = time.Now()
	}
	b.status.Status = models.StatusRunning
	entry := b.addLogLocked(models.LevelSuccess, "SYSTEM_START",
		fmt.Sprintf("System started with %d minute intervals", req.CheckIntervalMinutes))
	b.mu.Unlock()

	b.broadcast(models.EventLog, entry)
	c.JSON(http.StatusOK, gin.H{"message": "System started successfully", "status": "running"})
}

func (b *Backend) stopSystem(c *gin.Context) {
	b.mu.Lock()
	b.status.Status = models.StatusStopped
	b.startedAt = time.Time{}
	entry := b.addLogLocked(models.LevelInfo, "SYSTEM_STOP", "System stopped")
	b.mu.Unlock()

	b.broadcast(models.EventLog, entry)
	c.JSON(http.StatusOK, gin.H{"message": "System stopped successfully", "status": "stopped"})
}

func (b *Backend) getLogs(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		limit = 100
	}
	level := models.LogLevel(c.Query("level"))

	b.mu.Lock()
	var out []models.LogEntry
	total := 0
	for i := len(b.logs) - 1; i >= 0; i-- {
		e := b.logs[i]
		if level != "" && e.Level != level {
			continue
		}
		total++
		if len(out) < limit {
			out = append(out, e)
		}
	}
	b.mu.Unlock()

	if out == nil {
		out = []models.LogEntry{}
	}
	c.JSON(http.StatusOK, models.LogPage{Logs: out, TotalCount: total})
}

func (b *Backend) getSlots(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))

	b.mu.Lock()
	out := make([]models.Slot, 0, len(b.slots))
	for _, s := range b.slots {
		if s.Status == models.SlotAvailable {
			out = append(out, s.Clone())
		}
	}
	b.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].FoundAt.After(out[j].FoundAt.Time) })
	total := len(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	c.JSON(http.StatusOK, models.SlotPage{Slots: out, TotalCount: total})
}

func (b *Backend) bookSlot(c *gin.Context) {
	var req struct {
		SlotID         string `json:"slot_id"`
		ConfirmBooking bool   `json:"confirm_booking"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": []gin.H{{"msg": err.Error()}}})
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	idx := -1
	for i, s := range b.slots {
		if s.ID == req.SlotID {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Appointment slot not found"})
		return
	}
	if !req.ConfirmBooking {
		c.JSON(http.StatusOK, gin.H{"message": "Please confirm booking", "slot": b.slots[idx]})
		return
	}
	if b.slots[idx].Status != models.SlotAvailable {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Failed to book appointment"})
		return
	}

	now := models.NewTimestamp(time.Now().UTC())
	confirmation := "BLS-" + strings.ToUpper(uuid.NewString()[:8])
	b.slots[idx].Status = models.SlotBooked
	b.slots[idx].BookingDetails = &models.BookingDetails{ConfirmationID: confirmation, BookedAt: &now}
	b.status.SuccessfulBookings++
	c.JSON(http.StatusOK, models.BookingResult{Message: "Appointment booked successfully!", ConfirmationID: confirmation})
}

func (b *Backend) checkOnce(c *gin.Context) {
	b.mu.Lock()
	found := b.found
	b.found = nil
	now := models.NewTimestamp(time.Now().UTC())
	for i := range found {
		if found[i].ID == "" {
			found[i].ID = uuid.NewString()
		}
		if found[i].FoundAt.IsZero() {
			found[i].FoundAt = now
		}
		b.slots = append(b.slots, found[i])
	}
	b.status.TotalChecks++
	b.status.SlotsFound += len(found)
	b.status.LastCheck = &now
	b.mu.Unlock()

	if found == nil {
		found = []models.Slot{}
	}
	if len(found) > 0 {
		b.broadcast(models.EventSlotsFound, models.SlotsFoundPayload{Slots: found})
	}
	c.JSON(http.StatusOK, models.CheckResult{Success: true, SlotsFound: len(found), Slots: found})
}
