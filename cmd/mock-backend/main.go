package main

import (
	"flag"
	"fmt"
	"net/http"
	"time"

	"github.com/cankoe/bls-console/internal/fakebackend"
	"github.com/cankoe/bls-console/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// mock-backend serves the in-memory backend so the console can be tried
// without the automation worker. Every test check discovers one new slot.
func main() {
	port := flag.Int("port", 8001, "Port to listen on")
	flag.Parse()

	gin.SetMode(gin.ReleaseMode)
	backend := fakebackend.New()
	backend.AddLog(models.LevelInfo, "BOOT", "Mock backend ready")
	backend.SetCheckResult(demoSlot())
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			backend.SetCheckResult(demoSlot())
		}
	}()

	addr := fmt.Sprintf(":%d", *port)
	log.Info().Str("addr", addr).Msg("Mock backend listening, API under /api, push under /ws")
	if err := http.ListenAndServe(addr, backend.Handler()); err != nil {
		log.Fatal().Err(err).Msg("Mock backend failed")
	}
}

func demoSlot() models.Slot {
	return models.Slot{
		Status:          models.SlotAvailable,
		VisaType:        "Spain Visa",
		VisaCategory:    "Tourism",
		Location:        "Algiers",
		AppointmentDate: models.DateTBD,
		AppointmentTime: models.DateTBD,
		AvailableSlots:  1,
	}
}
