package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cankoe/bls-console/internal/api"
	"github.com/cankoe/bls-console/internal/audit"
	"github.com/cankoe/bls-console/internal/helpers"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Msgf("Received signal %s, shutting down agent gracefully...", sig)
		cancel()
	}()

	components, err := helpers.InitializeCommonComponents(ctx, "agent", os.Args[1:], "")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialise agent")
	}

	session, err := components.NewSession(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build session")
	}

	var history api.History
	if components.MongoDatabase != nil {
		history = audit.NewRecorder(components.MongoDatabase)
	}

	gin.SetMode(gin.ReleaseMode)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", components.Config.Server.Port),
		Handler:           api.NewRouter(session, components.Config.Server.APIKey, history),
		ReadHeaderTimeout: 10 * time.Second,
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := session.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Session stopped with error")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Str("addr", server.Addr).Msg("State API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("State API failed")
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to shut down state API")
	}

	wg.Wait()
	components.CloseAll(context.Background())
	log.Info().Msg("Agent exited gracefully")
}
