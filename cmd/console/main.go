package main

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/cankoe/bls-console/internal/helpers"
	"github.com/cankoe/bls-console/internal/tui"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog/log"
)

// defaultLogFile keeps log output off the terminal the UI draws on.
const defaultLogFile = "bls-console.log"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := helpers.InitializeCommonComponents(ctx, "console", os.Args[1:], defaultLogFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	session, err := components.NewSession(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := session.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Session stopped with error")
		}
	}()

	model := tui.New(session, components.Config.Monitor.CheckIntervalMinutes)
	if _, err := tea.NewProgram(model, tea.WithAltScreen()).Run(); err != nil {
		log.Error().Err(err).Msg("Console exited with error")
	}

	cancel()
	wg.Wait()
	components.CloseAll(context.Background())
}
