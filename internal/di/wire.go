package di

import (
	"context"
	"fmt"

	"github.com/aristath/yieldrouter/internal/config"
	"github.com/rs/zerolog"
)

// Wire initializes all dependencies and returns a configured container.
// Order of operations:
// 1. Initialize the database
// 2. Initialize repositories
// 3. Configure venues
// 4. Initialize services
// 5. Register maintenance jobs
func Wire(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container, err := InitializeDatabases(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize databases: %w", err)
	}

	steps := []struct {
		name string
		fn   func() error
	}{
		{"repositories", func() error { return InitializeRepositories(container, log) }},
		{"venues", func() error { return InitializeVenues(ctx, container, cfg, log) }},
		{"services", func() error { return InitializeServices(ctx, container, cfg, log) }},
		{"jobs", func() error { return RegisterJobs(container, log) }},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			container.DB.Close()
			return nil, fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
	}

	log.Info().Msg("Dependency injection wiring completed successfully")
	return container, nil
}
