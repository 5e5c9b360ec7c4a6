package di

import (
	"fmt"
	"path/filepath"

	"github.com/aristath/yieldrouter/internal/config"
	"github.com/aristath/yieldrouter/internal/database"
	"github.com/rs/zerolog"
)

// InitializeDatabases opens yieldrouter.db and applies its schema
func InitializeDatabases(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container := &Container{}

	// yieldrouter.db - positions and the recommendation/execution audit trail
	db, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "yieldrouter.db"),
		Profile: database.ProfileLedger,
		Name:    "yieldrouter",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize yieldrouter database: %w", err)
	}

	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply yieldrouter schema: %w", err)
	}
	container.DB = db

	log.Info().Str("path", db.Path()).Msg("Database initialized")
	return container, nil
}
