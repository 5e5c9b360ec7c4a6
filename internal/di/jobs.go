package di

import (
	"fmt"

	"github.com/aristath/yieldrouter/internal/scheduler"
	"github.com/rs/zerolog"
)

// Maintenance schedules
const (
	walCheckpointSchedule  = "30 3 * * *"
	integrityCheckSchedule = "0 4 * * 0"
	backupSchedule         = "0 3 * * *"
)

// RegisterJobs builds the maintenance scheduler. It is not started here.
func RegisterJobs(container *Container, log zerolog.Logger) error {
	if container == nil || container.DB == nil {
		return fmt.Errorf("container database not initialized")
	}

	m := scheduler.NewMaintenance(log)
	if err := m.AddJob(walCheckpointSchedule, scheduler.NewWALCheckpointJob(container.DB, log)); err != nil {
		return err
	}
	if err := m.AddJob(integrityCheckSchedule, scheduler.NewIntegrityCheckJob(container.DB, log)); err != nil {
		return err
	}
	if container.Backup != nil {
		if err := m.AddJob(backupSchedule, container.Backup); err != nil {
			return err
		}
	}
	container.Maintenance = m
	return nil
}
