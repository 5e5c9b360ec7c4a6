package server

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/aristath/yieldrouter/internal/database"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemHandlers serves host and process health
type SystemHandlers struct {
	log         zerolog.Logger
	dataDir     string
	startupTime time.Time
	db          *database.DB
}

// SystemStatsResponse is returned by GET /api/system
type SystemStatsResponse struct {
	UptimeSeconds  float64         `json:"uptime_seconds"`
	CPUPercent     float64         `json:"cpu_percent"`
	RAMPercent     float64         `json:"ram_percent"`
	DiskPercent    float64         `json:"disk_percent"`
	DiskFreeMB     float64         `json:"disk_free_mb"`
	Goroutines     int             `json:"goroutines"`
	HeapAllocMB    float64         `json:"heap_alloc_mb"`
	Database       *database.Stats `json:"database,omitempty"`
	DatabaseHealth string          `json:"database_health"`
}

// NewSystemHandlers creates system handlers. db may be nil.
func NewSystemHandlers(log zerolog.Logger, dataDir string, db *database.DB) *SystemHandlers {
	return &SystemHandlers{
		log:         log.With().Str("component", "system_handlers").Logger(),
		dataDir:     dataDir,
		startupTime: time.Now(),
		db:          db,
	}
}

// HandleSystemStats returns CPU, memory, disk and database statistics
func (h *SystemHandlers) HandleSystemStats(w http.ResponseWriter, r *http.Request) {
	cpuPercent, ramPercent := h.getSystemStats()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	response := SystemStatsResponse{
		UptimeSeconds:  time.Since(h.startupTime).Seconds(),
		CPUPercent:     cpuPercent,
		RAMPercent:     ramPercent,
		Goroutines:     runtime.NumGoroutine(),
		HeapAllocMB:    float64(ms.HeapAlloc) / 1024 / 1024,
		DatabaseHealth: "unknown",
	}

	if h.dataDir != "" {
		if usage, err := disk.Usage(h.dataDir); err != nil {
			h.log.Warn().Err(err).Str("dir", h.dataDir).Msg("Failed to get disk usage")
		} else {
			response.DiskPercent = usage.UsedPercent
			response.DiskFreeMB = float64(usage.Free) / 1024 / 1024
		}
	}

	if h.db != nil {
		if stats, err := h.db.GetStats(); err != nil {
			h.log.Warn().Err(err).Msg("Failed to get database stats")
		} else {
			response.Database = stats
		}
		response.DatabaseHealth = "healthy"
		if err := h.db.QuickCheck(r.Context()); err != nil {
			response.DatabaseHealth = err.Error()
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode system stats")
	}
}

// getSystemStats returns CPU and RAM usage percentages.
// CPU is sampled over 100ms to keep the endpoint responsive.
func (h *SystemHandlers) getSystemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	return cpuAvg, memStat.UsedPercent
}
