package handlers

import (
	"net/http"

	"github.com/shellpod/shellpod/internal/instance"
	"github.com/shellpod/shellpod/internal/registry"
)

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if registry.DB != nil {
		sqlDB, err := registry.DB.DB()
		if err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	orchStatus := "disconnected"
	orchBackend := "none"
	if orch := instance.Get(); orch != nil {
		orchStatus = "connected"
		orchBackend = orch.BackendName()
	}

	status := "healthy"
	if dbStatus != "connected" {
		status = "unhealthy"
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":               status,
		"orchestrator":         orchStatus,
		"orchestrator_backend": orchBackend,
		"database":             dbStatus,
	})
}
