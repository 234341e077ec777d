package health_check_api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rapidaai/translate/api/translate-api/config"
	internal_session "github.com/rapidaai/translate/api/translate-api/internal/session"
	"github.com/rapidaai/translate/pkg/commons"
)

type healthCheckApi struct {
	cfg     *config.AppConfig
	logger  commons.Logger
	manager *internal_session.Manager
}

func New(cfg *config.AppConfig, logger commons.Logger, manager *internal_session.Manager) *healthCheckApi {
	return &healthCheckApi{
		cfg:     cfg,
		logger:  logger,
		manager: manager,
	}
}

// Healthz reports process liveness.
func (hcApi *healthCheckApi) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": hcApi.cfg.Name,
		"version": hcApi.cfg.Version,
	})
}

// Readiness reports whether the service can take new sessions.
func (hcApi *healthCheckApi) Readiness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"service":         hcApi.cfg.Name,
		"active_sessions": hcApi.manager.Count(),
	})
}
