package translate_routers

import (
	"github.com/gin-gonic/gin"

	healthCheckApi "github.com/rapidaai/translate/api/translate-api/api/health"
	"github.com/rapidaai/translate/api/translate-api/config"
	internal_session "github.com/rapidaai/translate/api/translate-api/internal/session"
	"github.com/rapidaai/translate/pkg/commons"
)

func HealthCheckRoutes(cfg *config.AppConfig, engine *gin.Engine, logger commons.Logger, manager *internal_session.Manager) {
	logger.Info("Internal HealthCheckRoutes added to engine.")
	apiv1 := engine.Group("")
	hcApi := healthCheckApi.New(cfg, logger, manager)
	{
		apiv1.GET("/readiness/", hcApi.Readiness)
		apiv1.GET("/healthz/", hcApi.Healthz)
	}
}
