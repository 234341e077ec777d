package translate_routers

import (
	"github.com/gin-gonic/gin"

	translateTalkApi "github.com/rapidaai/translate/api/translate-api/api/talk"
	"github.com/rapidaai/translate/api/translate-api/config"
	internal_session "github.com/rapidaai/translate/api/translate-api/internal/session"
	"github.com/rapidaai/translate/pkg/commons"
)

func TranslateApiRoute(
	cfg *config.AppConfig, engine *gin.Engine, logger commons.Logger,
	manager *internal_session.Manager) {
	apiv1 := engine.Group("v1/translate")
	talkApi := translateTalkApi.NewTranslateApi(cfg, logger, manager)
	{
		// ws://localhost:9100/v1/translate/stream
		apiv1.GET("/stream", talkApi.Stream)
		apiv1.GET("/stats", talkApi.Stats)
	}
}
