// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package translate_talk_api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/rapidaai/translate/api/translate-api/config"
	internal_session "github.com/rapidaai/translate/api/translate-api/internal/session"
	internal_type "github.com/rapidaai/translate/api/translate-api/internal/type"
	internal_wire "github.com/rapidaai/translate/api/translate-api/internal/wire"
	"github.com/rapidaai/translate/pkg/commons"
)

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type TranslateApi struct {
	cfg     *config.AppConfig
	logger  commons.Logger
	manager *internal_session.Manager
}

func NewTranslateApi(cfg *config.AppConfig, logger commons.Logger, manager *internal_session.Manager) *TranslateApi {
	return &TranslateApi{
		cfg:     cfg,
		logger:  logger,
		manager: manager,
	}
}

// Stream upgrades the request and runs one translation session on the
// socket until the peer hangs up. Everything after the upgrade speaks the
// session wire protocol, including failures.
//
// @Router /v1/translate/stream [get]
// @Summary Open a realtime translation session
// @Description Upgrades to WebSocket and streams translated audio and text
// @Success 101 "Switching Protocols"
// @Failure 400 {object} gin.H
func (tApi *TranslateApi) Stream(c *gin.Context) {
	conn, err := streamUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		tApi.logger.Errorf("WebSocket upgrade failed: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unable to upgrade to WebSocket"})
		return
	}

	sess, err := tApi.manager.Create(conn)
	if err != nil {
		tApi.logger.Errorf("unable to start translation session: %v", err)
		tApi.sendErrorAndClose(conn, commons.ErrCodeInternal,
			"Unable to start translation session, please try again in sometime.")
		return
	}

	sess.Run()
}

// Stats reports per-session pipeline counters.
//
// @Router /v1/translate/stats [get]
// @Summary Live session statistics
// @Produce json
// @Success 200 {object} internal_session.Stats
func (tApi *TranslateApi) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, tApi.manager.Stats())
}

// sendErrorAndClose reports a pre-session failure on the freshly upgraded
// socket and closes it.
func (tApi *TranslateApi) sendErrorAndClose(conn *websocket.Conn, code, message string) {
	payload, err := internal_wire.Encode(internal_type.NewErrorFrame(code, message))
	if err == nil {
		_ = conn.WriteMessage(websocket.TextMessage, payload)
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseInternalServerErr, ""))
	_ = conn.Close()
}
