package v1

import (
	"github.com/gin-gonic/gin"

	"mindmitra/services/couples-api/internal/interfaces/httpserver/handlers"
)

func registerSessionRoutes(router gin.IRoutes, handler *handlers.SessionHandler) {
	router.POST("/sessions", handler.Create)
	router.POST("/sessions/join", handler.Join)
	router.GET("/sessions/:session_id", handler.Get)
	router.GET("/sessions/:session_id/messages", handler.ListMessages)
	router.GET("/sessions/:session_id/events", handler.Watch)
	router.POST("/sessions/:session_id/messages", handler.AppendMessage)
	router.POST("/sessions/:session_id/turns", handler.StartTurn)
}
