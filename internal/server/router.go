package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glamour29/chat-app/internal/auth"
	"github.com/glamour29/chat-app/internal/config"
	"github.com/glamour29/chat-app/internal/metrics"
	"github.com/glamour29/chat-app/internal/mw"
	"github.com/glamour29/chat-app/internal/service"
	"github.com/glamour29/chat-app/internal/ws"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, db *gorm.DB, hub *ws.Hub, presence *ws.Presence) *gin.Engine {
	userSvc := service.NewUserService(db, cfg)
	roomSvc := service.NewRoomService(db)
	msgSvc := service.NewMessageService(db)
	sess := ws.NewSession(hub, presence, userSvc, roomSvc, msgSvc)
	h := NewHandler(userSvc, roomSvc, msgSvc, presence)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env))
	// 控制单个 IP+路由的速率，挡住异常客户端的刷接口行为。
	r.Use(mw.RateLimit(rate.Every(time.Second/20), 40))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")

	api.POST("/auth/register", h.Register)
	api.POST("/auth/login", h.Login)
	api.POST("/auth/refresh", h.RefreshToken)

	// 需要 Bearer Token 的业务接口。
	authed := api.Group("")
	authed.Use(auth.AuthMiddleware(cfg, db))

	authed.GET("/users", h.ListUsers)
	authed.GET("/users/search", h.SearchUsers)
	authed.PUT("/users/me", h.UpdateProfile)

	authed.POST("/friends/requests", h.SendFriendRequest)
	authed.POST("/friends/accept", h.AcceptFriendRequest)
	authed.GET("/friends", h.ListFriends)
	authed.GET("/friends/requests", h.ListPendingRequests)

	authed.GET("/rooms", h.ListRooms)
	authed.POST("/rooms/private", h.GetPrivateRoom)
	authed.POST("/rooms/group", h.CreateGroup)
	authed.PUT("/rooms/:id/flags", h.SetRoomFlag)
	authed.GET("/rooms/:id/messages", h.ListMessages)
	authed.GET("/rooms/:id/messages/pinned", h.ListPinnedMessages)

	authed.PUT("/messages/:id/seen", h.MarkSeen)
	authed.PUT("/messages/:id/pin", h.PinMessage)

	r.GET("/ws", ws.Serve(sess, db, cfg))

	return r
}
