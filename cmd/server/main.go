package main

import (
	"github.com/glamour29/chat-app/internal/config"
	"github.com/glamour29/chat-app/internal/db"
	clog "github.com/glamour29/chat-app/internal/log"
	"github.com/glamour29/chat-app/internal/server"
	"github.com/glamour29/chat-app/internal/ws"

	"github.com/rs/zerolog/log"
)

func main() {
	// main 函数负责加载配置、初始化日志、连接数据库并启动 Gin 服务。
	cfg := config.Load()
	clog.Init(cfg.Env)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("config validate")
	}

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	hub := ws.NewHub()
	presence := ws.NewPresence()
	r := server.SetupRouter(cfg, gdb, hub, presence)
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatal().Err(err).Msg("server run")
	}
}
