package log

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init 初始化全局 logger。dev 环境输出彩色控制台格式，
// 其余环境输出 JSON。日志级别通过 LOG_LEVEL 控制，默认 info。
func Init(env string) {
	zerolog.TimeFieldFormat = time.RFC3339

	level := zerolog.InfoLevel
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(v)); err == nil {
			level = parsed
		}
	}

	var w zerolog.LevelWriter
	if env == "dev" {
		w = zerolog.MultiLevelWriter(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		w = zerolog.MultiLevelWriter(os.Stdout)
	}
	log.Logger = zerolog.New(w).Level(level).With().Timestamp().Logger()
}
