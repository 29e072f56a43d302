package observability

import (
	"io"
	"os"
	"time"

	"github.com/danmuck/muxdemux/internal/logging"
	"github.com/rs/zerolog"
)

// InitLogger builds the process logger. It is created once in main and handed
// to every component that logs.
func InitLogger(app string, cfg logging.Config) zerolog.Logger {
	return NewLogger(os.Stdout, app, cfg)
}

func NewLogger(out io.Writer, app string, cfg logging.Config) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        out,
		NoColor:    cfg.NoColor,
		TimeFormat: time.RFC3339,
	}
	ctx := zerolog.New(output).Level(cfg.Level).With()
	if cfg.Timestamp {
		ctx = ctx.Timestamp()
	}
	return ctx.Str("app", app).Logger()
}
