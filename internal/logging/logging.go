// Package logging builds the process logger: a console or JSON handler for
// every record, plus an optional Telegram route for alerts.
package logging

import (
	"context"
	"io"
	"log/slog"

	"github.com/phsym/console-slog"
	slogmulti "github.com/samber/slog-multi"
	slogtelegram "github.com/samber/slog-telegram/v2"

	"pediatric-assistant/internal/config"
)

// AlertKey tags records that must reach the on-call channel regardless of
// level, e.g. danger detections and dead tasks.
const AlertKey = "alert"

// New returns a logger writing to w in the configured format. When a Telegram
// token is configured, alerts and errors are also sent there.
func New(cfg config.Log, w io.Writer) *slog.Logger {
	var alerts slog.Handler
	if cfg.Telegram.Token != "" {
		alerts = slogtelegram.Option{
			Level:     slog.LevelDebug,
			Token:     cfg.Telegram.Token,
			Username:  cfg.Telegram.ChatID,
			AddSource: true,
		}.NewTelegramHandler()
	}
	return slog.New(route(baseHandler(cfg, w), alerts))
}

// Init installs New(cfg, w) as the default logger.
func Init(cfg config.Log, w io.Writer) *slog.Logger {
	logger := New(cfg, w)
	slog.SetDefault(logger)
	return logger
}

func baseHandler(cfg config.Log, w io.Writer) slog.Handler {
	if cfg.Format == "json" {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	}
	return console.NewHandler(w, &console.HandlerOptions{
		AddSource: true,
		Level:     cfg.SlogLevel(),
	})
}

func route(base, alerts slog.Handler) slog.Handler {
	router := slogmulti.Router().Add(base)
	if alerts != nil {
		router = router.Add(alerts, IsAlert)
	}
	return router.Handler()
}

// IsAlert reports whether r goes to the alert route.
func IsAlert(_ context.Context, r slog.Record) bool {
	if r.Level >= slog.LevelError {
		return true
	}
	alert := false
	r.Attrs(func(attr slog.Attr) bool {
		if attr.Key == AlertKey {
			alert = attr.Value.Kind() != slog.KindBool || attr.Value.Bool()
			return false
		}
		return true
	})
	return alert
}
