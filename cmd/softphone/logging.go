package main

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/golang-cz/devslog"
	"github.com/phsym/console-slog"
	slogformatter "github.com/samber/slog-formatter"
)

var formatHandler = slogformatter.NewFormatterHandler(
	slogformatter.ErrorFormatter("error"),
	slogformatter.FormatByType(func(addr net.Addr) slog.Value {
		return slog.GroupValue(
			slog.String("network", addr.Network()),
			slog.String("addr", addr.String()),
		)
	}),
)

// newLogger создает логгер по формату: "console", "dev" или "json"
func newLogger(w io.Writer, format string, level slog.Level) (*slog.Logger, error) {
	var h slog.Handler
	switch format {
	case "console", "":
		h = console.NewHandler(w, &console.HandlerOptions{
			Level:      level,
			TimeFormat: time.RFC3339Nano,
		})
	case "dev":
		h = devslog.NewHandler(w, &devslog.Options{
			HandlerOptions: &slog.HandlerOptions{
				AddSource: true,
				Level:     level,
			},
			SortKeys:   true,
			TimeFormat: time.RFC3339Nano,
		})
	case "json":
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("неизвестный формат логов %q", format)
	}
	return slog.New(formatHandler(h)), nil
}
