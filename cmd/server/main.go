package main

import (
	"context"
	"log"
	"log/slog"
	"os"

	"github.com/docuvert/docuvert/internal/convert"
	"github.com/docuvert/docuvert/internal/logging"
	"github.com/docuvert/docuvert/internal/server"
	"github.com/docuvert/docuvert/internal/server/config"
)

func main() {
	ctx := context.Background()
	cfg := config.LoadConfig()

	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	converter := convert.NewSoffice(logger)

	app, err := server.NewApp(ctx, cfg, converter)
	if err != nil {
		log.Printf("%v", err)
		return
	}

	app.Run(ctx)
}
