// Package countersign parses server command flags and runs the countersign service.
package countersign

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/latchwell/countersign/internal/app"
	"github.com/latchwell/countersign/internal/platform/config"
	"github.com/latchwell/countersign/internal/platform/otel"
)

// Config holds countersign command configuration.
type Config struct {
	HTTPAddr string `env:"COUNTERSIGN_HTTP_ADDR" envDefault:"localhost:8080"`
	DBPath   string `env:"COUNTERSIGN_DB_PATH"   envDefault:"data/countersign.db"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP server address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "path to the sqlite database file")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the countersign server.
func Run(ctx context.Context, cfg Config) error {
	shutdown, err := otel.Setup(ctx, "countersign")
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			log.Printf("otel shutdown: %v", err)
		}
	}()

	appCfg, err := app.LoadConfigFromEnv()
	if err != nil {
		return err
	}
	appCfg.HTTPAddr = cfg.HTTPAddr
	appCfg.DBPath = cfg.DBPath

	return app.Run(ctx, appCfg)
}
