// Package engine parses engine service flags and launches the gateway.
package engine

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/Xziver/dg-core/internal/api/ws"
	enginecore "github.com/Xziver/dg-core/internal/engine"
	"github.com/Xziver/dg-core/internal/game"
	"github.com/Xziver/dg-core/internal/narration"
	"github.com/Xziver/dg-core/internal/narration/openai"
	entrypoint "github.com/Xziver/dg-core/internal/platform/cmd"
	"github.com/Xziver/dg-core/internal/storage/sqlite"
)

// Config holds engine command configuration.
type Config struct {
	Addr             string        `env:"DG_CORE_ADDR" envDefault:":8080"`
	DBPath           string        `env:"DG_CORE_DB_PATH" envDefault:"engine.db"`
	TuningPath       string        `env:"DG_CORE_TUNING_PATH"`
	OpenAIKey        string        `env:"DG_CORE_OPENAI_API_KEY"`
	OpenAIModel      string        `env:"DG_CORE_OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	NarrationTimeout time.Duration `env:"DG_CORE_NARRATION_TIMEOUT" envDefault:"5s"`
}

// ParseConfig parses environment and flags into Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "The gateway listen address")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "The SQLite database path")
	fs.StringVar(&cfg.TuningPath, "tuning", cfg.TuningPath, "Optional YAML tuning file")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the engine gateway and blocks until ctx is cancelled.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceEngine, func(ctx context.Context) error {
		return serve(ctx, cfg)
	})
}

func serve(ctx context.Context, cfg Config) error {
	tuning := game.DefaultTuning()
	if cfg.TuningPath != "" {
		loaded, err := game.LoadTuning(cfg.TuningPath)
		if err != nil {
			return fmt.Errorf("load tuning: %w", err)
		}
		tuning = loaded
	}

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("op=store_close err=%v", err)
		}
	}()

	var narrator narration.Narrator = narration.NopNarrator{}
	if cfg.OpenAIKey != "" {
		narrator = openai.New(openai.Config{APIKey: cfg.OpenAIKey, Model: cfg.OpenAIModel})
	}

	dispatcher, err := enginecore.New(enginecore.Config{
		Store:            store,
		Narrator:         narrator,
		Tuning:           tuning,
		NarrationTimeout: cfg.NarrationTimeout,
	})
	if err != nil {
		return fmt.Errorf("build dispatcher: %w", err)
	}

	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: ws.NewServer(dispatcher, store, log.Default()).Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("op=listen addr=%s db=%s", cfg.Addr, cfg.DBPath)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown gateway: %w", err)
	}
	return <-errCh
}
