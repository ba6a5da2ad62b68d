package handler

import (
	"context"
	"net/http"
	"sync"

	"buzzconnect/app"
	"buzzconnect/config"
	"buzzconnect/logging"
)

var (
	once    sync.Once
	backend *app.Backend
	initErr error
)

// Handler is the serverless function entry point for Vercel. The backend is
// built from environment config on the first request and reused afterwards.
func Handler(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		backend, initErr = build()
	})
	if initErr != nil {
		http.Error(w, "backend unavailable", http.StatusInternalServerError)
		return
	}
	backend.Handler.ServeHTTP(w, r)
}

func build() (*app.Backend, error) {
	cfg, err := config.Load("")
	if err != nil {
		return nil, err
	}
	log := logging.New(cfg.Logging)

	b, err := app.NewBackend(context.Background(), cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("build backend")
		return nil, err
	}
	b.Start(context.Background())
	log.Info().Str("database", cfg.Server.DatabasePath).Msg("serverless backend ready")
	return b, nil
}
