// Package app assembles the backend from configuration for the serve command
// and the serverless entry point.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"buzzconnect/config"
	"buzzconnect/database"
	"buzzconnect/events"
	"buzzconnect/handlers"
	"buzzconnect/metrics"
	"buzzconnect/presence"
	"buzzconnect/telemetry"
)

const sessionSweepInterval = 10 * time.Minute

// Backend is a wired chat service.
type Backend struct {
	Store   *database.Store
	Server  *handlers.Server
	Handler http.Handler

	log     zerolog.Logger
	closers []io.Closer
}

// NewBackend opens the database and connects the optional Redis presence
// store and Kafka event stream named in cfg.
func NewBackend(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Backend, error) {
	b := &Backend{log: log}

	store, err := database.Open(cfg.Server.DatabasePath, database.WithLogger(log))
	if err != nil {
		return nil, err
	}
	b.Store = store
	b.closers = append(b.closers, store)

	var typing presence.Store = presence.NewMemoryStore(cfg.Server.PresenceTTL.Duration())
	if cfg.Redis.Addr != "" {
		rdb, err := presence.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.closers = append(b.closers, rdb)
		typing = presence.NewRedisStore(rdb, cfg.Server.PresenceTTL.Duration())
		log.Info().Str("addr", cfg.Redis.Addr).Msg("typing presence in redis")
	}

	var publisher events.Publisher = events.Nop{}
	if len(cfg.Kafka.Brokers) > 0 {
		kp := events.NewKafkaPublisher(events.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic), log)
		b.closers = append(b.closers, kp)
		publisher = kp
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("chat events to kafka")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	b.Server = handlers.NewServer(store,
		handlers.WithLogger(log),
		handlers.WithEvents(publisher),
		handlers.WithPresence(typing),
		handlers.WithSessionTTL(cfg.Server.SessionTTL.Duration()),
		handlers.WithMetrics(metrics.NewHTTP(reg), reg),
		handlers.WithHubOptions(handlers.WithRateLimit(cfg.Server.WSRate, cfg.Server.WSBurst)),
	)
	b.Handler = telemetry.Handler(b.Server.Router(), cfg.Telemetry.ServiceName)
	return b, nil
}

// Start runs the realtime hub and the expired-session sweeper until ctx ends.
func (b *Backend) Start(ctx context.Context) {
	go b.Server.Hub().Run(ctx)
	go b.sweepSessions(ctx)
}

func (b *Backend) sweepSessions(ctx context.Context) {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := b.Store.DeleteExpiredSessions(ctx)
			if err != nil {
				b.log.Warn().Err(err).Msg("sweep sessions")
				continue
			}
			if n > 0 {
				b.log.Debug().Int64("deleted", n).Msg("expired sessions removed")
			}
		}
	}
}

// Close releases everything NewBackend opened, newest first.
func (b *Backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close backend: %w", err)
	}
	return nil
}
