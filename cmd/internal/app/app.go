// Package app wires the Parla server runtime: config, logging, storage,
// translation, the realtime gateway and the REST API.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"parla/cmd/internal/api"
	"parla/cmd/internal/chat"
	"parla/cmd/internal/processor"
	"parla/cmd/internal/realtime"
	"parla/cmd/internal/translate"
	"parla/cmd/internal/voice"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// App is the Parla server runtime: it owns HTTP server wiring and the
// lifecycle of the pool, the backplane and the hub.
type App struct {
	cfg Config
	log Logger

	store  chat.Store
	dbPool *pgxpool.Pool

	registry  *prometheus.Registry
	hub       *realtime.Hub
	backplane realtime.Backplane
	ws        *realtime.WSGateway
	rest      *api.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	authn, err := newAuthenticator(cfg)
	if err != nil {
		return nil, err
	}

	tr, err := a.newTranslator()
	if err != nil {
		return nil, err
	}

	voices, err := voice.NewFileStore(cfg.UploadsDir, voice.WithMaxBytes(cfg.MaxVoiceBytes))
	if err != nil {
		return nil, fmt.Errorf("uploads dir: %w", err)
	}

	proc := processor.New(a.store, tr, voices,
		processor.WithLogger(log),
		processor.WithMetrics(processor.NewMetrics(a.registry)),
		processor.WithMaxVoiceBytes(cfg.MaxVoiceBytes),
	)

	instanceID := realtime.NewConnID()
	if err := a.openBackplane(ctx); err != nil {
		return nil, err
	}
	hubOpts := []realtime.HubOption{
		realtime.WithInstanceID(instanceID),
		realtime.WithMetrics(realtime.NewMetrics(a.registry)),
	}
	if a.backplane != nil {
		hubOpts = append(hubOpts, realtime.WithBackplane(a.backplane))
	}
	a.hub = realtime.NewHub(log, hubOpts...)

	if a.ws, err = realtime.NewWSGateway(log, a.hub, proc, a.store, authn, cfg.gatewayConfig()); err != nil {
		return nil, err
	}

	a.rest, err = api.NewHandler(log, api.Deps{
		Store:       a.store,
		Processor:   proc,
		Assistant:   tr,
		Broadcaster: a.hub,
		Voices:      voices,
		Auth:        authn,
	}, cfg.apiConfig())
	if err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

// Handler returns the full HTTP handler chain.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.registry, a.ws, a.rest)
	return WithRequestLogging(WithSecurityHeaders(WithCORS(mux, a.cfg, a.log)), a.log)
}

// Run starts the HTTP server and the hub, and blocks until ctx is cancelled
// or either fails.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 30*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 60*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"api", base+"/api",
		"ws", wsBaseURL(base)+"/ws",
		"db_enabled", a.dbPool != nil,
		"backplane", a.cfg.Backplane,
		"instance_id", a.hub.InstanceID(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.hub.Run(gctx)
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	a.log.Info("server.stopped")
	return err
}

func (a *App) openStore(ctx context.Context) error {
	if a.cfg.DatabaseURL == "" {
		mem := chat.NewInMemoryStore()
		for _, u := range parseDevUsers(a.cfg.DevUsers) {
			mem.PutUser(u)
		}
		a.log.Info("db.disabled.inmemory_store", "dev_users", len(a.cfg.DevUsers))
		a.store = mem
		return nil
	}

	pool, err := NewDBPool(ctx, a.cfg)
	if err != nil {
		return err
	}
	a.dbPool = pool

	if a.cfg.DBAutoMigrate {
		if err := chat.ApplySchema(ctx, pool, a.cfg.DBSchema); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	st, err := chat.NewPostgresStore(pool, chat.WithSchema(a.cfg.DBSchema))
	if err != nil {
		return err
	}
	a.log.Info("db.enabled.postgres_store", "schema", a.cfg.DBSchema)
	a.store = st
	return nil
}

func (a *App) newTranslator() (*translate.Service, error) {
	opts := []translate.Option{
		translate.WithLogger(a.log),
		translate.WithTimeout(a.cfg.LLMTimeout),
		translate.WithMetrics(translate.NewMetrics(a.registry)),
	}
	if a.cfg.OpenAIKey == "" {
		a.log.Warn("translate.disabled", "reason", "no_api_key")
		return translate.New(nil, opts...), nil
	}
	p, err := translate.NewOpenAIProvider(translate.OpenAIConfig{
		APIKey:    a.cfg.OpenAIKey,
		BaseURL:   a.cfg.OpenAIBaseURL,
		ChatModel: a.cfg.OpenAIModel,
		Voice:     a.cfg.OpenAIVoice,
	})
	if err != nil {
		return nil, err
	}
	return translate.New(p, opts...), nil
}

const backplaneDialTimeout = 3 * time.Second

// openBackplane connects the configured backplane. An unreachable Redis leaves
// the hub local-only.
func (a *App) openBackplane(ctx context.Context) error {
	switch a.cfg.Backplane {
	case "", BackplaneNone:
		return nil
	case BackplaneRedis:
		pctx, cancel := context.WithTimeout(ctx, backplaneDialTimeout)
		defer cancel()
		b, err := realtime.DialRedisBackplane(pctx, a.log, a.cfg.RedisURL, a.cfg.RedisChannel)
		if errors.Is(err, realtime.ErrBackplaneUnavailable) {
			a.log.Warn("hub.backplane.unavailable", "backplane", a.cfg.Backplane, "err", err, "fallback", "local_only")
			return nil
		}
		if err != nil {
			return fmt.Errorf("redis backplane: %w", err)
		}
		a.backplane = b
	case BackplaneKafka:
		b, err := realtime.NewKafkaBackplane(a.log, realtime.KafkaConfig{
			Brokers: a.cfg.KafkaBrokers,
			Topic:   a.cfg.KafkaTopic,
		})
		if err != nil {
			return fmt.Errorf("kafka backplane: %w", err)
		}
		a.backplane = b
	default:
		return fmt.Errorf("app: unknown backplane %q", a.cfg.Backplane)
	}
	return nil
}

// close releases resources in reverse order of acquisition.
func (a *App) close() {
	if a.backplane != nil {
		if err := a.backplane.Close(); err != nil {
			a.log.Error("backplane.close.fail", "err", err)
		}
		a.backplane = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
	}
	if a.dbPool != nil {
		a.dbPool.Close()
		a.dbPool = nil
	}
}

// parseDevUsers reads "id:lang[:role]" entries.
func parseDevUsers(entries []string) []chat.User {
	out := make([]chat.User, 0, len(entries))
	for _, e := range entries {
		parts := strings.Split(e, ":")
		id := strings.TrimSpace(parts[0])
		if id == "" {
			continue
		}
		u := chat.User{ID: id, Name: id, Active: true, Role: chat.RoleUser}
		if len(parts) > 1 {
			if lang := translate.NormalizeLang(parts[1]); lang != translate.UnknownLang {
				u.PreferredLanguage = lang
			}
		}
		if len(parts) > 2 && strings.EqualFold(strings.TrimSpace(parts[2]), chat.RoleAdmin) {
			u.Role = chat.RoleAdmin
		}
		out = append(out, u)
	}
	return out
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
