package app

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"marginalia/api/internal/config"
	"marginalia/api/internal/email"
	"marginalia/api/internal/export"
	"marginalia/api/internal/history"
	"marginalia/api/internal/metrics"
	"marginalia/api/internal/search"
	"marginalia/api/internal/security"
	"marginalia/api/internal/session"
	"marginalia/api/internal/store"
)

// Runtime is a fully wired process: the service, its HTTP surface and the
// connections they hold.
type Runtime struct {
	Service *Service
	HTTP    *HTTPServer
	Search  *search.Service

	closers []func()
}

// OpenStore connects the configured primary store. Postgres is migrated to the
// latest schema; SQLite creates its schema on open.
func OpenStore(ctx context.Context, cfg config.Config, log *zap.Logger) (Store, func(), error) {
	switch cfg.StoreDriver {
	case "sqlite":
		st, err := store.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		log.Info("using sqlite store", zap.String("path", cfg.SQLitePath))
		return st, func() { _ = st.Close() }, nil
	default:
		db, err := store.Open(ctx, cfg.DatabaseURL, store.DefaultPool())
		if err != nil {
			return nil, nil, err
		}
		applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
		if err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("migrations failed: %w", err)
		}
		if len(applied) > 0 {
			log.Info("applied migrations", zap.Strings("versions", applied))
		}
		return store.NewPostgresStore(db), func() { _ = db.Close() }, nil
	}
}

// Build wires every optional backend the configuration names. Redis, when
// set, holds refresh tokens, replay nonces and the lockout record so several
// instances agree; otherwise those live in the primary store or in memory.
func Build(ctx context.Context, cfg config.Config, log *zap.Logger) (*Runtime, error) {
	rt := &Runtime{}

	st, closeStore, err := OpenStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, closeStore)

	var (
		sessions SessionStore
		records  security.RecordStore = security.NewMemoryRecordStore()
		nonces   security.NonceStore  = security.NewMemoryNonceStore(nil)
	)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		rt.closers = append(rt.closers, func() { _ = redisStore.Close() })
		sessions, records, nonces = redisStore, redisStore, redisStore
		log.Info("using redis for sessions, nonces and lockout")
	}

	gate := security.NewGate(records,
		security.WithThreshold(cfg.LockoutThreshold),
		security.WithLockDuration(cfg.LockoutDuration),
		security.WithAllowPaths(cfg.LockoutAllowPaths...),
	)

	var engine search.Engine
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		rt.closers = append(rt.closers, meili.Close)
		engine = meili
	}
	rt.Search = search.NewService(engine, search.NewStoreSearcher(st), log)
	rt.closers = append(rt.closers, rt.Search.Wait)

	var uploader export.Uploader
	if cfg.MinioConfigured() {
		minio, err := export.NewMinioUploader(ctx, export.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Warn("minio unavailable, exports stay inline", zap.Error(err))
		} else {
			uploader = minio
		}
	}

	var hist *history.Service
	if cfg.HistoryDir != "" {
		hist = history.New(cfg.HistoryDir)
	}

	var mailer *email.Service
	if cfg.SMTPConfigured() {
		mailer = email.NewService(email.Config{
			Host:      cfg.SMTPHost,
			Port:      cfg.SMTPPort,
			Username:  cfg.SMTPUsername,
			Password:  cfg.SMTPPassword,
			From:      cfg.SMTPFrom,
			FromName:  cfg.SMTPFromName,
			PublicURL: cfg.PublicURL,
		})
	}

	rt.Service = New(cfg, Deps{
		Store:    st,
		Sessions: sessions,
		Gate:     gate,
		Search:   rt.Search,
		History:  hist,
		Exporter: export.NewService(st, uploader),
		Mailer:   mailer,
		Metrics:  metrics.New(),
		Logger:   log,
	})

	var guard *security.ReplayGuard
	if cfg.ReplayProtection {
		guard = security.NewReplayGuard(nonces, cfg.ReplayWindow, nil)
	}
	rt.HTTP = NewHTTPServer(rt.Service, cfg.CORSOrigin, guard, log)
	return rt, nil
}

// Close releases connections in reverse order of creation.
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}
