package main

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"gorm.io/gorm"

	"modelworker/internal/chat"
	"modelworker/internal/config"
	"modelworker/internal/conversation"
	"modelworker/internal/httpapi"
	"modelworker/internal/llmclient"
	"modelworker/internal/manager"
	"modelworker/internal/params"
	"modelworker/internal/registry"
	"modelworker/internal/storage"
)

// app is the wired service graph behind the HTTP handler.
type app struct {
	handler http.Handler
	manager *manager.Manager
	runner  *chat.Runner
	db      *gorm.DB
	log     zerolog.Logger
}

// eventLogger publishes manager lifecycle events to the log.
type eventLogger struct{ log zerolog.Logger }

func (p eventLogger) Publish(e manager.Event) {
	p.log.Info().Str("event", e.Name).Str("model", e.Model).Fields(e.Fields).Msg("manager event")
}

// deploys returns the configured models followed by the ones found in ModelsDir.
func deploys(cfg config.Config, log zerolog.Logger) ([]params.Deploy, error) {
	explicit, err := cfg.Deploys()
	if err != nil {
		return nil, err
	}
	if cfg.ModelsDir == "" {
		return explicit, nil
	}
	scanned, err := registry.ScanDir(cfg.ModelsDir, cfg.ModelsProvider)
	if err != nil {
		log.Warn().Err(err).Str("dir", cfg.ModelsDir).Msg("models dir not scanned")
		return explicit, nil
	}
	return registry.Merge(explicit, scanned), nil
}

func newManager(cfg config.Config, log zerolog.Logger) (*manager.Manager, error) {
	models, err := deploys(cfg, log)
	if err != nil {
		return nil, err
	}
	remotes := lo.Map(cfg.Remote, func(r config.RemoteConfig, _ int) manager.RemoteSpec {
		return manager.RemoteSpec{Model: r.Model, Host: r.Host, Port: r.Port, Timeout: r.Timeout()}
	})
	return manager.New(manager.Config{
		Models:         models,
		Remotes:        remotes,
		DefaultModel:   cfg.DefaultModel,
		MaxQueueDepth:  cfg.Manager.MaxQueueDepth,
		MaxWait:        cfg.Manager.MaxWait(),
		DrainTimeout:   cfg.Manager.DrainTimeout(),
		KernelPoolSize: cfg.Manager.KernelPoolSize,
		Publisher:      eventLogger{log: log.With().Str("component", "manager").Logger()},
		Log:            log,
	})
}

// openStores returns the conversation storages selected by cfg. db is nil for the
// memory driver.
func openStores(cfg config.StorageConfig, log zerolog.Logger) (conversation.Stores, *gorm.DB, error) {
	switch cfg.Driver {
	case "memory":
		return conversation.MemoryStores(), nil, nil
	case "sqlite":
		db, err := storage.OpenSQLite(cfg.Path, log)
		if err != nil {
			return conversation.Stores{}, nil, err
		}
		stores, err := conversation.GormStores(db)
		if err != nil {
			_ = storage.Close(db)
			return conversation.Stores{}, nil, err
		}
		log.Info().Str("path", cfg.Path).Msg("conversation storage opened")
		return stores, db, nil
	}
	return conversation.Stores{}, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

func newApp(cfg config.Config, log zerolog.Logger) (*app, error) {
	httpapi.SetLogger(log)
	httpapi.SetMaxBodyBytes(cfg.Server.MaxBodyBytes)
	httpapi.SetGenerateTimeout(cfg.Server.GenerateTimeout())
	httpapi.SetCORSOptions(cfg.Server.CORSEnabled, cfg.Server.CORSOrigins, cfg.Server.CORSMethods, cfg.Server.CORSHeaders)
	if cfg.Server.RequestLogLevel != "" {
		httpapi.SetDefaultLogLevel(cfg.Server.RequestLogLevel)
	}

	mgr, err := newManager(cfg, log)
	if err != nil {
		return nil, err
	}
	a := &app{manager: mgr, log: log}
	if cfg.Manager.PreloadDefault && cfg.DefaultModel != "" {
		if _, err := mgr.Preload(cfg.DefaultModel); err != nil {
			log.Warn().Err(err).Str("model", cfg.DefaultModel).Msg("preload")
		}
	}

	var chatSvc httpapi.ChatService
	if cfg.Chat.Enabled == nil || *cfg.Chat.Enabled {
		stores, db, err := openStores(cfg.Storage, log)
		if err != nil {
			_ = mgr.Close()
			return nil, err
		}
		a.db = db
		client, err := llmclient.New(mgr, cfg.Chat.CacheSize, log)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.runner, err = chat.NewRunner(chat.Config{
			Client:         client,
			Stores:         stores,
			DefaultModel:   cfg.DefaultModel,
			Language:       cfg.Chat.Language,
			CacheEnable:    cfg.Chat.CacheEnable,
			Retries:        cfg.Chat.Retries,
			Parallel:       cfg.Chat.Parallel,
			PersistWorkers: cfg.Chat.PersistWorkers,
			EmbedMessages:  cfg.Storage.EmbedMessages,
			Log:            log,
		})
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		chatSvc = a.runner
	}
	a.handler = httpapi.NewMux(mgr, chatSvc)
	return a, nil
}

// Close unloads every worker and closes the database.
func (a *app) Close() error {
	err := a.manager.Close()
	if a.db != nil {
		err = errors.Join(err, storage.Close(a.db))
	}
	return err
}
