package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"modelworker/internal/config"
	"modelworker/internal/httpapi"
	"modelworker/internal/logging"
	"modelworker/internal/tracing"
)

func main() {
	if err := newRootCmd(&options{}).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// options are the flags shared by every subcommand. Flags override the config file
// and the environment.
type options struct {
	configPath   string
	envFile      string
	addr         string
	modelsDir    string
	defaultModel string
	logLevel     string
	logFormat    string
	storage      string
	storagePath  string
	corsOrigins  string
}

func newRootCmd(o *options) *cobra.Command {
	root := &cobra.Command{
		Use:           "modelworker",
		Short:         "Model worker node and chat service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	f := root.PersistentFlags()
	f.StringVarP(&o.configPath, "config", "c", "", "Config file (.yaml, .json or .toml)")
	f.StringVar(&o.envFile, "env-file", ".env", "Environment file loaded before MODELWORKER_* overrides")
	f.StringVar(&o.addr, "addr", "", "HTTP listen address, e.g. :8080")
	f.StringVar(&o.modelsDir, "models-dir", "", "Directory to scan for *.gguf model files")
	f.StringVar(&o.defaultModel, "default-model", "", "Default model when a request omits one")
	f.StringVar(&o.logLevel, "log-level", "", "debug, info, warn or error")
	f.StringVar(&o.logFormat, "log-format", "", "console or json")
	f.StringVar(&o.storage, "storage", "", "Conversation storage: memory or sqlite")
	f.StringVar(&o.storagePath, "storage-path", "", "SQLite database path")
	f.StringVar(&o.corsOrigins, "cors-origins", "", "Comma-separated allowed CORS origins (enables CORS)")

	root.AddCommand(newServeCmd(o), newModelsCmd(o))
	return root
}

// load builds the effective configuration: file, then .env and environment, then
// flags, then defaults.
func (o *options) load(cmd *cobra.Command) (config.Config, error) {
	if err := config.LoadDotEnv(o.envFile); err != nil {
		return config.Config{}, fmt.Errorf("env file: %w", err)
	}
	var cfg config.Config
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	o.apply(cmd, &cfg)
	cfg.ApplyDefaults()
	return cfg, nil
}

func (o *options) apply(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed
	set := func(flag string, dst *string, v string) {
		if changed(flag) {
			*dst = v
		}
	}
	set("addr", &cfg.Server.Addr, o.addr)
	set("models-dir", &cfg.ModelsDir, o.modelsDir)
	set("default-model", &cfg.DefaultModel, o.defaultModel)
	set("log-level", &cfg.Log.Level, o.logLevel)
	set("log-format", &cfg.Log.Format, o.logFormat)
	set("storage", &cfg.Storage.Driver, o.storage)
	set("storage-path", &cfg.Storage.Path, o.storagePath)
	if changed("cors-origins") {
		cfg.Server.CORSOrigins = config.SplitCSV(o.corsOrigins)
		cfg.Server.CORSEnabled = len(cfg.Server.CORSOrigins) > 0
	}
}

func newServeCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the worker protocol and the chat API over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := o.load(cmd)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg config.Config) error {
	log, logCloser, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Dir: cfg.Log.Dir, MaxFiles: cfg.Log.MaxFiles})
	if err != nil {
		return err
	}
	defer logCloser.Close()

	// Graceful shutdown (Ctrl+C / SIGTERM)
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		ServiceName: cfg.Tracing.ServiceName,
		Environment: cfg.Tracing.Environment,
	}, log)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}
	httpapi.SetBaseContext(ctx)

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: a.handler, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Int("models", len(a.manager.Models())).Msg("modelworker listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case serveErr = <-errCh:
		log.Error().Err(serveErr).Msg("server error")
	}

	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown error")
	}
	if err := a.Close(); err != nil {
		log.Warn().Err(err).Msg("close")
	}
	if err := shutdownTracing(sctx); err != nil {
		log.Warn().Err(err).Msg("tracing shutdown")
	}
	return serveErr
}
