package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/verdant/leafscan/internal/backend"
	"github.com/verdant/leafscan/internal/config"
	"github.com/verdant/leafscan/internal/httpapi"
	"github.com/verdant/leafscan/internal/inference"
	"github.com/verdant/leafscan/internal/router"
	"github.com/verdant/leafscan/internal/segmenter"
)

func main() {
	defaultAddr := ":8080"
	if v := os.Getenv("LEAFSCAN_ADDR"); v != "" {
		defaultAddr = v
	}
	addr := flag.String("addr", defaultAddr, "HTTP listen address, e.g. :8080")
	configPath := flag.String("config", os.Getenv("LEAFSCAN_CONFIG"), "Service config file (json/yaml/toml)")
	fastModel := flag.String("fast-model", "", "Fast (student) model path, overrides config")
	ensembleModel := flag.String("ensemble-model", "", "Ensemble model path, overrides config")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error")
	flag.Parse()

	cfg := config.Config{}
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			zerolog.New(os.Stderr).Fatal().Err(err).Str("path", *configPath).Msg("failed to load config")
		}
		cfg = loaded
	}
	if cfg.Addr == "" || *addr != defaultAddr {
		cfg.Addr = *addr
	}
	if *fastModel != "" {
		cfg.FastModelPath = *fastModel
	}
	if *ensembleModel != "" {
		cfg.EnsembleModelPath = *ensembleModel
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	log := newLogger(cfg.LogLevel)

	if cfg.FastModelPath == "" && cfg.EnsembleModelPath == "" {
		log.Fatal().Msg("no model configured: set fast_model_path and/or ensemble_model_path")
	}

	if err := inference.Initialize(cfg.ORTLibraryPath); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize ONNX Runtime")
	}
	defer func() {
		if err := inference.Shutdown(); err != nil {
			log.Warn().Err(err).Msg("ONNX Runtime shutdown error")
		}
	}()

	fast := buildBackend(cfg.FastModelPath, cfg.FastModelConf, log)
	ensemble := buildBackend(cfg.EnsembleModelPath, cfg.EnsembleModelConf, log)
	if fast == nil && ensemble == nil {
		log.Fatal().Msg("no backend loaded")
	}
	defer closeBackend(fast, log)
	defer closeBackend(ensemble, log)

	seg := segmenter.New(log)
	rt := router.New(asPredictor(fast), asPredictor(ensemble), seg, log)

	mux := httpapi.NewMux(rt, modelInfos(cfg, fast, ensemble), log)
	srv := &http.Server{Addr: cfg.Addr, Handler: mux}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("leafscan listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown error")
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
	if isTerminal() {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return log
}

func isTerminal() bool {
	fi, err := os.Stderr.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}

// buildBackend constructs and loads one backend; a load failure is logged
// and yields nil so the router can run degraded on the remaining backend.
func buildBackend(modelPath, sidecarPath string, log zerolog.Logger) backend.Backend {
	if modelPath == "" {
		return nil
	}
	b, err := backend.New(modelPath, sidecarPath, log)
	if err != nil {
		log.Error().Err(err).Str("model", modelPath).Msg("failed to construct backend")
		return nil
	}
	if err := b.Load(); err != nil {
		log.Error().Err(err).Str("model", modelPath).Msg("failed to load backend")
		return nil
	}
	return b
}

func closeBackend(b backend.Backend, log zerolog.Logger) {
	if b == nil {
		return
	}
	if err := b.Close(); err != nil {
		log.Warn().Err(err).Msg("backend close error")
	}
}

// asPredictor keeps a nil backend a nil interface so the router's
// availability checks behave.
func asPredictor(b backend.Backend) router.Predictor {
	if b == nil {
		return nil
	}
	return b
}

func modelInfos(cfg config.Config, fast, ensemble backend.Backend) []httpapi.ModelInfo {
	var infos []httpapi.ModelInfo
	if fast != nil {
		infos = append(infos, httpapi.ModelInfo{
			Name:    filepath.Base(cfg.FastModelPath),
			Kind:    string(fast.Kind()),
			Path:    cfg.FastModelPath,
			Loaded:  fast.Loaded(),
			Classes: len(fast.Labels()),
		})
	}
	if ensemble != nil {
		infos = append(infos, httpapi.ModelInfo{
			Name:    filepath.Base(cfg.EnsembleModelPath),
			Kind:    string(ensemble.Kind()),
			Path:    cfg.EnsembleModelPath,
			Loaded:  ensemble.Loaded(),
			Classes: len(ensemble.Labels()),
		})
	}
	return infos
}
