// Package httpapi exposes the inference router over a small HTTP surface:
// prediction, stats, model listing, health and metrics.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"gocv.io/x/gocv"

	"github.com/verdant/leafscan/internal/backend"
	"github.com/verdant/leafscan/internal/router"
)

// maxUploadBytes caps the multipart form size for /predict.
const maxUploadBytes = 32 << 20

// Service defines the routing methods required by the HTTP layer.
type Service interface {
	Route(img gocv.Mat, deviceDescriptor string, opts router.Options) (*router.RouteResult, error)
	Stats() router.Stats
	ResetStats()
}

// ModelInfo describes one configured backend for the /models listing.
type ModelInfo struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Path    string `json:"path"`
	Loaded  bool   `json:"loaded"`
	Classes int    `json:"classes"`
}

type server struct {
	svc    Service
	models []ModelInfo
	log    zerolog.Logger
}

// NewMux builds the HTTP handler over the routing service.
func NewMux(svc Service, models []ModelInfo, log zerolog.Logger) http.Handler {
	s := &server{svc: svc, models: models, log: log.With().Str("component", "httpapi").Logger()}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))
	r.Use(s.requestLogger)
	r.Use(metricsMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Get("/models", s.handleModels)
	r.Get("/stats", s.handleStats)
	r.Delete("/stats", s.handleResetStats)
	r.Post("/predict", s.handlePredict)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"models": s.models})
}

func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Stats())
}

func (s *server) handleResetStats(w http.ResponseWriter, _ *http.Request) {
	s.svc.ResetStats()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// topPrediction is the unified plant/disease view of the routed result.
type topPrediction struct {
	Plant      string  `json:"plant"`
	Disease    string  `json:"disease"`
	Confidence float32 `json:"confidence"`
}

type predictResponse struct {
	*router.RouteResult
	TopPrediction *topPrediction `json:"top_prediction,omitempty"`
}

func (s *server) handlePredict(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	file, _, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing image file")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read image")
		return
	}

	img, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil || img.Empty() {
		writeError(w, http.StatusBadRequest, "could not decode image")
		return
	}
	defer img.Close()

	opts := router.Options{
		UseSegmentation: parseBool(r.FormValue("use_segmentation")),
	}
	if v := r.FormValue("confidence_threshold"); v != "" {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil || f < 0 || f > 1 {
			writeError(w, http.StatusBadRequest, "confidence_threshold must be in [0,1]")
			return
		}
		opts.ThresholdOverride = float32(f)
	}

	result, err := s.svc.Route(img, r.FormValue("device_info"), opts)
	if err != nil {
		if errors.Is(err, router.ErrNoBackendAvailable) {
			writeError(w, http.StatusServiceUnavailable, "no model backend available")
			return
		}
		s.log.Error().Err(err).Msg("prediction failed")
		writeError(w, http.StatusInternalServerError, "prediction failed")
		return
	}

	predictionsTotal.WithLabelValues(string(result.PathUsed)).Inc()
	inferenceDuration.WithLabelValues(string(result.PathUsed)).Observe(result.ElapsedSeconds)

	writeJSON(w, http.StatusOK, predictResponse{
		RouteResult:   result,
		TopPrediction: unifyTop(result),
	})
}

// unifyTop picks the reconciled final prediction when present, the result's
// top-1 otherwise, and splits its taxonomy label.
func unifyTop(result *router.RouteResult) *topPrediction {
	top := result.Final
	if top == nil {
		top = result.Result.Top1()
	}
	if top == nil {
		return nil
	}
	plant, disease := backend.SplitLabel(top.Label)
	return &topPrediction{Plant: plant, Disease: disease, Confidence: top.Confidence}
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
