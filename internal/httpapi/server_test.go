package httpapi

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"

	"github.com/verdant/leafscan/internal/backend"
	"github.com/verdant/leafscan/internal/router"
)

type stubService struct {
	result *router.RouteResult
	err    error
	stats  router.Stats

	lastDevice string
	lastOpts   router.Options
	resets     int
}

func (s *stubService) Route(_ gocv.Mat, device string, opts router.Options) (*router.RouteResult, error) {
	s.lastDevice = device
	s.lastOpts = opts
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func (s *stubService) Stats() router.Stats { return s.stats }
func (s *stubService) ResetStats()         { s.resets++ }

func newTestMux(svc *stubService, models []ModelInfo) http.Handler {
	return NewMux(svc, models, zerolog.Nop())
}

// multipartImage builds a multipart body with an encoded PNG under the
// "image" field plus any extra form values.
func multipartImage(t *testing.T, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	img := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(20, 160, 30, 0), 32, 32, gocv.MatTypeCV8UC3)
	defer img.Close()
	buf, err := gocv.IMEncode(gocv.PNGFileExt, img)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	defer buf.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("image", "leaf.png")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write(buf.GetBytes()); err != nil {
		t.Fatalf("write image: %v", err)
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field %s: %v", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &body, mw.FormDataContentType()
}

func routedResult() *router.RouteResult {
	return &router.RouteResult{
		Result: &backend.PredictionResult{
			Predictions: []backend.Prediction{
				{Label: "Tomato___Early_blight", Confidence: 0.93, ClassID: 3},
			},
		},
		PathUsed:   router.PathFast,
		DeviceTier: router.TierMedium,
		Threshold:  0.90,
	}
}

func TestHealthz(t *testing.T) {
	mux := newTestMux(&stubService{}, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestModels(t *testing.T) {
	models := []ModelInfo{{Name: "student.onnx", Kind: "single", Loaded: true, Classes: 38}}
	mux := newTestMux(&stubService{}, models)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/models", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Models []ModelInfo `json:"models"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Models) != 1 || body.Models[0].Name != "student.onnx" {
		t.Fatalf("unexpected models: %+v", body.Models)
	}
}

func TestStatsAndReset(t *testing.T) {
	svc := &stubService{stats: router.Stats{StudentPredictions: 3, TotalPredictions: 5}}
	mux := newTestMux(svc, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var stats router.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.StudentPredictions != 3 || stats.TotalPredictions != 5 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if svc.resets != 1 {
		t.Fatalf("resets = %d, want 1", svc.resets)
	}
}

func TestPredictSuccess(t *testing.T) {
	svc := &stubService{result: routedResult()}
	mux := newTestMux(svc, nil)

	body, contentType := multipartImage(t, map[string]string{
		"device_info":      "iPhone 13",
		"use_segmentation": "true",
	})
	req := httptest.NewRequest(http.MethodPost, "/predict", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if svc.lastDevice != "iPhone 13" || !svc.lastOpts.UseSegmentation {
		t.Fatalf("form values not forwarded: device=%q opts=%+v", svc.lastDevice, svc.lastOpts)
	}

	var resp struct {
		ModelUsed     string `json:"model_used"`
		TopPrediction *struct {
			Plant      string  `json:"plant"`
			Disease    string  `json:"disease"`
			Confidence float32 `json:"confidence"`
		} `json:"top_prediction"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ModelUsed != "fast" {
		t.Fatalf("model_used = %q, want fast", resp.ModelUsed)
	}
	if resp.TopPrediction == nil || resp.TopPrediction.Plant != "Tomato" || resp.TopPrediction.Disease != "Early_blight" {
		t.Fatalf("unexpected top prediction: %+v", resp.TopPrediction)
	}
}

func TestPredictThresholdOverride(t *testing.T) {
	svc := &stubService{result: routedResult()}
	mux := newTestMux(svc, nil)

	body, contentType := multipartImage(t, map[string]string{"confidence_threshold": "0.75"})
	req := httptest.NewRequest(http.MethodPost, "/predict", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if svc.lastOpts.ThresholdOverride != 0.75 {
		t.Fatalf("override = %v, want 0.75", svc.lastOpts.ThresholdOverride)
	}
}

func TestPredictInvalidThreshold(t *testing.T) {
	mux := newTestMux(&stubService{result: routedResult()}, nil)

	for _, v := range []string{"1.5", "-0.1", "lots"} {
		body, contentType := multipartImage(t, map[string]string{"confidence_threshold": v})
		req := httptest.NewRequest(http.MethodPost, "/predict", body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("threshold %q: status = %d, want 400", v, rec.Code)
		}
	}
}

func TestPredictMissingImage(t *testing.T) {
	mux := newTestMux(&stubService{}, nil)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("device_info", "desktop"); err != nil {
		t.Fatalf("write field: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/predict", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestPredictUndecodableImage(t *testing.T) {
	mux := newTestMux(&stubService{}, nil)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("image", "not-an-image.txt")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write([]byte("definitely not pixels")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/predict", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestPredictNoBackend(t *testing.T) {
	mux := newTestMux(&stubService{err: router.ErrNoBackendAvailable}, nil)

	body, contentType := multipartImage(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/predict", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}
