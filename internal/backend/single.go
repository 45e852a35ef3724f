package backend

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	ort "github.com/yalue/onnxruntime_go"
	"gocv.io/x/gocv"

	"github.com/verdant/leafscan/internal/inference"
)

// engine is the raw forward-pass seam between a backend and its runtime.
// Production backends use an ONNX Runtime session; tests inject stubs.
type engine interface {
	infer(input []float32, shape []int64) ([]float32, error)
	close() error
}

// ortEngine runs a classification model through an ONNX Runtime session,
// producing a [1, numClasses] score vector.
type ortEngine struct {
	session    *inference.Session
	numClasses int
}

func newORTEngine(modelPath string, numClasses int, useCUDA bool) (engine, error) {
	session, err := inference.NewSession(modelPath, []string{"input"}, []string{"output"}, useCUDA)
	if err != nil {
		return nil, err
	}
	return &ortEngine{session: session, numClasses: numClasses}, nil
}

func (e *ortEngine) infer(input []float32, shape []int64) ([]float32, error) {
	inputTensor, err := inference.CreateTensor(shape, input)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputTensor, err := inference.CreateEmptyTensor[float32]([]int64{1, int64(e.numClasses)})
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	if err := e.session.Run([]ort.Value{inputTensor}, []ort.Value{outputTensor}); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	raw := make([]float32, e.numClasses)
	copy(raw, outputTensor.GetData())
	return raw, nil
}

func (e *ortEngine) close() error {
	return e.session.Destroy()
}

// SingleBackend wraps one ONNX model behind the Backend contract.
type SingleBackend struct {
	modelPath string
	cfg       Config
	log       zerolog.Logger

	eng    engine
	loaded bool

	// newEngine builds the runtime engine during Load; replaceable in tests.
	newEngine func() (engine, error)
}

// NewSingle creates an unloaded single-model backend.
func NewSingle(modelPath string, cfg Config, log zerolog.Logger) *SingleBackend {
	cfg.applyDefaults()
	b := &SingleBackend{
		modelPath: modelPath,
		cfg:       cfg,
		log:       log.With().Str("backend", string(KindSingle)).Str("model", modelPath).Logger(),
	}
	b.newEngine = func() (engine, error) {
		return newORTEngine(b.modelPath, len(b.cfg.ClassNames), b.cfg.UseCUDA)
	}
	return b
}

// Kind reports the backend variant.
func (b *SingleBackend) Kind() Kind { return KindSingle }

// Loaded reports whether Load completed successfully.
func (b *SingleBackend) Loaded() bool { return b.loaded }

// Labels returns the ordered class taxonomy.
func (b *SingleBackend) Labels() []string { return b.cfg.ClassNames }

// Load opens the model artifact and creates the inference engine.
func (b *SingleBackend) Load() error {
	if _, err := os.Stat(b.modelPath); err != nil {
		return fmt.Errorf("model file missing: %w", err)
	}
	if ext := strings.ToLower(filepath.Ext(b.modelPath)); ext != ".onnx" {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}

	eng, err := b.newEngine()
	if err != nil {
		return fmt.Errorf("load model %s: %w", b.modelPath, err)
	}
	b.eng = eng
	b.loaded = true
	b.log.Info().Msg("model loaded")
	return nil
}

// Preprocess resizes the image to the configured input size, fixes the
// channel order to RGB, applies per-channel (x/255 - mean)/std normalization
// and returns the result in CHW layout with a leading batch dimension.
func (b *SingleBackend) Preprocess(img gocv.Mat) ([]float32, error) {
	width, height := b.cfg.InputSize[0], b.cfg.InputSize[1]

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(img, &resized, image.Pt(width, height), 0, 0, gocv.InterpolationLinear)

	rgb := gocv.NewMat()
	defer rgb.Close()
	switch resized.Channels() {
	case 1:
		gocv.CvtColor(resized, &rgb, gocv.ColorGrayToBGR)
		gocv.CvtColor(rgb, &rgb, gocv.ColorBGRToRGB)
	case 4:
		gocv.CvtColor(resized, &rgb, gocv.ColorBGRAToBGR)
		gocv.CvtColor(rgb, &rgb, gocv.ColorBGRToRGB)
	default:
		gocv.CvtColor(resized, &rgb, gocv.ColorBGRToRGB)
	}

	floatMat := gocv.NewMat()
	defer floatMat.Close()
	rgb.ConvertTo(&floatMat, gocv.MatTypeCV32FC3)

	channels := gocv.Split(floatMat)
	defer func() {
		for i := range channels {
			channels[i].Close()
		}
	}()
	if len(channels) != 3 {
		return nil, fmt.Errorf("expected 3 channels after conversion, got %d", len(channels))
	}

	hw := width * height
	chw := make([]float32, 3*hw)
	for c := 0; c < 3; c++ {
		// (x/255 - mean)/std == x/(255*std) - mean/std
		channels[c].MultiplyFloat(1.0 / (255.0 * b.cfg.Std[c]))
		channels[c].SubtractFloat(b.cfg.Mean[c] / b.cfg.Std[c])

		data, err := channels[c].DataPtrFloat32()
		if err != nil {
			return nil, fmt.Errorf("read channel %d: %w", c, err)
		}
		copy(chw[c*hw:(c+1)*hw], data)
	}
	return chw, nil
}

// Infer runs the engine forward pass and returns the raw class scores.
func (b *SingleBackend) Infer(input []float32) ([]float32, error) {
	if !b.loaded {
		return nil, ErrNotLoaded
	}
	shape := []int64{1, 3, int64(b.cfg.InputSize[1]), int64(b.cfg.InputSize[0])}
	return b.eng.infer(input, shape)
}

// Postprocess converts raw scores into a ranked, filtered result.
func (b *SingleBackend) Postprocess(raw []float32, threshold float32) *PredictionResult {
	return postprocess(raw, b.cfg.ClassNames, threshold)
}

// Predict composes Preprocess, Infer and Postprocess.
func (b *SingleBackend) Predict(img gocv.Mat, threshold float32) (*PredictionResult, error) {
	if !b.loaded {
		return nil, ErrNotLoaded
	}
	input, err := b.Preprocess(img)
	if err != nil {
		return nil, fmt.Errorf("preprocess: %w", err)
	}
	raw, err := b.eng.infer(input, []int64{1, 3, int64(b.cfg.InputSize[1]), int64(b.cfg.InputSize[0])})
	if err != nil {
		return nil, err
	}
	return b.Postprocess(raw, threshold), nil
}

// Close releases engine resources.
func (b *SingleBackend) Close() error {
	if b.eng != nil {
		return b.eng.close()
	}
	return nil
}
