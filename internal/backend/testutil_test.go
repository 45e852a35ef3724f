package backend

import (
	"github.com/rs/zerolog"
	"gocv.io/x/gocv"
)

// stubEngine replaces the ONNX session in tests with canned raw scores.
type stubEngine struct {
	out []float32
	err error
}

func (e *stubEngine) infer(_ []float32, _ []int64) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	out := make([]float32, len(e.out))
	copy(out, e.out)
	return out, nil
}

func (e *stubEngine) close() error { return nil }

// stubSingle builds a loaded single backend over a stub engine.
func stubSingle(cfg Config, out []float32, err error) *SingleBackend {
	b := NewSingle("stub.onnx", cfg, zerolog.Nop())
	b.eng = &stubEngine{out: out, err: err}
	b.loaded = true
	return b
}

// testImage returns a small solid-color BGR image for predict calls.
func testImage() gocv.Mat {
	return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(20, 160, 30, 0), 32, 32, gocv.MatTypeCV8UC3)
}

func testConfig(classes ...string) Config {
	cfg := DefaultConfig()
	cfg.ClassNames = classes
	return cfg
}
