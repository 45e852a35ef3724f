// Package backend implements the loadable inference units behind the
// routing engine: a single ONNX model, an ensemble of models with a
// configurable aggregation strategy, and a student/teacher cascade.
package backend

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"
)

// Kind discriminates the closed set of backend variants.
type Kind string

const (
	KindSingle   Kind = "single"
	KindEnsemble Kind = "ensemble"
	KindCascade  Kind = "cascade"
)

var (
	// ErrNotLoaded is returned when Predict is called before a successful Load.
	ErrNotLoaded = errors.New("backend not loaded")

	// ErrNoMembers is returned by an ensemble Load when zero members loaded.
	ErrNoMembers = errors.New("no ensemble members loaded")

	// ErrAllMembersFailed is returned by an ensemble Predict when every
	// member's engine call failed on that invocation.
	ErrAllMembersFailed = errors.New("all ensemble members failed")

	// ErrUnsupportedFormat is returned for model artifacts that are not ONNX.
	ErrUnsupportedFormat = errors.New("unsupported model format")
)

// Backend is one loadable inference unit. Implementations are frozen after a
// successful Load and safe for concurrent Predict calls.
type Backend interface {
	Kind() Kind
	Load() error
	Loaded() bool
	Labels() []string
	Predict(img gocv.Mat, threshold float32) (*PredictionResult, error)
	Close() error
}

// New builds a backend from a model artifact path and an optional sidecar
// config path. The sidecar's model_type selects the variant; relative member
// paths resolve against the model's directory. The returned backend still
// needs Load().
func New(modelPath, configPath string, log zerolog.Logger) (Backend, error) {
	cfg := DefaultConfig()
	if configPath != "" {
		loaded, err := LoadConfig(configPath)
		if err != nil {
			return nil, fmt.Errorf("load sidecar config: %w", err)
		}
		cfg = loaded
	}

	dir := filepath.Dir(modelPath)

	switch strings.ToLower(cfg.ModelType) {
	case "ensemble":
		paths := resolvePaths(cfg.ModelPaths, dir)
		if len(paths) == 0 {
			return nil, fmt.Errorf("ensemble config has no model_paths: %w", ErrNoMembers)
		}
		return NewEnsemble(paths, cfg, log), nil

	case "distillation", "cascade":
		student := cfg.StudentModelPath
		if student == "" {
			student = modelPath
		} else {
			student = resolvePath(student, dir)
		}
		teachers := resolvePaths(cfg.TeacherModelPaths, dir)
		return NewCascade(student, teachers, cfg, log), nil

	default:
		return NewSingle(modelPath, cfg, log), nil
	}
}
