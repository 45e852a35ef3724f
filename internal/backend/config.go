package backend

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the sidecar document describing one backend: input spec, label
// taxonomy and the ensemble/cascade parameters. Zero values are replaced by
// defaults in applyDefaults.
type Config struct {
	ModelType string `json:"model_type" yaml:"model_type"`

	InputSize  []int     `json:"input_size" yaml:"input_size"` // [width, height]
	Mean       []float32 `json:"mean" yaml:"mean"`
	Std        []float32 `json:"std" yaml:"std"`
	ClassNames []string  `json:"class_names" yaml:"class_names"`

	UseCUDA bool `json:"use_cuda" yaml:"use_cuda"`

	// Ensemble parameters.
	EnsembleStrategy string    `json:"ensemble_strategy" yaml:"ensemble_strategy"`
	Weights          []float64 `json:"weights" yaml:"weights"`
	ModelPaths       []string  `json:"model_paths" yaml:"model_paths"`

	// Cascade (distillation) parameters.
	StudentModelPath  string   `json:"student_model_path" yaml:"student_model_path"`
	TeacherModelPaths []string `json:"teacher_model_paths" yaml:"teacher_model_paths"`
	UseTeacher        bool     `json:"use_teacher" yaml:"use_teacher"`
	Temperature       float64  `json:"temperature" yaml:"temperature"`
}

// DefaultConfig returns the configuration used when no sidecar is supplied.
func DefaultConfig() Config {
	cfg := Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if len(c.InputSize) != 2 {
		c.InputSize = []int{224, 224}
	}
	if len(c.Mean) != 3 {
		c.Mean = []float32{0.485, 0.456, 0.406}
	}
	if len(c.Std) != 3 {
		c.Std = []float32{0.229, 0.224, 0.225}
	}
	if c.EnsembleStrategy == "" {
		c.EnsembleStrategy = string(StrategyAverage)
	}
	if c.Temperature == 0 {
		c.Temperature = 4.0
	}
}

// ParseConfig decodes a sidecar document, trying JSON first and falling back
// to YAML. The format decision is made once per document, never per field.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err == nil {
		cfg.applyDefaults()
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config is neither valid JSON nor YAML: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadConfig reads a sidecar config file. Known extensions pick the decoder
// directly; anything else goes through ParseConfig auto-detection.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse json config %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse yaml config %s: %w", path, err)
		}
	default:
		return ParseConfig(data)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// resolvePaths turns member paths relative to the sidecar's model directory
// into absolute paths, leaving absolute entries untouched.
func resolvePaths(paths []string, dir string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, resolvePath(p, dir))
	}
	return out
}

func resolvePath(p, dir string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}
