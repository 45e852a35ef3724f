// Package config loads the service configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the service. Zero values mean
// "unspecified" and are replaced by defaults in main.
type Config struct {
	Addr     string `json:"addr" yaml:"addr" toml:"addr"`
	LogLevel string `json:"log_level" yaml:"log_level" toml:"log_level"`

	// ORTLibraryPath points at the ONNX Runtime shared library; empty uses
	// the platform default lookup.
	ORTLibraryPath string `json:"ort_library_path" yaml:"ort_library_path" toml:"ort_library_path"`

	// Fast (student) backend artifact and optional sidecar.
	FastModelPath string `json:"fast_model_path" yaml:"fast_model_path" toml:"fast_model_path"`
	FastModelConf string `json:"fast_model_config" yaml:"fast_model_config" toml:"fast_model_config"`

	// Ensemble backend artifact and optional sidecar.
	EnsembleModelPath string `json:"ensemble_model_path" yaml:"ensemble_model_path" toml:"ensemble_model_path"`
	EnsembleModelConf string `json:"ensemble_model_config" yaml:"ensemble_model_config" toml:"ensemble_model_config"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}
