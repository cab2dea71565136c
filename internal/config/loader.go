package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// loadFile reads one configuration file into a strictly-decoded Config.
// Environment variables are expanded before parsing, so values like
// ${HOME}/ptbb resolve regardless of format. The extension picks the
// parser: .json and .json5 go through JSON5 (comments and trailing
// commas allowed), everything else is YAML.
func loadFile(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	expanded := []byte(os.ExpandEnv(string(data)))

	if ext := strings.ToLower(filepath.Ext(path)); ext == ".json" || ext == ".json5" {
		return decodeJSON5Config(expanded)
	}
	return decodeYAMLConfig(expanded)
}

// decodeJSON5Config routes JSON5 through the YAML decoder so unknown-field
// rejection works the same in both formats.
func decodeJSON5Config(data []byte) (*Config, error) {
	var raw map[string]any
	if err := json5.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize config: %w", err)
	}
	return decodeYAMLConfig(payload)
}

// decodeYAMLConfig strictly decodes a single YAML document, rejecting
// fields the Config struct does not declare.
func decodeYAMLConfig(data []byte) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		if err == io.EOF {
			return &cfg, nil
		}
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}
	return &cfg, nil
}
