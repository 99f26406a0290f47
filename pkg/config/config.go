// Package config loads JSON configuration into caller-provided structs.
// It exists so that pkg/machineconfig (and any future config holder) does
// not need to repeat "read file, unmarshal, wrap error" boilerplate.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadData unmarshals data into cfg.
func LoadData(data []byte, cfg any) error {
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// LoadFile reads filename and unmarshals it into cfg.
func LoadFile(filename string, cfg any) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return LoadData(data, cfg)
}
