package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// SweepConfigDir returns the per-sweep config directory, using the
// "wandb/sweep-<sweep_id>/" layout.
func SweepConfigDir(root, sweepID string) string {
	return filepath.Join(root, "wandb", "sweep-"+sweepID)
}

// WriteTrialConfig materializes a trial's config file(s) under
// SweepConfigDir: config-<run_id>.yaml is always written; config-<run_id>.json
// is written only when writeJSON is true (only when ${args_json_file} is
// in the command template).
func WriteTrialConfig(root, sweepID, runID string, params map[string]any, writeJSON bool) (yamlPath string, jsonPath string, err error) {
	dir := SweepConfigDir(root, sweepID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("config: sweep dir: %w", err)
	}

	yamlPath = filepath.Join(dir, "config-"+runID+".yaml")
	yamlBytes, err := yaml.Marshal(params)
	if err != nil {
		return "", "", fmt.Errorf("config: marshal trial config: %w", err)
	}
	if err := os.WriteFile(yamlPath, yamlBytes, 0o644); err != nil {
		return "", "", fmt.Errorf("config: write %s: %w", yamlPath, err)
	}

	if !writeJSON {
		return yamlPath, "", nil
	}

	jsonPath = filepath.Join(dir, "config-"+runID+".json")
	jsonBytes, err := json.Marshal(params)
	if err != nil {
		return "", "", fmt.Errorf("config: marshal trial config json: %w", err)
	}
	if err := os.WriteFile(jsonPath, jsonBytes, 0o644); err != nil {
		return "", "", fmt.Errorf("config: write %s: %w", jsonPath, err)
	}
	return yamlPath, jsonPath, nil
}
