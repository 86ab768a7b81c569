package panel

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Settings are the two calibration scalars that survive restarts.
type Settings struct {
	Setpoint    float64 `yaml:"setpoint"`
	TrimPercent float64 `yaml:"trim_percent"`
}

// Store persists the settings to a YAML file. Writes go through a temporary
// file and rename so a power loss mid-write leaves the previous file intact.
type Store struct {
	path string
}

// NewStore returns a store backed by the given path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the persisted settings. A missing file is not an error and
// returns zero settings.
func (s *Store) Load() (Settings, error) {
	var settings Settings
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return settings, nil
		}
		return settings, fmt.Errorf("read settings %s: %w", s.path, err)
	}
	if err := yaml.Unmarshal(raw, &settings); err != nil {
		return Settings{}, fmt.Errorf("unmarshal settings %s: %w", s.path, err)
	}
	return settings, nil
}

// Save writes the settings atomically.
func (s *Store) Save(settings Settings) error {
	raw, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".settings-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp settings file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close settings: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace settings %s: %w", s.path, err)
	}
	return nil
}
