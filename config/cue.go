package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
)

// loadCUE evaluates a single CUE file and merges the resulting value over
// cfg. The document must evaluate to a concrete struct compatible with the
// Config schema; exporting through JSON keeps the decoding rules identical
// to the YAML path.
func loadCUE(path string, cfg *Config) error {
	instances := load.Instances([]string{filepath.Base(path)}, &load.Config{
		Dir: filepath.Dir(path),
	})
	if len(instances) == 0 {
		return fmt.Errorf("cue config %s: no instances", path)
	}
	inst := instances[0]
	if inst.Err != nil {
		return fmt.Errorf("load cue config %s: %w", path, inst.Err)
	}

	ctx := cuecontext.New()
	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return fmt.Errorf("build cue config %s: %w", path, err)
	}
	if err := value.Validate(); err != nil {
		return fmt.Errorf("validate cue config %s: %w", path, err)
	}

	data, err := value.MarshalJSON()
	if err != nil {
		return fmt.Errorf("export cue config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("decode cue config %s: %w", path, err)
	}
	return nil
}
