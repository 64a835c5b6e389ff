package toolhost

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// LoadPresets reads a preset file of server definitions and returns the
// configs ready for registration. The file format is inferred from the
// extension (YAML, JSON, or TOML) and must contain a top-level "servers"
// list:
//
//	servers:
//	  - name: github
//	    command: npx
//	    args: ["-y", "@modelcontextprotocol/server-github"]
//	    env:
//	      GITHUB_TOKEN: ${GITHUB_TOKEN}
//
// Placeholder values like ${GITHUB_TOKEN} are left untouched here; they are
// resolved against the client's credential source at connect time.
func LoadPresets(path string) ([]ServerConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read preset file: %w", err)
	}
	if !v.IsSet("servers") {
		return nil, fmt.Errorf("preset file %s has no servers list", path)
	}

	// viper lowercases map keys, including the env variable names nested in
	// the servers list, so the servers section is decoded again from the raw
	// file with the format's own decoder.
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read preset file: %w", err)
	}

	var presets struct {
		Servers []ServerConfig `yaml:"servers" json:"servers" toml:"servers"`
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, &presets)
	case ".json":
		err = json.Unmarshal(raw, &presets)
	case ".toml":
		err = toml.Unmarshal(raw, &presets)
	default:
		return nil, fmt.Errorf("unsupported preset format %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse preset file: %w", err)
	}

	for i, cfg := range presets.Servers {
		if cfg.Name == "" {
			return nil, fmt.Errorf("servers[%d]: name is required", i)
		}
	}

	return presets.Servers, nil
}
