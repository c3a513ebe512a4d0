package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Load reads the risk document at path. A missing file is replaced by a
// default document with every engine paused and no markets.
func Load(path string) (*Risk, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := &Risk{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown key %s", path, undecoded[0].String())
	}
	if err := ValidateRisk(*cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// createDefault writes and returns a document that keeps the protocol inert
// until an operator fills it in.
func createDefault(path string) (*Risk, error) {
	cfg := &Risk{
		Pauses: Pauses{Vault: true, Market: true, Strategy: true},
		Quota: Quota{
			MaxRequestsPerEpoch: 600,
			EpochSeconds:        3600,
		},
		Markets: []Market{},
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path after validating it.
func Save(path string, cfg *Risk) error {
	if cfg == nil {
		return fmt.Errorf("config: nil risk document")
	}
	if err := ValidateRisk(*cfg); err != nil {
		return err
	}
	return persist(path, cfg)
}

func persist(path string, cfg *Risk) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
