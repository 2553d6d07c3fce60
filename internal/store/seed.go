package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/namajain/kily-agent/internal/domain"
	"gopkg.in/yaml.v3"
)

// SeedFile is the on-disk shape of a profile seed file.
type SeedFile struct {
	Profiles []domain.Profile `yaml:"profiles"`
}

// LoadSeedFile parses a YAML profile seed file.
func LoadSeedFile(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	for i, p := range seed.Profiles {
		if p.ID == "" || p.UserID == "" {
			return nil, fmt.Errorf("seed profile %d: id and user_id are required", i)
		}
		if len(p.DataSources) == 0 {
			return nil, fmt.Errorf("seed profile %s: at least one data source is required", p.ID)
		}
		for _, ds := range p.DataSources {
			if ds.Locator == "" || ds.Filename == "" {
				return nil, fmt.Errorf("seed profile %s: data source needs locator and filename", p.ID)
			}
		}
	}
	return &seed, nil
}

// SeedProfiles upserts every profile in the seed file. A missing file is not an error.
func SeedProfiles(ctx context.Context, profiles ProfileStore, path string) (int, error) {
	if path == "" {
		return 0, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		slog.Info("No profile seed file found, skipping", "path", path)
		return 0, nil
	}

	seed, err := LoadSeedFile(path)
	if err != nil {
		return 0, err
	}
	for i := range seed.Profiles {
		if err := profiles.UpsertProfile(ctx, &seed.Profiles[i]); err != nil {
			return i, fmt.Errorf("seed profile %s: %w", seed.Profiles[i].ID, err)
		}
	}
	return len(seed.Profiles), nil
}
