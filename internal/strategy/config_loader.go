package strategy

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Definition is a named strategy declared in YAML.
type Definition struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Config      `yaml:",inline"`
}

// ConfigFile represents the top-level YAML structure.
type ConfigFile struct {
	Strategies []Definition `yaml:"strategies"`
}

// LoadConfig reads and validates strategy definitions from a YAML file.
func LoadConfig(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file ConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	seen := map[string]bool{}
	for i, def := range file.Strategies {
		if def.Name == "" {
			return nil, fmt.Errorf("%w: strategies[%d] has no name", ErrInvalidConfig, i)
		}
		if seen[def.Name] {
			return nil, fmt.Errorf("%w: duplicate strategy name %q", ErrInvalidConfig, def.Name)
		}
		seen[def.Name] = true

		cfg, err := Validate(def.Config)
		if err != nil {
			return nil, fmt.Errorf("strategy %q: %w", def.Name, err)
		}
		file.Strategies[i].Config = cfg
	}
	return file.Strategies, nil
}

// SyncConfigToDB upserts definitions into the strategies table by name.
// Existing rows keep their id.
func SyncConfigToDB(ctx context.Context, db *sql.DB, defs []Definition) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO strategies (id, name, description, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description = excluded.description,
			config = excluded.config,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, def := range defs {
		raw, err := def.Config.JSON()
		if err != nil {
			return fmt.Errorf("failed to marshal config for strategy %s: %w", def.Name, err)
		}
		if _, err := stmt.ExecContext(ctx, uuid.NewString(), def.Name, def.Description, raw, now, now); err != nil {
			return fmt.Errorf("failed to upsert strategy %s: %w", def.Name, err)
		}
	}
	return tx.Commit()
}
