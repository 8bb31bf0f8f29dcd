// Package config defines the engine's typed configuration and its
// validation rules. There is deliberately no file/env/CLI loader here:
// bootstrapping a Config from flags or a config file is an external
// concern the engine's embedder owns; this package only defines the
// shape and validates it.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/johnnywatts/forker/internal/concurrency"
	"github.com/johnnywatts/forker/internal/discovery"
	"github.com/johnnywatts/forker/internal/retry"
)

// Target names one replication destination.
type Target struct {
	ID   string `validate:"required"`
	Root string `validate:"required"`
}

// Config is the complete, validated configuration for one engine
// instance.
type Config struct {
	EngineName string `validate:"required"`

	SourceRoots []string `validate:"required,min=1,dive,required"`
	Targets     []Target `validate:"required,min=2,dive"`

	DBPath string `validate:"required"`

	ChunkBytes int `validate:"min=0"`

	Discovery   discovery.Config
	Retry       retry.Policy
	Concurrency concurrency.Config

	PerTargetParallelism int `validate:"min=1"`

	HealthCheckInterval time.Duration `validate:"min=0"`
}

// Validate checks every field-level constraint and the cross-field
// invariants the tags can't express (distinct target ids, a positive
// concurrency ceiling).
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	seen := make(map[string]bool, len(c.Targets))
	for _, t := range c.Targets {
		if seen[t.ID] {
			return fmt.Errorf("config: duplicate target id %q", t.ID)
		}
		seen[t.ID] = true
	}

	if c.Concurrency.Max < 1 {
		return fmt.Errorf("config: concurrency.Max must be >= 1")
	}

	return nil
}

// Default returns a Config with every ambient default filled in except
// the fields that name this deployment's actual roots, targets, and
// database path, which the caller must always set explicitly.
func Default(engineName string, sourceRoots []string, targets []Target, dbPath string) Config {
	return Config{
		EngineName:           engineName,
		SourceRoots:          sourceRoots,
		Targets:              targets,
		DBPath:               dbPath,
		ChunkBytes:           0, // 0 selects hasher.DefaultChunkBytes
		Discovery:            discovery.DefaultConfig(),
		Retry:                retry.DefaultPolicy(),
		Concurrency:          concurrency.DefaultConfig(4),
		PerTargetParallelism: 2,
		HealthCheckInterval:  30 * time.Second,
	}
}
