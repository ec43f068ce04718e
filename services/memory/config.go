// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package memory

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxConfigFileSize caps config reads to keep malformed files from
// exhausting memory.
const MaxConfigFileSize = 1024 * 1024

// Config holds the externally supplied thresholds and budgets for the
// memory engine. Thresholds are not auto-tuned; they arrive from
// configuration and stay fixed for the process lifetime.
type Config struct {
	// LowThreshold is the similarity below which an incoming run is
	// admitted without consulting the judge.
	LowThreshold float64 `yaml:"low_threshold"`

	// HighThreshold is the similarity at and above which the pre-filter
	// defers to the judge with a REPLACE/MERGE hint.
	HighThreshold float64 `yaml:"high_threshold"`

	// TaskThreshold is the similarity at which two task texts are
	// considered the same task.
	TaskThreshold float64 `yaml:"task_threshold"`

	// SearchFloor is the minimum similarity for search results.
	SearchFloor float64 `yaml:"search_floor"`

	// AgreementThreshold is the similarity above which a retrieval hit
	// counts as corroborating the top hit.
	AgreementThreshold float64 `yaml:"agreement_threshold"`

	// EmbeddingDimension is the fixed vector dimension, checked at
	// startup and on every embed call.
	EmbeddingDimension int `yaml:"embedding_dimension"`

	// JudgeCandidates is how many ranked candidates the judge sees.
	JudgeCandidates int `yaml:"judge_candidates"`

	// RetrieveLimit is the default top-K for retrieval queries.
	RetrieveLimit int `yaml:"retrieve_limit"`

	// MaxConflictRetries is how many times an evaluation re-runs after a
	// store conflict before degrading to ADD.
	MaxConflictRetries int `yaml:"max_conflict_retries"`

	// MaxChainHops bounds supersession chain resolution against
	// malformed pointer data.
	MaxChainHops int `yaml:"max_chain_hops"`

	Judge     JudgeConfig     `yaml:"judge"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
}

// JudgeConfig bounds the single suspension point in the write path.
type JudgeConfig struct {
	// Timeout applies to each individual judge call.
	Timeout time.Duration `yaml:"timeout"`

	// MaxRetries is the number of retries after a transient failure.
	MaxRetries int `yaml:"max_retries"`

	// InitialBackoff is the first retry delay; it doubles per attempt
	// up to MaxBackoff.
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`

	// RequestsPerSecond rate-limits judge calls across evaluations.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// RetrievalConfig weights the confidence score components.
type RetrievalConfig struct {
	// TopWeight scales the best hit's similarity.
	TopWeight float64 `yaml:"top_weight"`

	// CorroborationWeight scales the fraction of hits above the
	// agreement threshold.
	CorroborationWeight float64 `yaml:"corroboration_weight"`

	// AgreementWeight scales the fraction of hits sharing the
	// dominant outcome.
	AgreementWeight float64 `yaml:"agreement_weight"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		LowThreshold:       0.7,
		HighThreshold:      0.95,
		TaskThreshold:      0.85,
		SearchFloor:        0.25,
		AgreementThreshold: 0.8,
		EmbeddingDimension: 1536,
		JudgeCandidates:    3,
		RetrieveLimit:      5,
		MaxConflictRetries: 3,
		MaxChainHops:       32,
		Judge: JudgeConfig{
			Timeout:           30 * time.Second,
			MaxRetries:        3,
			InitialBackoff:    500 * time.Millisecond,
			MaxBackoff:        8 * time.Second,
			RequestsPerSecond: 2,
		},
		Retrieval: RetrievalConfig{
			TopWeight:           0.5,
			CorroborationWeight: 0.3,
			AgreementWeight:     0.2,
		},
	}
}

// LoadConfig reads a YAML config file over the defaults.
//
// Description:
//
//	Starts from DefaultConfig, overlays the file's values, and
//	validates the result. A missing path returns validated defaults.
//
// Inputs:
//
//	path - YAML file path; "" means defaults only.
//
// Outputs:
//
//	Config - The merged configuration
//	error - Non-nil on read, parse, or validation failure
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, cfg.Validate()
	}

	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("opening config: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigFileSize+1))
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if len(data) > MaxConfigFileSize {
		return cfg, fmt.Errorf("config file exceeds %d bytes", MaxConfigFileSize)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, cfg.Validate()
}

// Validate checks threshold ordering and budget sanity.
func (c Config) Validate() error {
	inUnit := func(name string, v float64) error {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be in [0, 1], got %v", name, v)
		}
		return nil
	}
	for name, v := range map[string]float64{
		"low_threshold":       c.LowThreshold,
		"high_threshold":      c.HighThreshold,
		"task_threshold":      c.TaskThreshold,
		"agreement_threshold": c.AgreementThreshold,
	} {
		if err := inUnit(name, v); err != nil {
			return err
		}
	}
	if c.LowThreshold >= c.HighThreshold {
		return fmt.Errorf("low_threshold (%v) must be below high_threshold (%v)",
			c.LowThreshold, c.HighThreshold)
	}
	if c.SearchFloor < -1 || c.SearchFloor > 1 {
		return fmt.Errorf("search_floor must be in [-1, 1], got %v", c.SearchFloor)
	}
	if c.EmbeddingDimension <= 0 {
		return fmt.Errorf("embedding_dimension must be positive, got %d", c.EmbeddingDimension)
	}
	if c.JudgeCandidates <= 0 {
		return fmt.Errorf("judge_candidates must be positive, got %d", c.JudgeCandidates)
	}
	if c.RetrieveLimit <= 0 {
		return fmt.Errorf("retrieve_limit must be positive, got %d", c.RetrieveLimit)
	}
	if c.MaxConflictRetries < 0 {
		return fmt.Errorf("max_conflict_retries must not be negative, got %d", c.MaxConflictRetries)
	}
	if c.MaxChainHops <= 0 {
		return fmt.Errorf("max_chain_hops must be positive, got %d", c.MaxChainHops)
	}
	if c.Judge.Timeout <= 0 {
		return fmt.Errorf("judge timeout must be positive, got %v", c.Judge.Timeout)
	}
	if c.Judge.MaxRetries < 0 {
		return fmt.Errorf("judge max_retries must not be negative, got %d", c.Judge.MaxRetries)
	}
	w := c.Retrieval
	if w.TopWeight < 0 || w.CorroborationWeight < 0 || w.AgreementWeight < 0 {
		return fmt.Errorf("retrieval weights must not be negative")
	}
	if w.TopWeight+w.CorroborationWeight+w.AgreementWeight == 0 {
		return fmt.Errorf("retrieval weights must not all be zero")
	}
	return nil
}
