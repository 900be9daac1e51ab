// Package rateestimate maps (model, prompt tokens, completion tokens) to an
// estimated USD cost, using a built-in rate table merged with an external
// overrides document, following the teacher's config default-then-override
// idiom applied to a rate table instead of process configuration.
package rateestimate

import (
	"context"
	"fmt"
	"os"

	"go.yaml.in/yaml/v3"

	"github.com/routepilot/routepilot/internal/storage"
)

// Rate holds per-1000-token input/output pricing in USD.
type Rate struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

var defaultUnknownRate = Rate{Input: 0.2, Output: 0.8}

var builtin = map[string]Rate{
	"gpt-4o":                 {Input: 0.005, Output: 0.015},
	"gpt-4o-mini":            {Input: 0.00015, Output: 0.0006},
	"gpt-4-turbo":            {Input: 0.01, Output: 0.03},
	"gpt-3.5-turbo":          {Input: 0.0005, Output: 0.0015},
	"claude-3-5-sonnet":      {Input: 0.003, Output: 0.015},
	"claude-3-haiku":         {Input: 0.00025, Output: 0.00125},
	"gemini-1.5-pro":         {Input: 0.00125, Output: 0.005},
	"gemini-1.5-flash":       {Input: 0.000075, Output: 0.0003},
}

// Table resolves a model's Rate from the built-in table merged with
// overrides loaded from a YAML document and the Ledger's rate_overrides
// table, override wins on conflict.
type Table struct {
	rates map[string]Rate
}

type overridesDocument struct {
	Rates map[string]Rate `yaml:"rates"`
}

// Load builds a Table from the built-in rates, an optional overrides YAML
// file at path (skipped if path is empty or the file does not exist), and
// whatever rows are already persisted in store. Overrides loaded from path
// are also upserted into store so they remain visible to the diagnostics
// surface across process restarts.
func Load(ctx context.Context, path string, store storage.RateOverrideStore) (*Table, error) {
	merged := make(map[string]Rate, len(builtin))
	for model, rate := range builtin {
		merged[model] = rate
	}

	if path != "" {
		doc, err := loadDocument(path)
		if err != nil {
			return nil, err
		}
		for model, rate := range doc.Rates {
			merged[model] = rate
			if store != nil {
				if err := store.UpsertRateOverride(ctx, storage.RateOverride{
					Model: model, InputPerK: rate.Input, OutputPerK: rate.Output,
				}); err != nil {
					return nil, fmt.Errorf("rateestimate: persist override %q: %w", model, err)
				}
			}
		}
	}

	if store != nil {
		stored, err := store.ListRateOverrides(ctx)
		if err != nil {
			return nil, fmt.Errorf("rateestimate: list stored overrides: %w", err)
		}
		for _, o := range stored {
			merged[o.Model] = Rate{Input: o.InputPerK, Output: o.OutputPerK}
		}
	}

	return &Table{rates: merged}, nil
}

func loadDocument(path string) (*overridesDocument, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &overridesDocument{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("rateestimate: read overrides %q: %w", path, err)
	}
	var doc overridesDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("rateestimate: parse overrides %q: %w", path, err)
	}
	return &doc, nil
}

// RateFor resolves model's rate, defaulting to {0.2, 0.8} when unknown.
func (t *Table) RateFor(model string) Rate {
	if r, ok := t.rates[model]; ok {
		return r
	}
	return defaultUnknownRate
}

// EstimateCost computes (prompt*rate.input + completion*rate.output) / 1000.
func (t *Table) EstimateCost(model string, promptTokens, completionTokens int) float64 {
	rate := t.RateFor(model)
	return (float64(promptTokens)*rate.Input + float64(completionTokens)*rate.Output) / 1000
}
