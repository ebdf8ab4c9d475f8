package config

import (
	"bytes"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/terradev/terradev/internal/quotes"
)

// Options is the recognized request-tuning option set, usually loaded
// from a YAML file. Unknown keys are rejected.
type Options struct {
	ParallelQueries   int            `yaml:"parallel_queries"`
	MaxPriceThreshold float64        `yaml:"max_price_threshold"`
	PreferredRegions  []string       `yaml:"preferred_regions"`
	Optimization      quotes.Weights `yaml:"optimization_settings"`
	Analytics         Analytics      `yaml:"analytics_settings"`
}

type Analytics struct {
	RetentionDays int `yaml:"retention_days"`
}

// DefaultOptions returns the stock option set.
func DefaultOptions() Options {
	return Options{
		ParallelQueries:   6,
		MaxPriceThreshold: 10.0,
		Optimization:      quotes.DefaultWeights,
		Analytics:         Analytics{RetentionDays: 30},
	}
}

// LoadOptions reads and validates an options file. Missing keys keep
// their defaults; unknown keys fail the load.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()

	raw, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("read options: %w", err)
	}
	if err := ParseOptions(raw, &opts); err != nil {
		return DefaultOptions(), err
	}
	return opts, nil
}

// ParseOptions decodes YAML into opts with strict key checking.
func ParseOptions(raw []byte, opts *Options) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(opts); err != nil {
		return fmt.Errorf("parse options: %w", err)
	}
	return opts.Validate()
}

// Validate enforces option invariants.
func (o *Options) Validate() error {
	if o.ParallelQueries < 1 {
		return fmt.Errorf("parallel_queries must be >= 1, got %d", o.ParallelQueries)
	}
	if o.MaxPriceThreshold < 0 {
		return fmt.Errorf("max_price_threshold must be >= 0, got %g", o.MaxPriceThreshold)
	}
	if o.Analytics.RetentionDays < 0 {
		return fmt.Errorf("retention_days must be >= 0, got %d", o.Analytics.RetentionDays)
	}

	w := o.Optimization
	sum := w.Price + w.Availability + w.Latency + w.Reliability
	if math.Abs(sum-1.0) > 1e-6 {
		return fmt.Errorf("optimization weights must sum to 1.0, got %g", sum)
	}
	return nil
}
