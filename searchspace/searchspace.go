// Package searchspace defines hyperparameter sampling domains and the
// configuration values drawn from them.
//
// A Space maps hyperparameter names to Domains. Each Domain can carry an
// optional low-cost seed (the cheapest sensible value, where search starts)
// and an optional fixed init value (a known-good warm start).
package searchspace

import (
	"math"
	"math/rand/v2"

	"github.com/automl-go/autotune/pkg/errors"
	"golang.org/x/exp/constraints"
)

// Kind identifies the sampling distribution of a Domain.
type Kind int

const (
	// KindUniform samples uniformly on [Min, Max].
	KindUniform Kind = iota
	// KindLogUniform samples uniformly in log space on [Min, Max]; Min must be > 0.
	KindLogUniform
	// KindInt samples integers uniformly on [Min, Max].
	KindInt
	// KindChoice samples uniformly from a fixed set of values.
	KindChoice
)

// String returns the YAML name of the kind.
func (k Kind) String() string {
	switch k {
	case KindUniform:
		return "uniform"
	case KindLogUniform:
		return "loguniform"
	case KindInt:
		return "int"
	case KindChoice:
		return "choice"
	default:
		return "unknown"
	}
}

// Domain is one hyperparameter's sampling domain.
type Domain struct {
	Kind    Kind
	Min     float64
	Max     float64
	Choices []interface{}

	// LowCost is the cheapest sensible value for this dimension, used to
	// seed low-cost-first search. Nil means none declared.
	LowCost interface{}

	// Init is a fixed warm-start value. Nil means none declared.
	Init interface{}
}

// Uniform returns a continuous domain on [min, max].
func Uniform(min, max float64) Domain {
	return Domain{Kind: KindUniform, Min: min, Max: max}
}

// LogUniform returns a log-continuous domain on [min, max].
func LogUniform(min, max float64) Domain {
	return Domain{Kind: KindLogUniform, Min: min, Max: max}
}

// IntRange returns an integer domain on [min, max].
func IntRange[T constraints.Integer](min, max T) Domain {
	return Domain{Kind: KindInt, Min: float64(min), Max: float64(max)}
}

// Choice returns a categorical domain over the given values.
func Choice(values ...interface{}) Domain {
	return Domain{Kind: KindChoice, Choices: values}
}

// WithLowCost attaches a low-cost seed value to the domain.
func (d Domain) WithLowCost(v interface{}) Domain {
	d.LowCost = v
	return d
}

// WithInit attaches a fixed init value to the domain.
func (d Domain) WithInit(v interface{}) Domain {
	d.Init = v
	return d
}

// Sample draws a random value from the domain.
func (d Domain) Sample(rng *rand.Rand) interface{} {
	switch d.Kind {
	case KindUniform:
		return d.Min + rng.Float64()*(d.Max-d.Min)
	case KindLogUniform:
		logMin, logMax := math.Log(d.Min), math.Log(d.Max)
		return math.Exp(logMin + rng.Float64()*(logMax-logMin))
	case KindInt:
		lo, hi := int(d.Min), int(d.Max)
		return lo + rng.IntN(hi-lo+1)
	case KindChoice:
		return d.Choices[rng.IntN(len(d.Choices))]
	default:
		return nil
	}
}

// Neighbor perturbs value within the domain. step in (0, 1] scales the move
// relative to the domain width; categorical and integer dimensions flip with
// probability step.
func (d Domain) Neighbor(value interface{}, step float64, rng *rand.Rand) interface{} {
	switch d.Kind {
	case KindUniform:
		v, ok := value.(float64)
		if !ok {
			return d.Sample(rng)
		}
		v += rng.NormFloat64() * step * (d.Max - d.Min) * 0.5
		return clamp(v, d.Min, d.Max)
	case KindLogUniform:
		v, ok := value.(float64)
		if !ok || v <= 0 {
			return d.Sample(rng)
		}
		logV := math.Log(v) + rng.NormFloat64()*step*(math.Log(d.Max)-math.Log(d.Min))*0.5
		return math.Exp(clamp(logV, math.Log(d.Min), math.Log(d.Max)))
	case KindInt:
		v, ok := toInt(value)
		if !ok {
			return d.Sample(rng)
		}
		width := int(d.Max) - int(d.Min)
		delta := int(math.Round(rng.NormFloat64() * step * float64(width) * 0.5))
		if delta == 0 {
			if rng.IntN(2) == 0 {
				delta = 1
			} else {
				delta = -1
			}
		}
		return int(clamp(float64(v+delta), d.Min, d.Max))
	case KindChoice:
		if rng.Float64() < step {
			return d.Choices[rng.IntN(len(d.Choices))]
		}
		return value
	default:
		return nil
	}
}

// Contains reports whether value lies in the domain.
func (d Domain) Contains(value interface{}) bool {
	switch d.Kind {
	case KindUniform, KindLogUniform:
		v, ok := toFloat(value)
		return ok && v >= d.Min && v <= d.Max
	case KindInt:
		v, ok := toInt(value)
		return ok && float64(v) >= d.Min && float64(v) <= d.Max
	case KindChoice:
		for _, c := range d.Choices {
			if c == value {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// lowCostValue returns the declared low-cost seed, or a cheap default:
// the lower bound for numeric domains, the first choice for categorical.
func (d Domain) lowCostValue() interface{} {
	if d.LowCost != nil {
		return d.LowCost
	}
	switch d.Kind {
	case KindUniform, KindLogUniform:
		return d.Min
	case KindInt:
		return int(d.Min)
	case KindChoice:
		return d.Choices[0]
	default:
		return nil
	}
}

// validate checks the domain's own consistency.
func (d Domain) validate(name string) error {
	switch d.Kind {
	case KindUniform:
		if d.Min >= d.Max {
			return errors.NewValidationError(name, "min must be < max", d.Min)
		}
	case KindLogUniform:
		if d.Min <= 0 {
			return errors.NewValidationError(name, "loguniform min must be > 0", d.Min)
		}
		if d.Min >= d.Max {
			return errors.NewValidationError(name, "min must be < max", d.Min)
		}
	case KindInt:
		if d.Min > d.Max {
			return errors.NewValidationError(name, "min must be <= max", d.Min)
		}
	case KindChoice:
		if len(d.Choices) == 0 {
			return errors.NewValidationError(name, "choice domain needs at least one value", nil)
		}
	}
	return nil
}

// Space maps hyperparameter names to their domains.
type Space map[string]Domain

// Validate checks every domain in the space.
func (s Space) Validate() error {
	for name, d := range s {
		if err := d.validate(name); err != nil {
			return err
		}
	}
	return nil
}

// Sample draws a random configuration from the space.
func (s Space) Sample(rng *rand.Rand) Config {
	cfg := make(Config, len(s))
	for name, d := range s {
		cfg[name] = d.Sample(rng)
	}
	return cfg
}

// LowCostConfig returns the cheapest seed configuration of the space.
func (s Space) LowCostConfig() Config {
	cfg := make(Config, len(s))
	for name, d := range s {
		cfg[name] = d.lowCostValue()
	}
	return cfg
}

// InitConfig returns the configuration of declared init values, or nil when
// no dimension declares one. Dimensions without an init fall back to their
// low-cost value so the returned configuration is complete.
func (s Space) InitConfig() Config {
	any := false
	cfg := make(Config, len(s))
	for name, d := range s {
		if d.Init != nil {
			cfg[name] = d.Init
			any = true
		} else {
			cfg[name] = d.lowCostValue()
		}
	}
	if !any {
		return nil
	}
	return cfg
}

// Neighbor perturbs every dimension of cfg by step.
func (s Space) Neighbor(cfg Config, step float64, rng *rand.Rand) Config {
	out := make(Config, len(s))
	for name, d := range s {
		out[name] = d.Neighbor(cfg[name], step, rng)
	}
	return out
}

// Check validates that cfg assigns an in-domain value to every dimension.
func (s Space) Check(cfg Config) error {
	for name, d := range s {
		v, ok := cfg[name]
		if !ok {
			return errors.NewValidationError(name, "missing from configuration", nil)
		}
		if !d.Contains(v) {
			return errors.NewValidationError(name, "value outside domain", v)
		}
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func toFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	default:
		return 0, false
	}
}

func toInt(v interface{}) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int64:
		return int(x), true
	case float64:
		return int(x), true
	default:
		return 0, false
	}
}
