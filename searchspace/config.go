package searchspace

import (
	"fmt"
	"hash/fnv"
	"sort"
)

// Config is one concrete hyperparameter assignment.
type Config map[string]interface{}

// Clone returns a shallow copy of the configuration.
func (c Config) Clone() Config {
	out := make(Config, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Float reads a numeric hyperparameter as float64, with a default for
// missing keys. Integer values are widened.
func (c Config) Float(name string, def float64) float64 {
	if v, ok := c[name]; ok {
		if f, ok := toFloat(v); ok {
			return f
		}
	}
	return def
}

// Int reads an integer hyperparameter, with a default for missing keys.
func (c Config) Int(name string, def int) int {
	if v, ok := c[name]; ok {
		if i, ok := toInt(v); ok {
			return i
		}
	}
	return def
}

// String reads a string hyperparameter, with a default for missing keys.
func (c Config) String(name, def string) string {
	if v, ok := c[name]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// Signature returns a deterministic fingerprint of (config, sampleSize).
// The run state uses it to detect duplicate retraining: the same learner
// configuration at the same sample size must only ever be retrained once.
func Signature(c Config, sampleSize int) string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := fnv.New64a()
	fmt.Fprintf(h, "n=%d", sampleSize)
	for _, k := range keys {
		// %v on floats is stable for identical values, which is all the
		// dedup set needs.
		fmt.Fprintf(h, ";%s=%v", k, c[k])
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
