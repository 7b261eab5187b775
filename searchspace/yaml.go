package searchspace

import (
	"gopkg.in/yaml.v3"

	"github.com/automl-go/autotune/pkg/errors"
)

// domainSpec is the YAML form of one hyperparameter domain:
//
//	learning_rate:
//	  kind: loguniform
//	  min: 1.0e-4
//	  max: 1.0
//	  low_cost: 0.1
//	n_estimators:
//	  kind: int
//	  min: 4
//	  max: 1000
//	  init: 100
//	booster:
//	  kind: choice
//	  choices: [gbtree, dart]
type domainSpec struct {
	Kind    string        `yaml:"kind"`
	Min     float64       `yaml:"min"`
	Max     float64       `yaml:"max"`
	Choices []interface{} `yaml:"choices"`
	LowCost interface{}   `yaml:"low_cost"`
	Init    interface{}   `yaml:"init"`
}

// LoadYAML parses a search space declaration.
func LoadYAML(data []byte) (Space, error) {
	var raw map[string]domainSpec
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "searchspace: invalid YAML")
	}

	space := make(Space, len(raw))
	for name, spec := range raw {
		d, err := spec.toDomain(name)
		if err != nil {
			return nil, err
		}
		space[name] = d
	}

	if err := space.Validate(); err != nil {
		return nil, err
	}
	return space, nil
}

func (s domainSpec) toDomain(name string) (Domain, error) {
	var d Domain
	switch s.Kind {
	case "uniform":
		d = Uniform(s.Min, s.Max)
	case "loguniform":
		d = LogUniform(s.Min, s.Max)
	case "int":
		d = IntRange(int(s.Min), int(s.Max))
	case "choice":
		d = Choice(s.Choices...)
	default:
		return Domain{}, errors.NewValidationError(name, "unknown domain kind", s.Kind)
	}

	if s.LowCost != nil {
		d = d.WithLowCost(normalizeYAMLValue(d, s.LowCost))
	}
	if s.Init != nil {
		d = d.WithInit(normalizeYAMLValue(d, s.Init))
	}
	return d, nil
}

// normalizeYAMLValue coerces YAML scalars to the value type the domain
// samples, so int domains hold ints and continuous domains hold float64s.
func normalizeYAMLValue(d Domain, v interface{}) interface{} {
	switch d.Kind {
	case KindUniform, KindLogUniform:
		if f, ok := toFloat(v); ok {
			return f
		}
	case KindInt:
		if i, ok := toInt(v); ok {
			return i
		}
	}
	return v
}
