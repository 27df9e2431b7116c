package models

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ParamKind describes how a parameter value is parsed.
type ParamKind int

const (
	ParamInt ParamKind = iota
	ParamFloat
	ParamColumn
)

// ParamSpec describes one tunable parameter of an anonymization method.
type ParamSpec struct {
	Name        string
	Kind        ParamKind
	Min         float64
	Max         float64
	Default     any
	Description string
}

// Algorithm is one anonymization method offered by the service.
type Algorithm struct {
	ID          string
	Name        string
	Description string
	Params      []ParamSpec
}

// Known method identifiers, as the service expects them.
const (
	MethodKAnonymity          = "k-anonymity"
	MethodLDiversity          = "l-diversity"
	MethodDifferentialPrivacy = "differential-privacy"
)

var algorithms = []Algorithm{
	{
		ID:          MethodKAnonymity,
		Name:        "K-Anonymity",
		Description: "Each record is indistinguishable from at least k-1 others on its quasi-identifiers",
		Params: []ParamSpec{
			{Name: "k", Kind: ParamInt, Min: 2, Max: 100, Default: 5, Description: "minimum group size"},
		},
	},
	{
		ID:          MethodLDiversity,
		Name:        "L-Diversity",
		Description: "Each equivalence class has at least l distinct sensitive values",
		Params: []ParamSpec{
			{Name: "l", Kind: ParamInt, Min: 2, Max: 50, Default: 3, Description: "distinct sensitive values per class"},
			{Name: "sensitive_column", Kind: ParamColumn, Description: "column holding the sensitive attribute"},
		},
	},
	{
		ID:          MethodDifferentialPrivacy,
		Name:        "Differential Privacy",
		Description: "Adds calibrated noise so single records cannot be inferred",
		Params: []ParamSpec{
			{Name: "epsilon", Kind: ParamFloat, Min: 0.1, Max: 10, Default: 1.0, Description: "privacy budget (lower is more private)"},
		},
	},
}

// Algorithms returns the catalogue in display order.
func Algorithms() []Algorithm {
	return append([]Algorithm(nil), algorithms...)
}

// LookupAlgorithm finds a method by id (case-insensitive).
func LookupAlgorithm(id string) (Algorithm, bool) {
	for _, a := range algorithms {
		if strings.EqualFold(a.ID, strings.TrimSpace(id)) {
			return a, true
		}
	}
	return Algorithm{}, false
}

// DefaultParams returns the default values for every parameter that has one.
func (a Algorithm) DefaultParams() map[string]any {
	out := make(map[string]any, len(a.Params))
	for _, p := range a.Params {
		if p.Default != nil {
			out[p.Name] = p.Default
		}
	}
	return out
}

// ParseParams converts "name=value" strings into typed parameters, starting
// from the defaults. Values are validated with ValidateParams.
func (a Algorithm) ParseParams(pairs []string, columns []string) (map[string]any, error) {
	raw := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, NewError(ErrValidation, "params", fmt.Sprintf("parameter %q must be name=value", pair), nil)
		}
		raw[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}

	params := a.DefaultParams()
	for name, value := range raw {
		spec, ok := a.param(name)
		if !ok {
			return nil, NewError(ErrValidation, "params", fmt.Sprintf("%s does not accept parameter %q", a.ID, name), nil)
		}
		switch spec.Kind {
		case ParamInt:
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, NewError(ErrValidation, "params", fmt.Sprintf("%s must be an integer", name), err)
			}
			params[name] = n
		case ParamFloat:
			f, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return nil, NewError(ErrValidation, "params", fmt.Sprintf("%s must be a number", name), err)
			}
			params[name] = f
		default:
			params[name] = value
		}
	}

	if err := a.ValidateParams(params, columns); err != nil {
		return nil, err
	}
	return params, nil
}

// ValidateParams checks that every parameter is known, in range, and that
// column parameters name one of columns (when columns is non-empty).
func (a Algorithm) ValidateParams(params map[string]any, columns []string) error {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		spec, ok := a.param(name)
		if !ok {
			return NewError(ErrValidation, "params", fmt.Sprintf("%s does not accept parameter %q", a.ID, name), nil)
		}
		value := params[name]
		switch spec.Kind {
		case ParamInt, ParamFloat:
			f, ok := toFloat(value)
			if !ok {
				return NewError(ErrValidation, "params", fmt.Sprintf("%s must be numeric", name), nil)
			}
			if spec.Kind == ParamInt && f != math.Trunc(f) {
				return NewError(ErrValidation, "params", fmt.Sprintf("%s must be an integer", name), nil)
			}
			if f < spec.Min || f > spec.Max {
				return NewError(ErrValidation, "params",
					fmt.Sprintf("%s must be between %g and %g", name, spec.Min, spec.Max), nil)
			}
		case ParamColumn:
			col, _ := value.(string)
			if col == "" {
				return NewError(ErrValidation, "params", fmt.Sprintf("%s must name a column", name), nil)
			}
			if len(columns) > 0 && !containsString(columns, col) {
				return NewError(ErrValidation, "params", fmt.Sprintf("%s: unknown column %q", name, col), nil)
			}
		}
	}

	for _, spec := range a.Params {
		if spec.Kind == ParamColumn {
			if _, ok := params[spec.Name]; !ok {
				return NewError(ErrValidation, "params", fmt.Sprintf("%s requires parameter %q", a.ID, spec.Name), nil)
			}
		}
	}
	return nil
}

func (a Algorithm) param(name string) (ParamSpec, bool) {
	for _, p := range a.Params {
		if p.Name == name {
			return p, true
		}
	}
	return ParamSpec{}, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
