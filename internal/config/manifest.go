package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/adanalytics/queryaccel/infrastructure/errors"
	"github.com/adanalytics/queryaccel/internal/catalog"
	"github.com/adanalytics/queryaccel/internal/eventmodel"
)

// MeasureSpec is one measure declared in a materialized view manifest: an
// aggregate function over a column, optionally restricted by Filter to a
// filtered aggregate. A bare scalar (e.g. "spend" or "event_count") is
// accepted as shorthand, matching the declarative query document's own
// measure shorthand: "event_count" unmarshals to count(*), anything else to
// sum(column).
type MeasureSpec struct {
	Func   string          `yaml:"func"`
	Column string          `yaml:"column"`
	Filter *catalog.Filter `yaml:"filter,omitempty"`
}

// UnmarshalYAML accepts either a bare scalar shorthand or the full
// {func, column, filter} mapping form.
func (m *MeasureSpec) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var name string
		if err := value.Decode(&name); err != nil {
			return err
		}
		if name == "event_count" {
			m.Func = string(eventmodel.AggCount)
			m.Column = eventmodel.CountColumn
		} else {
			m.Func = string(eventmodel.AggSum)
			m.Column = name
		}
		return nil
	}
	type raw MeasureSpec
	var r raw
	if err := value.Decode(&r); err != nil {
		return err
	}
	*m = MeasureSpec(r)
	return nil
}

// ToRule converts the spec into the catalog.MeasureRule form the builder
// and registry use.
func (m MeasureSpec) ToRule() catalog.MeasureRule {
	return catalog.MeasureRule{Func: m.Func, Column: m.Column, Filter: m.Filter}
}

// MVDefinition declares one materialized view the engine should build and
// keep refreshed: its grain, dimensions, measures, and any baked-in
// filters. This plays the same role a services.yaml registry plays in a
// microservice deployment manifest -- where that file declared which microservices
// exist and how to reach them, this one declares which materialized views
// exist and how to build them.
type MVDefinition struct {
	Name       string           `yaml:"name"`
	Grain      []string         `yaml:"grain"`
	Dimensions []string         `yaml:"dimensions"`
	Measures   []MeasureSpec    `yaml:"measures"`
	Filters    []catalog.Filter `yaml:"filters,omitempty"`
	AllowEmpty bool             `yaml:"allow_empty"`
}

// MeasureRules converts every declared measure spec into a catalog.MeasureRule.
func (d MVDefinition) MeasureRules() []catalog.MeasureRule {
	out := make([]catalog.MeasureRule, len(d.Measures))
	for i, m := range d.Measures {
		out[i] = m.ToRule()
	}
	return out
}

// Manifest is the full set of materialized views the engine manages.
type Manifest struct {
	MaterializedViews []MVDefinition `yaml:"materialized_views"`
}

// LoadManifest reads a Manifest from a YAML file. A missing file yields an
// empty manifest rather than an error, since a freshly deployed engine may
// not have any MVs declared yet.
func LoadManifest(path string) (Manifest, error) {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return Manifest{}, errors.NewInputError("resolving manifest path: " + err.Error())
	}

	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return Manifest{}, nil
		}
		return Manifest{}, errors.NewFatalError("reading mv manifest", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, errors.NewFatalError("parsing mv manifest", err)
	}
	for _, def := range m.MaterializedViews {
		if def.Name == "" {
			return Manifest{}, errors.NewInputError("materialized_views entry missing a name")
		}
		if len(def.Measures) == 0 {
			return Manifest{}, errors.NewInputErrorAt(
				"materialized_views["+def.Name+"]", "must declare at least one measure")
		}
	}
	return m, nil
}
