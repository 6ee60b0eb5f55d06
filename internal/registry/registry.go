// Package registry implements the feature-registry contract: the versioned,
// declarative mapping of feature names to dtype/nullability/category that
// decides which columns a family's feature table must carry. Registries are
// loaded read-only and never mutated at runtime.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/northwind-analytics/custintel/internal/table"
)

// FeatureSpec declares one feature column.
type FeatureSpec struct {
	DType    string `yaml:"dtype"`
	Nullable bool   `yaml:"nullable"`
	Category string `yaml:"category"`
}

// Registry is the contract for one (model family, version) pair.
type Registry struct {
	ModelFamily         string                 `yaml:"model_family"`
	Version             string                 `yaml:"version"`
	AllowedCategories   []string               `yaml:"allowed_categories"`
	ForbiddenCategories []string               `yaml:"forbidden_categories"`
	Features            map[string]FeatureSpec `yaml:"features"`
}

// Violation is a fatal registry contract violation: extra or missing
// columns, or a forbidden feature category for the model family. Training on
// a bad feature set silently produces a misleading model, so builds abort.
type Violation struct {
	Family string
	Detail string
}

func (e *Violation) Error() string {
	return fmt.Sprintf("feature registry violation (%s): %s", e.Family, e.Detail)
}

// IsViolation reports whether err is a registry violation.
func IsViolation(err error) bool {
	var v *Violation
	return errors.As(err, &v)
}

// Load reads the registry for (family, version) from dir.
func Load(dir, family, version string) (*Registry, error) {
	path := filepath.Join(dir, family+"_"+version+".yaml")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load feature registry %s/%s: %w", family, version, err)
	}
	var reg Registry
	if err := yaml.Unmarshal(raw, &reg); err != nil {
		return nil, fmt.Errorf("parse feature registry %s: %w", path, err)
	}
	if len(reg.Features) == 0 {
		return nil, fmt.Errorf("feature registry %s declares no features", path)
	}
	if err := reg.checkCategories(); err != nil {
		return nil, err
	}
	return &reg, nil
}

func (r *Registry) checkCategories() error {
	allowed := make(map[string]bool, len(r.AllowedCategories))
	for _, c := range r.AllowedCategories {
		allowed[c] = true
	}
	for name, spec := range r.Features {
		for _, forbidden := range r.ForbiddenCategories {
			if spec.Category == forbidden {
				return &Violation{
					Family: r.ModelFamily,
					Detail: fmt.Sprintf("feature %q has forbidden category %q", name, spec.Category),
				}
			}
		}
		if len(allowed) > 0 && !allowed[spec.Category] {
			return &Violation{
				Family: r.ModelFamily,
				Detail: fmt.Sprintf("feature %q has category %q outside the allowed set", name, spec.Category),
			}
		}
	}
	return nil
}

// FeatureNames returns declared feature names in sorted order, identity key
// first so persisted tables keep a stable, readable layout.
func (r *Registry) FeatureNames() []string {
	names := make([]string, 0, len(r.Features))
	for name := range r.Features {
		if name == "customer_id" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if _, ok := r.Features["customer_id"]; ok {
		names = append([]string{"customer_id"}, names...)
	}
	return names
}

// Validate checks a candidate feature table against the registry: the column
// set must exactly equal the declared features — no silent extra or missing
// columns — and non-nullable features must carry no nulls.
func (r *Registry) Validate(t *table.Table) error {
	declared := make(map[string]bool, len(r.Features))
	for name := range r.Features {
		declared[name] = true
	}

	var missing, extra []string
	actual := make(map[string]bool)
	for _, col := range t.Columns() {
		actual[col] = true
		if !declared[col] {
			extra = append(extra, col)
		}
	}
	for name := range declared {
		if !actual[name] {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	sort.Strings(extra)
	if len(missing) > 0 || len(extra) > 0 {
		return &Violation{
			Family: r.ModelFamily,
			Detail: fmt.Sprintf("column set mismatch: missing=[%s] extra=[%s]",
				strings.Join(missing, " "), strings.Join(extra, " ")),
		}
	}

	for name, spec := range r.Features {
		if spec.Nullable {
			continue
		}
		col, _ := t.Col(name)
		for i := 0; i < t.NumRows(); i++ {
			if !col.IsValid(i) {
				return &Violation{
					Family: r.ModelFamily,
					Detail: fmt.Sprintf("non-nullable feature %q has null at row %d", name, i),
				}
			}
		}
	}
	return nil
}
