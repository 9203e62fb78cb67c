package registry

import (
	"fmt"
	"strings"

	"github.com/markymo/compass-sub003/internal/model"
)

// Catalog is the static configuration of canonical fields and field groups.
type Catalog struct {
	Version string                  `json:"version" yaml:"version"`
	Fields  []model.FieldDefinition `json:"fields" yaml:"fields"`
	Groups  []model.FieldGroup      `json:"groups" yaml:"groups"`
}

// Build validates a catalog and returns the indexed registry. Any violation
// is reported as a *model.ConfigurationError listing every problem found; the
// caller is expected to abort startup.
func Build(c Catalog) (*model.FieldRegistry, error) {
	if problems := Validate(c); len(problems) > 0 {
		return nil, &model.ConfigurationError{Problems: problems}
	}
	return model.NewFieldRegistry(c.Version, c.Fields, c.Groups), nil
}

// MustBuild is like Build but panics on an invalid catalog.
func MustBuild(c Catalog) *model.FieldRegistry {
	reg, err := Build(c)
	if err != nil {
		panic(err)
	}
	return reg
}

// Validate checks registry/group consistency and returns a description of
// each problem. An empty result means the catalog is valid.
func Validate(c Catalog) []string {
	var problems []string

	known := make(map[int]bool, len(c.Fields))
	names := make(map[string]bool, len(c.Fields))
	for _, f := range c.Fields {
		switch {
		case f.FieldNo <= 0:
			problems = append(problems, fmt.Sprintf("field %q: field number must be positive, got %d", f.FieldName, f.FieldNo))
			continue
		case known[f.FieldNo]:
			problems = append(problems, fmt.Sprintf("field %d: duplicate field number", f.FieldNo))
			continue
		}
		known[f.FieldNo] = true

		name := strings.TrimSpace(f.FieldName)
		if name == "" {
			problems = append(problems, fmt.Sprintf("field %d: missing field name", f.FieldNo))
		} else if names[name] {
			problems = append(problems, fmt.Sprintf("field %d: duplicate field name %q", f.FieldNo, name))
		}
		names[name] = true

		if f.Table == "" || f.Column == "" {
			problems = append(problems, fmt.Sprintf("field %d: missing table/column", f.FieldNo))
		}
		if !f.DataType.Valid() {
			problems = append(problems, fmt.Sprintf("field %d: unknown data type %q", f.FieldNo, f.DataType))
		}
		if f.DataType == model.DataTypeSelect && len(f.Options) == 0 {
			problems = append(problems, fmt.Sprintf("field %d: select field has no options", f.FieldNo))
		}
	}

	groupIDs := make(map[string]bool, len(c.Groups))
	for _, g := range c.Groups {
		if g.ID == "" {
			problems = append(problems, "group with empty id")
			continue
		}
		if groupIDs[g.ID] {
			problems = append(problems, fmt.Sprintf("group %s: duplicate group id", g.ID))
		}
		groupIDs[g.ID] = true

		if len(g.FieldNos) == 0 {
			problems = append(problems, fmt.Sprintf("group %s: no member fields", g.ID))
		}
		for _, no := range g.FieldNos {
			if !known[no] {
				problems = append(problems, fmt.Sprintf("group %s: field %d not in registry", g.ID, no))
			}
		}
	}

	return problems
}
