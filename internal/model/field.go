package model

import "sort"

// DataType is the declared type of a canonical field's value.
type DataType string

const (
	DataTypeText    DataType = "text"
	DataTypeNumber  DataType = "number"
	DataTypeDate    DataType = "date"
	DataTypeBoolean DataType = "boolean"
	DataTypeSelect  DataType = "select"
	DataTypeGroup   DataType = "group"
)

// Valid reports whether d is one of the supported data types.
func (d DataType) Valid() bool {
	switch d {
	case DataTypeText, DataTypeNumber, DataTypeDate, DataTypeBoolean, DataTypeSelect, DataTypeGroup:
		return true
	}
	return false
}

// FieldDefinition describes one canonical field of a legal entity's master record.
type FieldDefinition struct {
	FieldNo   int      `json:"field_no" yaml:"field_no"`
	FieldName string   `json:"field_name" yaml:"field_name"`
	Table     string   `json:"table" yaml:"table"`
	Column    string   `json:"column" yaml:"column"`
	DataType  DataType `json:"data_type" yaml:"data_type"`
	Options   []string `json:"options,omitempty" yaml:"options,omitempty"`
	Notes     string   `json:"notes,omitempty" yaml:"notes,omitempty"`
}

// FieldGroup is a named, ordered set of field numbers forming a composite
// concept such as an address.
type FieldGroup struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name" yaml:"name"`
	FieldNos []int  `json:"field_nos" yaml:"field_nos"`
}

// Contains reports whether fieldNo is a member of the group.
func (g FieldGroup) Contains(fieldNo int) bool {
	for _, n := range g.FieldNos {
		if n == fieldNo {
			return true
		}
	}
	return false
}

// FieldRegistry is an indexed, read-only collection of field definitions and
// groups. Build one through registry.Build so that group membership is
// validated before anything dereferences it.
type FieldRegistry struct {
	Version string

	fields   []FieldDefinition
	byNo     map[int]*FieldDefinition
	byName   map[string]*FieldDefinition
	groups   []FieldGroup
	groupIdx map[string]*FieldGroup
}

// NewFieldRegistry creates a FieldRegistry with indexed lookups. Fields are
// ordered by field number. It performs no validation.
func NewFieldRegistry(version string, fields []FieldDefinition, groups []FieldGroup) *FieldRegistry {
	r := &FieldRegistry{
		Version:  version,
		fields:   make([]FieldDefinition, len(fields)),
		byNo:     make(map[int]*FieldDefinition, len(fields)),
		byName:   make(map[string]*FieldDefinition, len(fields)),
		groups:   make([]FieldGroup, len(groups)),
		groupIdx: make(map[string]*FieldGroup, len(groups)),
	}
	copy(r.fields, fields)
	sort.SliceStable(r.fields, func(i, j int) bool { return r.fields[i].FieldNo < r.fields[j].FieldNo })
	for i := range r.fields {
		f := &r.fields[i]
		r.byNo[f.FieldNo] = f
		if f.FieldName != "" {
			r.byName[f.FieldName] = f
		}
	}
	copy(r.groups, groups)
	for i := range r.groups {
		r.groupIdx[r.groups[i].ID] = &r.groups[i]
	}
	return r
}

// Lookup returns the definition for fieldNo.
func (r *FieldRegistry) Lookup(fieldNo int) (FieldDefinition, bool) {
	f, ok := r.byNo[fieldNo]
	if !ok {
		return FieldDefinition{}, false
	}
	return *f, true
}

// ByName returns the definition with the given field name.
func (r *FieldRegistry) ByName(name string) (FieldDefinition, bool) {
	f, ok := r.byName[name]
	if !ok {
		return FieldDefinition{}, false
	}
	return *f, true
}

// All returns every definition ordered by field number.
func (r *FieldRegistry) All() []FieldDefinition {
	out := make([]FieldDefinition, len(r.fields))
	copy(out, r.fields)
	return out
}

// Groups returns all field groups in declaration order.
func (r *FieldRegistry) Groups() []FieldGroup {
	out := make([]FieldGroup, len(r.groups))
	copy(out, r.groups)
	return out
}

// Group returns the group with the given id.
func (r *FieldRegistry) Group(id string) (FieldGroup, bool) {
	g, ok := r.groupIdx[id]
	if !ok {
		return FieldGroup{}, false
	}
	return *g, true
}

// FieldsInGroup returns the member definitions of a group in group order.
// Members missing from the registry are skipped; a validated registry has none.
func (r *FieldRegistry) FieldsInGroup(id string) ([]FieldDefinition, bool) {
	g, ok := r.groupIdx[id]
	if !ok {
		return nil, false
	}
	out := make([]FieldDefinition, 0, len(g.FieldNos))
	for _, no := range g.FieldNos {
		if f, ok := r.byNo[no]; ok {
			out = append(out, *f)
		}
	}
	return out, true
}
