/*Package dmodel builds servable model descriptors from dataset schemas.

A model descriptor is the complete, immutable description of one table as
served by the API: the ordered fields with their storage columns, the primary
key, resolved relation targets and the authorization scopes at every level.
Descriptors are built from dschema datasets, collected into snapshots and
published through a Catalog. Building is idempotent and free of side effects;
the same schema always yields the same descriptor.
*/
package dmodel

import (
	"errors"
	"fmt"

	"github.com/datastelsel/datapi/core/dschema"
)

// ErrModelBuild is wrapped by all descriptor build errors.
var ErrModelBuild = errors.New("cannot build model")

// ModelDescriptor describes one table as served by the API.
type ModelDescriptor struct {
	Dataset *dschema.Dataset
	Table   *dschema.Table
	// StorageTable is the physical table name.
	StorageTable string
	// Fields are the servable fields in schema order.
	Fields []FieldDescriptor
	// IDField is the schema name of the entity identifier.
	IDField string
	// SeqField is the schema name of the sequence number, empty for
	// non-temporal tables.
	SeqField string

	fieldIndex map[string]int
}

// FieldDescriptor maps one schema field to its storage representation.
type FieldDescriptor struct {
	// Name is the schema name, as it appears in documents and responses.
	Name string
	// Column is the storage column the value lives in. For relation fields
	// this is the base name; the actual columns are on the relation.
	Column     string
	Type       dschema.FieldType
	ElemType   dschema.FieldType
	Auth       []string
	Deprecated bool
	// Identifier marks fields that are part of the primary key.
	Identifier bool
	Relation   *RelationDescriptor
}

// RelationDescriptor is a resolved reference to another served table.
type RelationDescriptor struct {
	Dataset     string
	Table       string
	Cardinality dschema.Cardinality
	// Temporal reports whether the target table versions its rows.
	Temporal bool
	// Loose references do not pin a target version; they resolve against
	// the temporal context of the request.
	Loose bool
	// IDColumn stores the target identifier, an array of identifiers for
	// to-many relations.
	IDColumn string
	// SeqColumn stores the pinned target sequence number. Only set for
	// strict to-one references to temporal targets.
	SeqColumn string
}

// IsTemporal reports whether rows of this model are versioned over time.
func (md *ModelDescriptor) IsTemporal() bool {
	return md.SeqField != ""
}

// Field returns the descriptor for the given schema field name.
func (md *ModelDescriptor) Field(name string) (*FieldDescriptor, bool) {
	i, ok := md.fieldIndex[name]
	if !ok {
		return nil, false
	}
	return &md.Fields[i], true
}

// GeometryField returns the descriptor of the main geometry field, or nil.
func (md *ModelDescriptor) GeometryField() *FieldDescriptor {
	if md.Table.MainGeometry == "" {
		return nil
	}
	f, _ := md.Field(md.Table.MainGeometry)
	return f
}

// Build creates the model descriptor for one table. The datasets map, keyed
// by dataset id, provides the relation targets; it should contain the default
// version of every dataset being built. Build fails when a relation target is
// unknown, when two fields normalize to the same storage column or when the
// main geometry names a field that does not exist.
func Build(t *dschema.Table, datasets map[string]*dschema.Dataset) (*ModelDescriptor, error) {
	ds := t.Dataset
	md := &ModelDescriptor{
		Dataset:      ds,
		Table:        t,
		StorageTable: t.StorageName(),
		IDField:      t.Identifier[0],
		fieldIndex:   make(map[string]int),
	}
	if t.IsTemporal() {
		md.IDField = t.Temporal.Identifier
		md.SeqField = t.Temporal.Sequence
	}

	identifier := make(map[string]bool)
	for _, name := range t.Identifier {
		identifier[name] = true
	}

	claimed := make(map[string]string) // storage column -> field name
	claim := func(column, field string) error {
		if other, taken := claimed[column]; taken {
			return buildErrorf("%s.%s: fields %s and %s both map to storage column %s",
				ds.ID, t.ID, other, field, column)
		}
		claimed[column] = field
		return nil
	}

	for _, f := range t.Fields {
		fd := FieldDescriptor{
			Name:       f.ID,
			Column:     f.StorageColumn(),
			Type:       f.Type,
			ElemType:   f.ElemType,
			Auth:       f.Auth,
			Deprecated: f.Deprecated,
			Identifier: identifier[f.ID],
		}
		if f.Relation != nil {
			rel, err := buildRelation(t, f, datasets)
			if err != nil {
				return nil, err
			}
			fd.Relation = rel
			if err := claim(rel.IDColumn, f.ID); err != nil {
				return nil, err
			}
			if rel.SeqColumn != "" {
				if err := claim(rel.SeqColumn, f.ID); err != nil {
					return nil, err
				}
			}
		} else {
			if err := claim(fd.Column, f.ID); err != nil {
				return nil, err
			}
		}
		md.fieldIndex[fd.Name] = len(md.Fields)
		md.Fields = append(md.Fields, fd)
	}

	if g := t.MainGeometry; g != "" {
		f, ok := t.Field(g)
		if !ok {
			return nil, buildErrorf("%s.%s: main geometry %s is not a field", ds.ID, t.ID, g)
		}
		if f.Type != dschema.TypeGeometry {
			return nil, buildErrorf("%s.%s: main geometry %s is not a geometry field", ds.ID, t.ID, g)
		}
	}
	return md, nil
}

func buildRelation(t *dschema.Table, f *dschema.Field, datasets map[string]*dschema.Dataset) (*RelationDescriptor, error) {
	ds := t.Dataset
	ref := f.Relation
	targetDS, ok := datasets[ref.Dataset]
	if !ok {
		return nil, buildErrorf("%s.%s: field %s references unknown dataset %s",
			ds.ID, t.ID, f.ID, ref.Dataset)
	}
	target, err := targetDS.Table(ref.Table)
	if err != nil {
		return nil, buildErrorf("%s.%s: field %s references unknown table %s:%s",
			ds.ID, t.ID, f.ID, ref.Dataset, ref.Table)
	}

	rel := &RelationDescriptor{
		Dataset:     ref.Dataset,
		Table:       ref.Table,
		Cardinality: ref.Cardinality,
		Temporal:    target.IsTemporal(),
		Loose:       ref.Loose,
		IDColumn:    f.StorageColumn() + "_identificatie",
	}
	// To-many references store identifiers only and resolve against the
	// temporal context, like loose references do.
	if rel.Cardinality == dschema.ToMany {
		rel.Loose = true
	}
	if rel.Temporal && !rel.Loose {
		rel.SeqColumn = f.StorageColumn() + "_volgnummer"
	}
	return rel, nil
}

// Equal reports whether two descriptors describe the identical model.
func Equal(a, b *ModelDescriptor) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.StorageTable != b.StorageTable || a.IDField != b.IDField || a.SeqField != b.SeqField {
		return false
	}
	if len(a.Fields) != len(b.Fields) {
		return false
	}
	for i := range a.Fields {
		if !equalFields(&a.Fields[i], &b.Fields[i]) {
			return false
		}
	}
	return true
}

func equalFields(a, b *FieldDescriptor) bool {
	if a.Name != b.Name || a.Column != b.Column || a.Type != b.Type ||
		a.ElemType != b.ElemType || a.Deprecated != b.Deprecated ||
		a.Identifier != b.Identifier {
		return false
	}
	if !equalScopes(a.Auth, b.Auth) {
		return false
	}
	ra, rb := a.Relation, b.Relation
	if (ra == nil) != (rb == nil) {
		return false
	}
	if ra != nil && *ra != *rb {
		return false
	}
	return true
}

func equalScopes(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func buildErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrModelBuild, fmt.Sprintf(format, args...))
}
