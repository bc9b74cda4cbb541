/*Package dschema holds the in-memory representation of a parsed dataset schema.

A dataset schema is a JSON document describing a named collection of tables,
their fields, relations, authorization scopes and temporal configuration.
The package parses and validates such documents into Dataset values and derives
the deterministic storage names for tables and columns. It performs no I/O and
keeps no mutable state; loaded datasets are read-only.
*/
package dschema

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrSchema is wrapped by all load errors. A dataset that fails to load is
// skipped; it must never take the process down.
var ErrSchema = errors.New("invalid dataset schema")

// ErrTableNotFound is returned when a table is requested that the dataset
// does not contain.
var ErrTableNotFound = errors.New("no such table")

// Dataset is a versioned, named collection of tables.
type Dataset struct {
	ID        string
	Title     string
	Version   Version
	IsDefault bool
	// Auth lists the scopes of which at least one must be granted to see
	// the dataset at all. Empty means public.
	Auth   []string
	Tables []*Table

	tableIndex map[string]*Table
}

// Table returns the table with the given id.
func (ds *Dataset) Table(id string) (*Table, error) {
	t, ok := ds.tableIndex[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s in dataset %s", ErrTableNotFound, id, ds.ID)
	}
	return t, nil
}

// Version is a semantic dataset version.
type Version struct {
	Major, Minor, Patch int
}

// ParseVersion parses a MAJOR.MINOR.PATCH string.
func ParseVersion(s string) (Version, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("version must be MAJOR.MINOR.PATCH, got '%s'", s)
	}
	var v Version
	for i, p := range []*int{&v.Major, &v.Minor, &v.Patch} {
		n, err := strconv.Atoi(parts[i])
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("version must be MAJOR.MINOR.PATCH, got '%s'", s)
		}
		*p = n
	}
	return v, nil
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Table is an ordered collection of fields belonging to one dataset.
type Table struct {
	ID        string
	Title     string
	ShortName string // storage name override, empty for most tables
	Auth      []string
	// Display names the field whose value serves as link title, empty if none.
	Display string
	// MainGeometry names the primary geometry field, empty for non-spatial tables.
	MainGeometry string
	// Identifier lists the fields forming the primary key, in key order.
	Identifier []string
	Temporal   *TemporalConfig
	Fields     []*Field

	Dataset    *Dataset
	fieldIndex map[string]*Field
}

// Field returns the field with the given schema name.
func (t *Table) Field(name string) (*Field, bool) {
	f, ok := t.fieldIndex[name]
	return f, ok
}

// IsTemporal reports whether rows of this table represent successive
// valid-time versions of an entity.
func (t *Table) IsTemporal() bool {
	return t.Temporal != nil
}

// TemporalConfig returns the temporal configuration, or nil.
func (t *Table) TemporalConfig() *TemporalConfig {
	return t.Temporal
}

// TemporalConfig describes how a table versions its rows over time.
// Rows are uniquely keyed by (Identifier, Sequence); the validity fields
// bound the half-open interval [ValidityStart, ValidityEnd) during which a
// version is the valid one. A null ValidityEnd marks the current version.
type TemporalConfig struct {
	Identifier    string
	Sequence      string
	ValidityStart string
	ValidityEnd   string
}

// FieldType is the tagged variant of field types the schema dialect supports.
type FieldType int

// all supported field types
const (
	TypeString FieldType = iota
	TypeInteger
	TypeNumber
	TypeBoolean
	TypeDate
	TypeDateTime
	TypeArray       // array of scalars
	TypeObject      // free-form JSON object
	TypeObjectArray // array of objects
	TypeGeometry
	TypeRelation
)

func (t FieldType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeInteger:
		return "integer"
	case TypeNumber:
		return "number"
	case TypeBoolean:
		return "boolean"
	case TypeDate:
		return "date"
	case TypeDateTime:
		return "date-time"
	case TypeArray:
		return "array"
	case TypeObject:
		return "object"
	case TypeObjectArray:
		return "object-array"
	case TypeGeometry:
		return "geometry"
	case TypeRelation:
		return "relation"
	}
	return "unknown"
}

// Comparable reports whether values of this type support the ordering
// operators lt, lte, gt, gte.
func (t FieldType) Comparable() bool {
	switch t {
	case TypeInteger, TypeNumber, TypeDate, TypeDateTime:
		return true
	}
	return false
}

// Field is a single named field of a table.
type Field struct {
	ID        string
	Title     string
	ShortName string
	Type      FieldType
	// ElemType is the scalar element type for TypeArray fields.
	ElemType   FieldType
	Auth       []string
	Deprecated bool
	// Relation is set for TypeRelation fields.
	Relation *RelationRef

	Table *Table
}

// Cardinality of a relation.
type Cardinality int

// the two relation cardinalities
const (
	ToOne Cardinality = iota
	ToMany
)

func (c Cardinality) String() string {
	if c == ToMany {
		return "to-many"
	}
	return "to-one"
}

// RelationRef is an unresolved reference to a target table in some dataset.
// Whether the target is temporal is only known once all datasets are loaded;
// the model factory resolves that.
type RelationRef struct {
	Dataset     string
	Table       string
	Cardinality Cardinality
	// Loose relations omit the target's sequence number and resolve to the
	// version valid at the request's reference date.
	Loose bool
}

func schemaErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrSchema, fmt.Sprintf(format, args...))
}
