package dschema

import (
	"sort"
	"strings"

	"github.com/goccy/go-json"
)

// scopePublic marks a dataset, table or field as readable without any scope.
const scopePublic = "OPENBAAR"

type rawDataset struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Title   string          `json:"title"`
	Version string          `json:"version"`
	Default *bool           `json:"default"`
	Auth    json.RawMessage `json:"auth"`
	Tables  []rawTable      `json:"tables"`
}

type rawTable struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	ShortName string          `json:"shortname"`
	Auth      json.RawMessage `json:"auth"`
	Temporal  *rawTemporal    `json:"temporal"`
	Schema    rawTableSchema  `json:"schema"`
}

type rawTemporal struct {
	Identifier string              `json:"identifier"`
	Dimensions map[string][]string `json:"dimensions"`
}

type rawTableSchema struct {
	Identifier   stringList             `json:"identifier"`
	MainGeometry string                 `json:"mainGeometry"`
	Display      string                 `json:"display"`
	Properties   map[string]rawProperty `json:"properties"`
}

type rawProperty struct {
	Type       string                 `json:"type"`
	Format     string                 `json:"format"`
	Ref        string                 `json:"$ref"`
	Title      string                 `json:"title"`
	ShortName  string                 `json:"shortname"`
	Relation   string                 `json:"relation"`
	Auth       json.RawMessage        `json:"auth"`
	Deprecated bool                   `json:"deprecated"`
	Items      *rawProperty           `json:"items"`
	Properties map[string]rawProperty `json:"properties"`
}

// stringList accepts both a bare string and a list of strings.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*l = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*l = many
	return nil
}

// the temporal dimension carrying the validity interval
const dimensionValidity = "geldigOp"

// LoadDataset parses and validates a dataset schema document. All returned
// errors wrap ErrSchema; a partially valid document is never returned.
func LoadDataset(doc []byte) (*Dataset, error) {
	var raw rawDataset
	if err := json.Unmarshal(doc, &raw); err != nil {
		return nil, schemaErrorf("cannot parse document: %s", err)
	}
	if raw.ID == "" {
		return nil, schemaErrorf("document lacks an id")
	}
	if raw.Type != "" && raw.Type != "dataset" {
		return nil, schemaErrorf("dataset %s: document type is '%s', expected 'dataset'", raw.ID, raw.Type)
	}
	if raw.Version == "" {
		return nil, schemaErrorf("dataset %s: document lacks a version", raw.ID)
	}
	version, err := ParseVersion(raw.Version)
	if err != nil {
		return nil, schemaErrorf("dataset %s: %s", raw.ID, err)
	}
	if len(raw.Tables) == 0 {
		return nil, schemaErrorf("dataset %s: document lacks tables", raw.ID)
	}
	auth, err := parseAuth(raw.Auth)
	if err != nil {
		return nil, schemaErrorf("dataset %s: %s", raw.ID, err)
	}

	ds := &Dataset{
		ID:         raw.ID,
		Title:      raw.Title,
		Version:    version,
		IsDefault:  raw.Default == nil || *raw.Default,
		Auth:       auth,
		tableIndex: make(map[string]*Table),
	}
	for i := range raw.Tables {
		table, err := loadTable(ds, &raw.Tables[i])
		if err != nil {
			return nil, err
		}
		if _, exists := ds.tableIndex[table.ID]; exists {
			return nil, schemaErrorf("dataset %s: duplicate table %s", ds.ID, table.ID)
		}
		ds.Tables = append(ds.Tables, table)
		ds.tableIndex[table.ID] = table
	}
	return ds, nil
}

func loadTable(ds *Dataset, raw *rawTable) (*Table, error) {
	if raw.ID == "" {
		return nil, schemaErrorf("dataset %s: table lacks an id", ds.ID)
	}
	if len(raw.Schema.Properties) == 0 {
		return nil, schemaErrorf("dataset %s: table %s has no properties", ds.ID, raw.ID)
	}
	if len(raw.Schema.Identifier) == 0 {
		return nil, schemaErrorf("dataset %s: table %s lacks an identifier", ds.ID, raw.ID)
	}
	auth, err := parseAuth(raw.Auth)
	if err != nil {
		return nil, schemaErrorf("dataset %s: table %s: %s", ds.ID, raw.ID, err)
	}
	t := &Table{
		ID:           raw.ID,
		Title:        raw.Title,
		ShortName:    raw.ShortName,
		Auth:         auth,
		Display:      raw.Schema.Display,
		MainGeometry: raw.Schema.MainGeometry,
		Identifier:   raw.Schema.Identifier,
		Dataset:      ds,
		fieldIndex:   make(map[string]*Field),
	}

	for _, name := range orderedFieldNames(raw) {
		prop := raw.Schema.Properties[name]
		field, err := loadField(t, name, &prop)
		if err != nil {
			return nil, err
		}
		t.Fields = append(t.Fields, field)
		t.fieldIndex[name] = field
	}
	for _, name := range t.Identifier {
		if _, ok := t.fieldIndex[name]; !ok {
			return nil, schemaErrorf("dataset %s: table %s: identifier field %s is not a property", ds.ID, t.ID, name)
		}
	}
	if raw.Temporal != nil {
		temporal, err := loadTemporal(t, raw.Temporal)
		if err != nil {
			return nil, err
		}
		t.Temporal = temporal
	}
	return t, nil
}

func loadTemporal(t *Table, raw *rawTemporal) (*TemporalConfig, error) {
	ds := t.Dataset
	if raw.Identifier == "" {
		return nil, schemaErrorf("dataset %s: table %s: temporal configuration lacks an identifier", ds.ID, t.ID)
	}
	seq, ok := t.fieldIndex[raw.Identifier]
	if !ok {
		return nil, schemaErrorf("dataset %s: table %s: temporal identifier %s is not a property", ds.ID, t.ID, raw.Identifier)
	}
	if seq.Type != TypeInteger {
		return nil, schemaErrorf("dataset %s: table %s: temporal identifier %s must be an integer", ds.ID, t.ID, raw.Identifier)
	}
	validity, ok := raw.Dimensions[dimensionValidity]
	if !ok {
		return nil, schemaErrorf("dataset %s: table %s: temporal configuration lacks the %s dimension", ds.ID, t.ID, dimensionValidity)
	}
	if len(validity) != 2 {
		return nil, schemaErrorf("dataset %s: table %s: dimension %s must name a start and an end field", ds.ID, t.ID, dimensionValidity)
	}
	for _, name := range validity {
		f, ok := t.fieldIndex[name]
		if !ok {
			return nil, schemaErrorf("dataset %s: table %s: validity field %s is not a property", ds.ID, t.ID, name)
		}
		if f.Type != TypeDate && f.Type != TypeDateTime {
			return nil, schemaErrorf("dataset %s: table %s: validity field %s must be a date or date-time", ds.ID, t.ID, name)
		}
	}
	// the entity id is the identifier part that is not the sequence
	entity := ""
	seqInKey := false
	for _, name := range t.Identifier {
		if name == raw.Identifier {
			seqInKey = true
		} else if entity == "" {
			entity = name
		}
	}
	if !seqInKey || entity == "" {
		return nil, schemaErrorf("dataset %s: table %s: temporal tables need a compound identifier including %s", ds.ID, t.ID, raw.Identifier)
	}
	return &TemporalConfig{
		Identifier:    entity,
		Sequence:      raw.Identifier,
		ValidityStart: validity[0],
		ValidityEnd:   validity[1],
	}, nil
}

func loadField(t *Table, name string, prop *rawProperty) (*Field, error) {
	ds := t.Dataset
	auth, err := parseAuth(prop.Auth)
	if err != nil {
		return nil, schemaErrorf("dataset %s: table %s: field %s: %s", ds.ID, t.ID, name, err)
	}
	f := &Field{
		ID:         name,
		Title:      prop.Title,
		ShortName:  prop.ShortName,
		Auth:       auth,
		Deprecated: prop.Deprecated,
		Table:      t,
	}

	if prop.Relation != "" {
		ref, err := parseRelation(prop)
		if err != nil {
			return nil, schemaErrorf("dataset %s: table %s: field %s: %s", ds.ID, t.ID, name, err)
		}
		f.Type = TypeRelation
		f.Relation = ref
		return f, nil
	}

	f.Type, f.ElemType, err = fieldType(prop)
	if err != nil {
		return nil, schemaErrorf("dataset %s: table %s: field %s: %s", ds.ID, t.ID, name, err)
	}
	return f, nil
}

func fieldType(prop *rawProperty) (FieldType, FieldType, error) {
	if strings.Contains(prop.Ref, "geojson.org/schema") {
		return TypeGeometry, 0, nil
	}
	switch prop.Type {
	case "string":
		switch prop.Format {
		case "date":
			return TypeDate, 0, nil
		case "date-time":
			return TypeDateTime, 0, nil
		}
		return TypeString, 0, nil
	case "integer":
		return TypeInteger, 0, nil
	case "number":
		return TypeNumber, 0, nil
	case "boolean":
		return TypeBoolean, 0, nil
	case "object":
		return TypeObject, 0, nil
	case "array":
		if prop.Items == nil {
			return 0, 0, schemaErrorf("array property lacks items")
		}
		if prop.Items.Type == "object" {
			return TypeObjectArray, 0, nil
		}
		elem, _, err := fieldType(prop.Items)
		if err != nil {
			return 0, 0, err
		}
		return TypeArray, elem, nil
	}
	return 0, 0, schemaErrorf("unsupported property type '%s'", prop.Type)
}

func parseRelation(prop *rawProperty) (*RelationRef, error) {
	parts := strings.Split(prop.Relation, ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, schemaErrorf("relation must be 'dataset:table', got '%s'", prop.Relation)
	}
	ref := &RelationRef{Dataset: parts[0], Table: parts[1]}

	target := prop
	if prop.Type == "array" {
		ref.Cardinality = ToMany
		if prop.Items == nil {
			return nil, schemaErrorf("to-many relation lacks items")
		}
		target = prop.Items
	}
	// An object-shaped reference carries the target's sequence number as a
	// sub-property; a bare string reference is loose.
	ref.Loose = target.Type != "object"
	return ref, nil
}

// parseAuth accepts a single scope or a list of scopes. The public scope and
// an absent value both mean unrestricted.
func parseAuth(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var scopes stringList
	if err := json.Unmarshal(raw, &scopes); err != nil {
		return nil, schemaErrorf("auth must be a scope or a list of scopes")
	}
	var out []string
	for _, s := range scopes {
		if s == "" || s == scopePublic {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// orderedFieldNames fixes a deterministic field order: identifier fields
// first in key order, then the validity interval, then everything else
// alphabetically. JSON objects do not preserve member order, so load order
// must not depend on it.
func orderedFieldNames(raw *rawTable) []string {
	head := append([]string{}, raw.Schema.Identifier...)
	if raw.Temporal != nil {
		head = append(head, raw.Temporal.Dimensions[dimensionValidity]...)
	}
	seen := make(map[string]bool)
	var names []string
	for _, name := range head {
		if _, ok := raw.Schema.Properties[name]; ok && !seen[name] {
			names = append(names, name)
			seen[name] = true
		}
	}
	var rest []string
	for name := range raw.Schema.Properties {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(names, rest...)
}
