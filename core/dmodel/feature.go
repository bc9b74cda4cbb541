package dmodel

import (
	"github.com/datastelsel/datapi/core"
	"github.com/datastelsel/datapi/core/access"
	"github.com/datastelsel/datapi/core/dschema"
)

// FeatureType is the feature definition of a spatial table, as handed to a
// WFS or vector-tile encoder. It carries names and types only, no wire
// encoding.
type FeatureType struct {
	// Name is the qualified feature type name, <dataset>_<table>.
	Name  string
	Title string
	// GeometryField is the schema name of the main geometry.
	GeometryField string
	SRID          int
	Fields        []FeatureField
}

// FeatureField is one non-geometry attribute of a feature type.
type FeatureField struct {
	Name string
	Type string
}

// FeatureType returns the feature definition for this model, restricted to
// the fields the authorization may see. Tables without a main geometry have
// no feature type and return nil.
func (md *ModelDescriptor) FeatureType(auth *access.Authorization) *FeatureType {
	g := md.GeometryField()
	if g == nil {
		return nil
	}
	title := md.Table.Title
	if title == "" {
		title = md.Table.ID
	}
	ft := &FeatureType{
		Name:          core.SnakeCase(md.Dataset.ID) + "_" + core.SnakeCase(md.Table.ID),
		Title:         title,
		GeometryField: g.Name,
		SRID:          core.CRSDefault.SRID(),
	}
	for _, f := range md.VisibleFields(auth) {
		if f.Type == dschema.TypeGeometry || f.Type == dschema.TypeRelation {
			continue
		}
		ft.Fields = append(ft.Fields, FeatureField{Name: f.Name, Type: f.Type.String()})
	}
	return ft
}
