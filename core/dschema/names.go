package dschema

import (
	"fmt"

	"github.com/datastelsel/datapi/core"
)

// StorageName returns the physical table name for a table of this dataset.
// Default-version datasets map to <dataset>_<table>; any other version gets
// the major version spliced in, so two majors can coexist side by side.
func (t *Table) StorageName() string {
	id := t.ID
	if t.ShortName != "" {
		id = t.ShortName
	}
	ds := t.Dataset
	if ds.IsDefault {
		return fmt.Sprintf("%s_%s", core.SnakeCase(ds.ID), core.SnakeCase(id))
	}
	return fmt.Sprintf("%s_%d_%s", core.SnakeCase(ds.ID), ds.Version.Major, core.SnakeCase(id))
}

// StorageColumn returns the physical column name for a field. Relation
// fields spread over several columns; those names are derived by the model
// factory from this base name.
func (f *Field) StorageColumn() string {
	id := f.ID
	if f.ShortName != "" {
		id = f.ShortName
	}
	return core.SnakeCase(id)
}

// RoutePrefix returns the URL path prefix under which the dataset's tables
// are served. Non-default versions are reachable under an explicit major
// version segment.
func (ds *Dataset) RoutePrefix() string {
	if ds.IsDefault {
		return "/" + ds.ID
	}
	return fmt.Sprintf("/%s/v%d", ds.ID, ds.Version.Major)
}
