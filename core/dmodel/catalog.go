package dmodel

import (
	"context"
	"sync/atomic"

	"github.com/datastelsel/datapi/core/dschema"
	"github.com/datastelsel/datapi/core/logger"
)

type modelKey struct {
	dataset string
	major   int // 0 addresses the default version
	table   string
}

// Snapshot is an immutable set of model descriptors, the unit of publication
// for the catalog. Once published a snapshot is never modified; a schema
// change produces a complete new snapshot.
type Snapshot struct {
	datasets []*dschema.Dataset
	models   map[modelKey]*ModelDescriptor
}

// Model returns the descriptor for a table of the default dataset version.
func (s *Snapshot) Model(dataset, table string) (*ModelDescriptor, bool) {
	md, ok := s.models[modelKey{dataset: dataset, table: table}]
	return md, ok
}

// ModelVersion returns the descriptor for a table of an explicit major
// version of the dataset.
func (s *Snapshot) ModelVersion(dataset string, major int, table string) (*ModelDescriptor, bool) {
	md, ok := s.models[modelKey{dataset: dataset, major: major, table: table}]
	return md, ok
}

// Datasets returns the successfully built datasets in load order.
func (s *Snapshot) Datasets() []*dschema.Dataset {
	return s.datasets
}

// BuildSnapshot builds descriptors for all tables of all given datasets.
// A dataset with any broken table is dropped from the snapshot with a logged
// diagnostic; the remaining datasets still serve. Relation targets resolve
// against the default versions of the given datasets.
func BuildSnapshot(ctx context.Context, datasets []*dschema.Dataset) *Snapshot {
	rlog := logger.FromContext(ctx)

	defaults := make(map[string]*dschema.Dataset)
	seen := make(map[string]bool)
	var accepted []*dschema.Dataset
	for _, ds := range datasets {
		versionKey := ds.RoutePrefix()
		if seen[versionKey] {
			rlog.Warningf("duplicate dataset %s version %s dropped", ds.ID, ds.Version)
			continue
		}
		if ds.IsDefault {
			if _, dup := defaults[ds.ID]; dup {
				rlog.Warningf("second default version %s for dataset %s dropped", ds.Version, ds.ID)
				continue
			}
			defaults[ds.ID] = ds
		}
		seen[versionKey] = true
		accepted = append(accepted, ds)
	}

	snapshot := &Snapshot{models: make(map[modelKey]*ModelDescriptor)}
	for _, ds := range accepted {
		models := make([]*ModelDescriptor, 0, len(ds.Tables))
		broken := false
		for _, t := range ds.Tables {
			md, err := Build(t, defaults)
			if err != nil {
				rlog.WithError(err).Errorf("dataset %s version %s dropped", ds.ID, ds.Version)
				broken = true
				break
			}
			models = append(models, md)
		}
		if broken {
			continue
		}
		for _, md := range models {
			key := modelKey{dataset: ds.ID, major: ds.Version.Major, table: md.Table.ID}
			snapshot.models[key] = md
			if ds.IsDefault {
				key.major = 0
				snapshot.models[key] = md
			}
		}
		snapshot.datasets = append(snapshot.datasets, ds)
	}
	return snapshot
}

// Catalog publishes the active snapshot. Readers take a consistent snapshot
// once per request; a swap becomes visible to subsequent requests only.
// All methods are safe for concurrent use.
type Catalog struct {
	current atomic.Pointer[Snapshot]
}

// NewCatalog creates a catalog holding an empty snapshot.
func NewCatalog() *Catalog {
	c := &Catalog{}
	c.current.Store(&Snapshot{models: make(map[modelKey]*ModelDescriptor)})
	return c
}

// Snapshot returns the currently active snapshot, never nil.
func (c *Catalog) Snapshot() *Snapshot {
	return c.current.Load()
}

// Swap publishes a new snapshot.
func (c *Catalog) Swap(s *Snapshot) {
	c.current.Store(s)
}
