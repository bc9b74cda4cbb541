package schemastore

import (
	"context"
	"sort"
	"time"

	"github.com/goccy/go-json"

	"github.com/datastelsel/datapi/core/dschema"
	"github.com/datastelsel/datapi/core/logger"
	"github.com/datastelsel/datapi/core/registry"
)

// registry accessor prefixes
const (
	documentPrefix = "dataset"
	metaPrefix     = "schemastore"
)

// RegistrySource serves dataset documents previously imported into the
// registry with ImportDocuments.
type RegistrySource struct {
	accessor registry.Accessor
}

// NewRegistrySource returns a source backed by the given registry
func NewRegistrySource(reg registry.Registry) RegistrySource {
	return RegistrySource{accessor: reg.Accessor(documentPrefix)}
}

// ListDatasetDocuments implements Source. Documents come back ordered
// by dataset id.
func (r RegistrySource) ListDatasetDocuments(ctx context.Context) ([][]byte, error) {
	values, err := r.accessor.List()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(values))
	for id := range values {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	docs := make([][]byte, 0, len(ids))
	for _, id := range ids {
		docs = append(docs, values[id])
	}
	return docs, nil
}

// ImportDocuments parses the given dataset documents and stores them in
// the registry, keyed by dataset id, so that a RegistrySource can serve
// them later. A document that does not parse is skipped with a warning,
// the remaining documents are still imported. The import time is kept
// under a separate bookkeeping key.
//
// It returns the ids of the imported datasets.
func ImportDocuments(ctx context.Context, reg registry.Registry, docs [][]byte) ([]string, error) {
	rlog := logger.FromContext(ctx)
	accessor := reg.Accessor(documentPrefix)

	var ids []string
	for _, doc := range docs {
		ds, err := dschema.LoadDataset(doc)
		if err != nil {
			rlog.Warnf("skip dataset document on import: %s", err)
			continue
		}
		if err := accessor.Write(ds.ID, json.RawMessage(doc)); err != nil {
			return ids, err
		}
		rlog.Infoln("imported dataset document", ds.ID, "version", ds.Version.String())
		ids = append(ids, ds.ID)
	}

	err := reg.Accessor(metaPrefix).Write("imported_at", time.Now().UTC())
	return ids, err
}
