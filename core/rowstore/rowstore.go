// Package rowstore fetches dataset rows from the storage backends.
//
// A Fetcher executes a compiled query plan against one backend. The Postgres
// fetcher translates plans into SQL, the in-memory fetcher evaluates them
// directly and backs the examples and the handler tests. Both return rows
// keyed by schema field names; storage column names never leave this package.
package rowstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/datastelsel/datapi/core/dmodel"
	"github.com/datastelsel/datapi/core/query"
)

// ErrNotFound is returned when a single-row lookup matches nothing.
var ErrNotFound = errors.New("row not found")

// ErrUnsupported is returned for plan features a store cannot evaluate.
var ErrUnsupported = errors.New("not supported by this store")

// Row is one dataset row, keyed by schema field names. Relation fields hold
// the stored reference keys: a string identifier for loose references, a map
// with identifier and sequence for strict ones, and a slice of identifiers
// for list-valued references.
type Row map[string]any

// Key identifies a row. Sequence is nil for non-temporal tables and for
// loose references.
type Key struct {
	ID       string
	Sequence *int
}

func (k Key) String() string {
	if k.Sequence == nil {
		return k.ID
	}
	return fmt.Sprintf("%s:%d", k.ID, *k.Sequence)
}

// Key extracts the row's own key.
func (r Row) Key(md *dmodel.ModelDescriptor) Key {
	key := Key{}
	if id, ok := r[md.IDField].(string); ok {
		key.ID = id
	}
	if md.IsTemporal() {
		if seq, ok := AsInt(r[md.SeqField]); ok {
			key.Sequence = &seq
		}
	}
	return key
}

// AsInt normalizes the numeric representations rows come back with.
func AsInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

// Fetcher executes query plans against one storage backend.
type Fetcher interface {
	// FetchRows returns the rows selected by the plan along with the total
	// number of matching rows. A plan with PageSize 0 returns all matches.
	FetchRows(ctx context.Context, md *dmodel.ModelDescriptor, plan *query.Plan) ([]Row, int, error)
	// FetchOne returns the row with the given key, or ErrNotFound. On a
	// temporal table a nil sequence selects the current version.
	FetchOne(ctx context.Context, md *dmodel.ModelDescriptor, key Key) (Row, error)
}
