// Package resolve looks up referenced rows and builds embeddings.
//
// Reference resolution is temporal: a strict reference pins the exact
// sequence number it stores, a loose reference follows the temporal context
// of the request. Without an explicit context that is the current version,
// falling back to the newest version for entities whose validity has ended.
package resolve

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/datastelsel/datapi/core"
	"github.com/datastelsel/datapi/core/access"
	"github.com/datastelsel/datapi/core/dmodel"
	"github.com/datastelsel/datapi/core/logger"
	"github.com/datastelsel/datapi/core/query"
	"github.com/datastelsel/datapi/core/rowstore"
)

// Context carries the temporal and geometric context references resolve in.
type Context struct {
	// ValidAt selects the versions valid at that date. Nil means current.
	ValidAt *time.Time
	// CRS geometries come back in. Empty means the storage default.
	CRS core.CRS
}

// Resolver resolves references against one catalog snapshot.
type Resolver struct {
	snapshot *dmodel.Snapshot
	fetcher  rowstore.Fetcher
}

// New creates a resolver pinned to the given snapshot.
func New(snapshot *dmodel.Snapshot, fetcher rowstore.Fetcher) *Resolver {
	return &Resolver{snapshot: snapshot, fetcher: fetcher}
}

// ResolveOne returns the single row the key selects. Temporal tables pick
// the version by sequence number if the key carries one, otherwise by the
// context, with the newest version standing in for entities that have no
// current version anymore. Returns rowstore.ErrNotFound if the entity does
// not exist at all.
func (r *Resolver) ResolveOne(ctx context.Context, md *dmodel.ModelDescriptor,
	key rowstore.Key, rctx Context) (rowstore.Row, error) {

	// FetchOne returns geometries in the storage system, a reprojecting
	// request takes the plan path instead.
	keyed := rctx.CRS == "" || rctx.CRS == core.CRSDefault
	idEq := r.eqFilter(md, md.IDField, key.ID)

	if key.Sequence != nil && md.IsTemporal() {
		if keyed {
			return r.fetcher.FetchOne(ctx, md, key)
		}
		rows, err := r.fetch(ctx, md, []query.Filter{idEq, r.eqFilter(md, md.SeqField, *key.Sequence)}, nil, nil, 1, rctx.CRS)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, rowstore.ErrNotFound
		}
		return rows[0], nil
	}

	if md.IsTemporal() {
		if keyed && rctx.ValidAt == nil {
			row, err := r.fetcher.FetchOne(ctx, md, rowstore.Key{ID: key.ID})
			if err == rowstore.ErrNotFound {
				return r.newestVersion(ctx, md, key.ID, rctx.CRS)
			}
			return row, err
		}
		rows, err := r.fetch(ctx, md, []query.Filter{idEq}, &query.TemporalPlan{ValidAt: rctx.ValidAt}, nil, 1, rctx.CRS)
		if err != nil {
			return nil, err
		}
		if len(rows) > 0 {
			return rows[0], nil
		}
		if rctx.ValidAt != nil {
			// nothing was valid at that date
			return nil, rowstore.ErrNotFound
		}
		return r.newestVersion(ctx, md, key.ID, rctx.CRS)
	}

	if keyed {
		return r.fetcher.FetchOne(ctx, md, rowstore.Key{ID: key.ID})
	}
	rows, err := r.fetch(ctx, md, []query.Filter{idEq}, nil, nil, 1, rctx.CRS)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, rowstore.ErrNotFound
	}
	return rows[0], nil
}

// ResolveMany resolves a set of reference keys in one batch per kind.
// Dangling references are logged and skipped, never an error. The result is
// deduplicated and ordered by identifier and sequence.
func (r *Resolver) ResolveMany(ctx context.Context, md *dmodel.ModelDescriptor,
	keys []rowstore.Key, rctx Context) ([]rowstore.Row, error) {

	var exact []rowstore.Key
	var bare []string
	seenKey := make(map[string]bool)
	seenID := make(map[string]bool)
	for _, key := range keys {
		if key.ID == "" {
			continue
		}
		if key.Sequence != nil && md.IsTemporal() {
			if !seenKey[key.String()] {
				seenKey[key.String()] = true
				exact = append(exact, key)
			}
		} else if !seenID[key.ID] {
			seenID[key.ID] = true
			bare = append(bare, key.ID)
		}
	}

	var out []rowstore.Row
	added := make(map[string]bool)
	add := func(row rowstore.Row) {
		k := row.Key(md).String()
		if !added[k] {
			added[k] = true
			out = append(out, row)
		}
	}

	if len(exact) > 0 {
		// strict references pin versions; fetch all versions of the
		// referenced entities and keep the pinned ones
		wanted := make(map[string]bool, len(exact))
		ids := make([]any, 0, len(exact))
		idSeen := make(map[string]bool)
		for _, key := range exact {
			wanted[key.String()] = true
			if !idSeen[key.ID] {
				idSeen[key.ID] = true
				ids = append(ids, key.ID)
			}
		}
		rows, err := r.fetch(ctx, md, []query.Filter{r.inFilter(md, md.IDField, ids)}, nil, nil, 0, rctx.CRS)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			if wanted[row.Key(md).String()] {
				add(row)
			}
		}
	}

	if len(bare) > 0 {
		ids := make([]any, 0, len(bare))
		for _, id := range bare {
			ids = append(ids, id)
		}
		var temporal *query.TemporalPlan
		if md.IsTemporal() {
			temporal = &query.TemporalPlan{ValidAt: rctx.ValidAt}
		}
		rows, err := r.fetch(ctx, md, []query.Filter{r.inFilter(md, md.IDField, ids)}, temporal, nil, 0, rctx.CRS)
		if err != nil {
			return nil, err
		}
		got := make(map[string]bool, len(rows))
		for _, row := range rows {
			got[row.Key(md).ID] = true
			add(row)
		}
		for _, id := range bare {
			if got[id] {
				continue
			}
			if md.IsTemporal() && rctx.ValidAt == nil {
				row, err := r.newestVersion(ctx, md, id, rctx.CRS)
				if err == nil {
					add(row)
					continue
				} else if err != rowstore.ErrNotFound {
					return nil, err
				}
			}
			if rctx.ValidAt == nil {
				logger.FromContext(ctx).Warnf("dangling reference to %s %s", md.StorageTable, id)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key(md), out[j].Key(md)
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		as, bs := 0, 0
		if a.Sequence != nil {
			as = *a.Sequence
		}
		if b.Sequence != nil {
			bs = *b.Sequence
		}
		return as < bs
	})
	return out, nil
}

// Expand resolves the requested embedding paths for a set of rows. The
// result maps dotted paths to their embedded rows; intermediate levels of a
// deep path are embedded as well. Branches the caller is not authorized to
// see are pruned silently.
func (r *Resolver) Expand(ctx context.Context, md *dmodel.ModelDescriptor,
	rows []rowstore.Row, paths []query.ExpandPath, rctx Context,
	auth *access.Authorization) (map[string][]rowstore.Row, error) {

	out := make(map[string][]rowstore.Row)
	seen := make(map[string]map[string]bool)

	for _, path := range paths {
		level := rows
		m := md
		var walked []string

		for _, name := range path {
			f, visible := m.VisibleField(name, auth)
			if !visible || f.Relation == nil {
				break
			}
			target, found := r.snapshot.Model(f.Relation.Dataset, f.Relation.Table)
			if !found || !target.TableVisible(auth) {
				break
			}

			walked = append(walked, name)
			pathKey := strings.Join(walked, ".")

			resolved, err := r.ResolveMany(ctx, target, referenceKeys(level, f, target), rctx)
			if err != nil {
				return nil, err
			}
			if out[pathKey] == nil {
				out[pathKey] = []rowstore.Row{}
				seen[pathKey] = make(map[string]bool)
			}
			for _, row := range resolved {
				k := row.Key(target).String()
				if !seen[pathKey][k] {
					seen[pathKey][k] = true
					out[pathKey] = append(out[pathKey], row)
				}
			}
			level = out[pathKey]
			m = target
		}
	}
	return out, nil
}

// referenceKeys extracts the reference keys a relation field holds across
// a set of rows.
func referenceKeys(rows []rowstore.Row, f *dmodel.FieldDescriptor, target *dmodel.ModelDescriptor) []rowstore.Key {
	var keys []rowstore.Key
	seen := make(map[string]bool)
	add := func(key rowstore.Key) {
		if key.ID != "" && !seen[key.String()] {
			seen[key.String()] = true
			keys = append(keys, key)
		}
	}
	addValue := func(v any) {
		switch val := v.(type) {
		case string:
			add(rowstore.Key{ID: val})
		case map[string]any:
			key := rowstore.Key{}
			if id, ok := val[target.IDField].(string); ok {
				key.ID = id
			}
			if seq, ok := rowstore.AsInt(val[target.SeqField]); ok && target.IsTemporal() {
				key.Sequence = &seq
			}
			add(key)
		}
	}
	for _, row := range rows {
		switch v := row[f.Name].(type) {
		case nil:
		case []any:
			for _, elem := range v {
				addValue(elem)
			}
		case []string:
			for _, elem := range v {
				add(rowstore.Key{ID: elem})
			}
		default:
			addValue(v)
		}
	}
	return keys
}

func (r *Resolver) newestVersion(ctx context.Context, md *dmodel.ModelDescriptor,
	id string, crs core.CRS) (rowstore.Row, error) {

	seqField, _ := md.Field(md.SeqField)
	rows, err := r.fetch(ctx, md, []query.Filter{r.eqFilter(md, md.IDField, id)}, nil,
		[]query.SortKey{{Field: *seqField, Column: seqField.Column, Desc: true}}, 1, crs)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, rowstore.ErrNotFound
	}
	logger.FromContext(ctx).
		WithField("table", md.StorageTable).
		WithField("identificatie", id).
		Warnln("entity has no current version, serving the newest one")
	return rows[0], nil
}

func (r *Resolver) fetch(ctx context.Context, md *dmodel.ModelDescriptor,
	filters []query.Filter, temporal *query.TemporalPlan, sortKeys []query.SortKey,
	limit int, crs core.CRS) ([]rowstore.Row, error) {

	if crs == "" {
		crs = core.CRSDefault
	}
	plan := &query.Plan{
		Model:    md,
		Filters:  filters,
		Sort:     sortKeys,
		Temporal: temporal,
		Page:     1,
		PageSize: limit,
		CRS:      crs,
	}
	rows, _, err := r.fetcher.FetchRows(ctx, md, plan)
	return rows, err
}

func (r *Resolver) eqFilter(md *dmodel.ModelDescriptor, name string, value any) query.Filter {
	f, _ := md.Field(name)
	return query.Filter{Field: *f, Column: f.Column, Op: query.OpEq, Values: []any{value}}
}

func (r *Resolver) inFilter(md *dmodel.ModelDescriptor, name string, values []any) query.Filter {
	f, _ := md.Field(name)
	return query.Filter{Field: *f, Column: f.Column, Op: query.OpIn, Values: values}
}
