package rowstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/datastelsel/datapi/core/dmodel"
	"github.com/datastelsel/datapi/core/dschema"
	"github.com/datastelsel/datapi/core/query"
)

// Memory is an in-process Fetcher. It evaluates query plans directly against
// seeded rows and backs the examples and the handler tests. Geometry
// predicates are not supported.
type Memory struct {
	mu     sync.RWMutex
	tables map[string][]Row
}

// NewMemory creates an empty in-process fetcher.
func NewMemory() *Memory {
	return &Memory{tables: make(map[string][]Row)}
}

// Seed adds rows to the model's table.
func (m *Memory) Seed(md *dmodel.ModelDescriptor, rows ...Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[md.StorageTable] = append(m.tables[md.StorageTable], rows...)
}

// Clear drops all seeded rows.
func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables = make(map[string][]Row)
}

// FetchRows evaluates the plan.
func (m *Memory) FetchRows(ctx context.Context, md *dmodel.ModelDescriptor, plan *query.Plan) ([]Row, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []Row
	for _, row := range m.tables[md.StorageTable] {
		if !temporalMatch(md, row, plan.Temporal) {
			continue
		}
		ok, err := m.matchFilters(md, row, plan)
		if err != nil {
			return nil, 0, err
		}
		if ok {
			matched = append(matched, row)
		}
	}

	m.sortRows(md, matched, plan.Sort)

	total := len(matched)
	if plan.PageSize > 0 {
		from := (plan.Page - 1) * plan.PageSize
		if from > total {
			from = total
		}
		to := from + plan.PageSize
		if to > total {
			to = total
		}
		matched = matched[from:to]
	}
	return matched, total, nil
}

// FetchOne fetches the row with the given key. On a temporal table a nil
// sequence selects the current version.
func (m *Memory) FetchOne(ctx context.Context, md *dmodel.ModelDescriptor, key Key) (Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, row := range m.tables[md.StorageTable] {
		if row[md.IDField] != key.ID {
			continue
		}
		if md.IsTemporal() {
			if key.Sequence != nil {
				seq, ok := AsInt(row[md.SeqField])
				if !ok || seq != *key.Sequence {
					continue
				}
			} else if !temporalMatch(md, row, &query.TemporalPlan{}) {
				continue
			}
		}
		return row, nil
	}
	return nil, ErrNotFound
}

func (m *Memory) matchFilters(md *dmodel.ModelDescriptor, row Row, plan *query.Plan) (bool, error) {
	for _, f := range plan.Filters {
		ok, err := m.matchHops(md, row, f.Hops, f, plan.Temporal)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// matchHops walks the relation hops of a filter and evaluates the predicate
// on the final model. A row matches when any referenced row matches, the
// in-storage equivalent of an EXISTS subquery.
func (m *Memory) matchHops(md *dmodel.ModelDescriptor, row Row, hops []query.Hop, f query.Filter, temporal *query.TemporalPlan) (bool, error) {
	if len(hops) == 0 {
		return m.predicate(md, row, f)
	}
	hop := hops[0]
	field := relationField(md, hop.Relation.IDColumn)
	if field == nil {
		return false, nil
	}
	for _, ref := range referenceValues(row[field.Name], hop.Target) {
		for _, candidate := range m.tables[hop.Target.StorageTable] {
			if candidate[hop.Target.IDField] != ref.ID {
				continue
			}
			if ref.Sequence != nil {
				seq, ok := AsInt(candidate[hop.Target.SeqField])
				if !ok || seq != *ref.Sequence {
					continue
				}
			} else if hop.Relation.Loose && hop.Target.IsTemporal() {
				// loose references follow the temporal context
				if !temporalMatch(hop.Target, candidate, temporal) {
					continue
				}
			}
			ok, err := m.matchHops(hop.Target, candidate, hops[1:], f, temporal)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
	}
	return false, nil
}

// predicate evaluates the filter's operator against the row.
func (m *Memory) predicate(md *dmodel.ModelDescriptor, row Row, f query.Filter) (bool, error) {
	if f.Field.Type == dschema.TypeGeometry {
		return false, fmt.Errorf("%w: geometry predicate on %s", ErrUnsupported, f.Field.Name)
	}
	value, found := columnValue(md, row, f.Column)
	if !found {
		value = nil
	}
	if len(f.JSONPath) > 0 {
		return jsonPredicate(value, f)
	}

	switch f.Op {
	case query.OpIsNull:
		return isNil(value) == flag(f), nil
	case query.OpIsEmpty:
		return isEmpty(value) == flag(f), nil
	}
	if isNil(value) {
		return false, nil
	}

	switch f.Op {
	case query.OpEq:
		return anyElement(value, func(v any) bool { return equalValue(v, f.Value()) }), nil
	case query.OpNot:
		return !anyElement(value, func(v any) bool { return equalValue(v, f.Value()) }), nil
	case query.OpIn:
		return anyElement(value, func(v any) bool {
			for _, operand := range f.Values {
				if equalValue(v, operand) {
					return true
				}
			}
			return false
		}), nil
	case query.OpLike:
		re := query.LikeToRegexp(fmt.Sprint(f.Value()))
		return anyElement(value, func(v any) bool {
			s, ok := v.(string)
			return ok && re.MatchString(s)
		}), nil
	case query.OpLt, query.OpLte, query.OpGt, query.OpGte:
		c, ok := compareValues(value, f.Value())
		if !ok {
			return false, nil
		}
		switch f.Op {
		case query.OpLt:
			return c < 0, nil
		case query.OpLte:
			return c <= 0, nil
		case query.OpGt:
			return c > 0, nil
		default:
			return c >= 0, nil
		}
	case query.OpContains:
		elems, ok := value.([]any)
		if !ok {
			return false, nil
		}
		for _, operand := range f.Values {
			found := false
			for _, elem := range elems {
				if equalValue(elem, operand) {
					found = true
					break
				}
			}
			if !found {
				return false, nil
			}
		}
		return true, nil
	}
	return false, fmt.Errorf("%w: operator %s", ErrUnsupported, f.Op)
}

// jsonPredicate compares sub-fields of object values as text, any matching
// leaf satisfies the filter.
func jsonPredicate(value any, f query.Filter) (bool, error) {
	leaves := jsonLeaves(value, f.JSONPath)
	switch f.Op {
	case query.OpIsNull:
		return (len(leaves) == 0) == flag(f), nil
	case query.OpIsEmpty:
		empty := true
		for _, leaf := range leaves {
			if fmt.Sprint(leaf) != "" {
				empty = false
			}
		}
		return empty == flag(f), nil
	case query.OpEq, query.OpIn:
		for _, leaf := range leaves {
			text := fmt.Sprint(leaf)
			for _, operand := range f.Values {
				if text == fmt.Sprint(operand) {
					return true, nil
				}
			}
		}
		return false, nil
	case query.OpNot:
		for _, leaf := range leaves {
			if fmt.Sprint(leaf) == fmt.Sprint(f.Value()) {
				return false, nil
			}
		}
		return true, nil
	case query.OpLike:
		re := query.LikeToRegexp(fmt.Sprint(f.Value()))
		for _, leaf := range leaves {
			if re.MatchString(fmt.Sprint(leaf)) {
				return true, nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("%w: operator %s on json sub-field", ErrUnsupported, f.Op)
}

func jsonLeaves(value any, path []string) []any {
	if value == nil {
		return nil
	}
	if len(path) == 0 {
		if elems, ok := value.([]any); ok {
			return elems
		}
		return []any{value}
	}
	switch v := value.(type) {
	case map[string]any:
		return jsonLeaves(v[path[0]], path[1:])
	case []any:
		var leaves []any
		for _, elem := range v {
			leaves = append(leaves, jsonLeaves(elem, path)...)
		}
		return leaves
	}
	return nil
}

func (m *Memory) sortRows(md *dmodel.ModelDescriptor, rows []Row, keys []query.SortKey) {
	sort.SliceStable(rows, func(i, j int) bool {
		for _, key := range keys {
			av, _ := columnValue(md, rows[i], key.Column)
			bv, _ := columnValue(md, rows[j], key.Column)
			c := orderValues(av, bv)
			if c == 0 {
				continue
			}
			if key.Desc {
				return c > 0
			}
			return c < 0
		}
		// identifier order keeps pagination stable
		a, b := rows[i].Key(md), rows[j].Key(md)
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
}

// columnValue reads the value a storage column holds, through the schema
// field representation rows use. Relation key columns read from the stored
// reference values.
func columnValue(md *dmodel.ModelDescriptor, row Row, column string) (any, bool) {
	for i := range md.Fields {
		f := &md.Fields[i]
		if rel := f.Relation; rel != nil {
			if rel.IDColumn != column && rel.SeqColumn != column {
				continue
			}
			refs := referenceValues(row[f.Name], nil)
			if rel.SeqColumn == column {
				if len(refs) == 1 && refs[0].Sequence != nil {
					return *refs[0].Sequence, true
				}
				return nil, true
			}
			if f.Relation.Cardinality == dschema.ToMany {
				ids := make([]any, 0, len(refs))
				for _, ref := range refs {
					ids = append(ids, ref.ID)
				}
				return ids, true
			}
			if len(refs) == 1 {
				return refs[0].ID, true
			}
			return nil, true
		}
		if f.Column == column {
			return row[f.Name], true
		}
	}
	return nil, false
}

// relationField finds the field owning a relation by its key column.
func relationField(md *dmodel.ModelDescriptor, idColumn string) *dmodel.FieldDescriptor {
	for i := range md.Fields {
		f := &md.Fields[i]
		if f.Relation != nil && f.Relation.IDColumn == idColumn {
			return f
		}
	}
	return nil
}

// referenceValues extracts reference keys from a stored relation value.
// The target may be nil when only identifiers matter.
func referenceValues(v any, target *dmodel.ModelDescriptor) []Key {
	idField, seqField := "identificatie", ""
	if target != nil {
		idField, seqField = target.IDField, target.SeqField
	}
	one := func(v any) (Key, bool) {
		switch val := v.(type) {
		case string:
			return Key{ID: val}, val != ""
		case map[string]any:
			key := Key{}
			if id, ok := val[idField].(string); ok {
				key.ID = id
			} else if id, ok := val["identificatie"].(string); ok {
				key.ID = id
			}
			if seqField != "" {
				if seq, ok := AsInt(val[seqField]); ok {
					key.Sequence = &seq
				}
			} else if seq, ok := AsInt(val["volgnummer"]); ok {
				key.Sequence = &seq
			}
			return key, key.ID != ""
		}
		return Key{}, false
	}
	switch val := v.(type) {
	case nil:
		return nil
	case []string:
		keys := make([]Key, 0, len(val))
		for _, id := range val {
			if id != "" {
				keys = append(keys, Key{ID: id})
			}
		}
		return keys
	case []any:
		var keys []Key
		for _, elem := range val {
			if key, ok := one(elem); ok {
				keys = append(keys, key)
			}
		}
		return keys
	default:
		if key, ok := one(v); ok {
			return []Key{key}
		}
		return nil
	}
}

// temporalMatch applies the validity predicate of the plan.
func temporalMatch(md *dmodel.ModelDescriptor, row Row, tp *query.TemporalPlan) bool {
	if tp == nil || !md.IsTemporal() {
		return true
	}
	tc := md.Table.Temporal
	if tp.ValidAt == nil {
		return isNil(row[tc.ValidityEnd])
	}
	at := *tp.ValidAt
	if begin, ok := asTime(row[tc.ValidityStart]); ok && at.Before(begin) {
		return false
	}
	if end, ok := asTime(row[tc.ValidityEnd]); ok && !at.Before(end) {
		return false
	}
	return true
}

func flag(f query.Filter) bool {
	b, ok := f.Value().(bool)
	return !ok || b
}

func isNil(v any) bool {
	return v == nil
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []any:
		return len(val) == 0
	case []string:
		return len(val) == 0
	}
	return false
}

// anyElement applies the test to the value, or to each element when the
// value is list-shaped.
func anyElement(value any, test func(any) bool) bool {
	switch val := value.(type) {
	case []any:
		for _, elem := range val {
			if test(elem) {
				return true
			}
		}
		return false
	case []string:
		for _, elem := range val {
			if test(elem) {
				return true
			}
		}
		return false
	}
	return test(value)
}

func equalValue(a, b any) bool {
	if a == nil || b == nil {
		return false
	}
	switch bv := b.(type) {
	case string:
		av, ok := a.(string)
		return ok && av == bv
	case bool:
		av, ok := a.(bool)
		return ok && av == bv
	case int, float64:
		af, aok := asFloat(a)
		bf, _ := asFloat(b)
		return aok && af == bf
	case time.Time:
		at, ok := asTime(a)
		return ok && at.Equal(bv)
	}
	return false
}

// compareValues orders a row value against a parsed operand.
func compareValues(a, b any) (int, bool) {
	switch bv := b.(type) {
	case int, float64:
		af, aok := asFloat(a)
		bf, _ := asFloat(b)
		if !aok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	case time.Time:
		at, ok := asTime(a)
		if !ok {
			return 0, false
		}
		switch {
		case at.Before(bv):
			return -1, true
		case at.After(bv):
			return 1, true
		}
		return 0, true
	case string:
		as, ok := a.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(as, bv), true
	}
	return 0, false
}

// orderValues orders two row values for sorting, nil first.
func orderValues(a, b any) int {
	if isNil(a) || isNil(b) {
		switch {
		case isNil(a) && isNil(b):
			return 0
		case isNil(a):
			return -1
		}
		return 1
	}
	if af, ok := asFloat(a); ok {
		if bf, ok := asFloat(b); ok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			}
			return 0
		}
	}
	if at, ok := asTime(a); ok {
		if bt, ok := asTime(b); ok {
			switch {
			case at.Before(bt):
				return -1
			case at.After(bt):
				return 1
			}
			return 0
		}
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			switch {
			case !ab && bb:
				return -1
			case ab && !bb:
				return 1
			}
			return 0
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed, true
		}
		if parsed, err := time.Parse("2006-01-02", t); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}
