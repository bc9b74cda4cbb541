package query

import (
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/datastelsel/datapi/core"
	"github.com/datastelsel/datapi/core/access"
	"github.com/datastelsel/datapi/core/dmodel"
	"github.com/datastelsel/datapi/core/dschema"
)

// the reserved directive names
const (
	paramSort        = "_sort"
	paramFields      = "_fields"
	paramExpand      = "_expand"
	paramExpandScope = "_expandScope"
	paramPageSize    = "_pageSize"
	paramPage        = "page"
	paramFormat      = "_format"
	paramValidAt     = "geldigOp"
)

// headerCRS negotiates the coordinate reference system of the request.
const headerCRS = "Accept-Crs"

const dateFormat = "2006-01-02"

// Build validates the request directives against the model and the caller's
// authorization and produces the query plan. The table itself must already
// have passed the visibility check; Build enforces field-level visibility.
// All errors wrap ErrValidation and are reported before any persistence I/O.
func Build(md *dmodel.ModelDescriptor, snapshot *dmodel.Snapshot, params url.Values,
	header http.Header, auth *access.Authorization) (*Plan, error) {

	b := &builder{md: md, snapshot: snapshot, auth: auth}
	plan := &Plan{
		Model:    md,
		Page:     1,
		PageSize: DefaultPageSize,
		CRS:      core.CRSDefault,
	}

	if header != nil {
		crs, err := core.ParseCRS(header.Get(headerCRS))
		if err != nil {
			return nil, validationErrorf("%s: %s", headerCRS, err)
		}
		plan.CRS = crs
	}

	var validAt *time.Time
	explicitVersionFilter := false

	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		values := params[key]
		switch key {
		case paramSort:
			sortKeys, err := b.parseSort(params.Get(paramSort))
			if err != nil {
				return nil, err
			}
			plan.Sort = sortKeys
		case paramFields:
			selection, err := b.parseFields(params.Get(paramFields))
			if err != nil {
				return nil, err
			}
			plan.Fields = selection
		case paramExpand, paramExpandScope:
			// handled together below
		case paramPageSize:
			n, err := strconv.Atoi(params.Get(paramPageSize))
			if err != nil || n < 1 {
				return nil, validationErrorf("%s must be a positive number", paramPageSize)
			}
			if n > MaxPageSize {
				return nil, validationErrorf("%s may not exceed %d", paramPageSize, MaxPageSize)
			}
			plan.PageSize = n
		case paramPage:
			n, err := strconv.Atoi(params.Get(paramPage))
			if err != nil || n < 1 {
				return nil, validationErrorf("%s must be a positive number", paramPage)
			}
			plan.Page = n
		case paramFormat:
			if f := params.Get(paramFormat); f != "" && f != "json" {
				return nil, validationErrorf("unsupported format '%s'", f)
			}
		case paramValidAt:
			if !md.IsTemporal() {
				return nil, validationErrorf("%s: %s is not a temporal table", paramValidAt, md.Table.ID)
			}
			d, err := time.Parse(dateFormat, params.Get(paramValidAt))
			if err != nil {
				return nil, validationErrorf("%s must be a date formatted %s", paramValidAt, dateFormat)
			}
			validAt = &d
		default:
			if strings.HasPrefix(key, "_") {
				return nil, validationErrorf("unknown parameter %s", key)
			}
			for _, raw := range values {
				filter, err := b.parseFilter(key, raw)
				if err != nil {
					return nil, err
				}
				plan.Filters = append(plan.Filters, *filter)
				if md.IsTemporal() && len(filter.Hops) == 0 {
					switch filter.Field.Name {
					case md.SeqField, md.Table.Temporal.ValidityStart, md.Table.Temporal.ValidityEnd:
						explicitVersionFilter = true
					}
				}
			}
		}
	}

	expand, err := b.parseExpand(params)
	if err != nil {
		return nil, err
	}
	plan.Expand = expand

	if md.IsTemporal() {
		if validAt != nil {
			plan.Temporal = &TemporalPlan{ValidAt: validAt}
		} else if !explicitVersionFilter {
			// default to the current versions
			plan.Temporal = &TemporalPlan{}
		}
	}
	return plan, nil
}

// TemporalParams extracts the explicit sequence selector and validity date
// for single-resource lookups.
func TemporalParams(md *dmodel.ModelDescriptor, params url.Values) (*int, *time.Time, error) {
	var sequence *int
	var validAt *time.Time
	if raw := params.Get("volgnummer"); raw != "" {
		if !md.IsTemporal() {
			return nil, nil, validationErrorf("volgnummer: %s is not a temporal table", md.Table.ID)
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, nil, validationErrorf("volgnummer must be a number")
		}
		sequence = &n
	}
	if raw := params.Get(paramValidAt); raw != "" {
		if !md.IsTemporal() {
			return nil, nil, validationErrorf("%s: %s is not a temporal table", paramValidAt, md.Table.ID)
		}
		d, err := time.Parse(dateFormat, raw)
		if err != nil {
			return nil, nil, validationErrorf("%s must be a date formatted %s", paramValidAt, dateFormat)
		}
		validAt = &d
	}
	return sequence, validAt, nil
}

type builder struct {
	md       *dmodel.ModelDescriptor
	snapshot *dmodel.Snapshot
	auth     *access.Authorization
}

// resolved is the outcome of walking a dotted field path.
type resolved struct {
	hops     []Hop
	field    dmodel.FieldDescriptor
	column   string
	jsonPath []string
	relation bool // terminal is a rewritten relation key
}

// resolvePath walks a dotted path across relation hops and object
// sub-fields. Unknown and invisible fields fail alike; which of the two it
// was must not be distinguishable from the outside.
func (b *builder) resolvePath(path string) (*resolved, error) {
	segments := strings.Split(path, ".")
	m := b.md
	res := &resolved{}

	for i := 0; i < len(segments); i++ {
		name := segments[i]
		f, ok := m.VisibleField(name, b.auth)
		if !ok {
			return nil, validationErrorf("unknown field %s", path)
		}
		last := i == len(segments)-1

		if last {
			if f.Relation != nil {
				rel := f.Relation
				res.field = dmodel.FieldDescriptor{Name: path, Type: dschema.TypeString}
				if rel.Cardinality == dschema.ToMany {
					res.field.Type = dschema.TypeArray
					res.field.ElemType = dschema.TypeString
				}
				res.column = rel.IDColumn
				res.relation = true
				return res, nil
			}
			res.field = *f
			res.field.Name = path
			res.column = f.Column
			return res, nil
		}

		switch {
		case f.Relation != nil:
			rel := f.Relation
			target, ok := b.snapshot.Model(rel.Dataset, rel.Table)
			if !ok {
				return nil, validationErrorf("unknown field %s", path)
			}
			// the relation key is stored locally, no hop needed
			if i == len(segments)-2 {
				switch segments[i+1] {
				case target.IDField:
					res.field = dmodel.FieldDescriptor{Name: path, Type: dschema.TypeString}
					if rel.Cardinality == dschema.ToMany {
						res.field.Type = dschema.TypeArray
						res.field.ElemType = dschema.TypeString
					}
					res.column = rel.IDColumn
					res.relation = true
					return res, nil
				case target.SeqField:
					if rel.SeqColumn != "" {
						res.field = dmodel.FieldDescriptor{Name: path, Type: dschema.TypeInteger}
						res.column = rel.SeqColumn
						res.relation = true
						return res, nil
					}
				}
			}
			if !target.TableVisible(b.auth) {
				return nil, validationErrorf("unknown field %s", path)
			}
			res.hops = append(res.hops, Hop{Relation: *rel, Target: target})
			m = target

		case f.Type == dschema.TypeObject || f.Type == dschema.TypeObjectArray:
			res.field = *f
			res.field.Name = path
			res.column = f.Column
			res.jsonPath = segments[i+1:]
			return res, nil

		default:
			return nil, validationErrorf("field %s has no sub-fields", strings.Join(segments[:i+1], "."))
		}
	}
	return nil, validationErrorf("unknown field %s", path)
}

// parseFilter parses one key=value pair into a filter predicate.
func (b *builder) parseFilter(key, raw string) (*Filter, error) {
	path := key
	op := OpEq
	if i := strings.IndexByte(key, '['); i >= 0 {
		if !strings.HasSuffix(key, "]") {
			return nil, validationErrorf("malformed operator in %s", key)
		}
		path = key[:i]
		op = Operator(key[i+1 : len(key)-1])
		if !knownOperator(op) {
			return nil, validationErrorf("unknown operator %s in %s", op, key)
		}
	}

	res, err := b.resolvePath(path)
	if err != nil {
		return nil, err
	}

	filter := &Filter{
		Hops:     res.hops,
		Field:    res.field,
		Column:   res.column,
		JSONPath: res.jsonPath,
		Op:       op,
	}

	if !operatorAllowed(res, op) {
		return nil, validationErrorf("operator %s cannot be applied to %s", op, path)
	}

	values, err := parseValues(res, op, raw)
	if err != nil {
		return nil, validationErrorf("%s: %s", path, err)
	}
	filter.Values = values
	return filter, nil
}

func (b *builder) parseSort(arg string) ([]SortKey, error) {
	var keys []SortKey
	for _, token := range strings.Split(arg, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			return nil, validationErrorf("%s contains an empty key", paramSort)
		}
		desc := strings.HasPrefix(token, "-")
		name := strings.TrimPrefix(token, "-")

		res, err := b.resolvePath(name)
		if err != nil {
			return nil, err
		}
		if len(res.hops) > 0 || len(res.jsonPath) > 0 {
			return nil, validationErrorf("cannot sort on related field %s", name)
		}
		switch res.field.Type {
		case dschema.TypeString, dschema.TypeInteger, dschema.TypeNumber,
			dschema.TypeBoolean, dschema.TypeDate, dschema.TypeDateTime:
		default:
			return nil, validationErrorf("cannot sort on %s field %s", res.field.Type, name)
		}
		keys = append(keys, SortKey{Field: res.field, Column: res.column, Desc: desc})
	}
	return keys, nil
}

func (b *builder) parseExpand(params url.Values) ([]ExpandPath, error) {
	if raw := params.Get(paramExpand); raw != "" {
		switch raw {
		case "true":
			// all visible relation fields
			var paths []ExpandPath
			for _, f := range b.md.VisibleFields(b.auth) {
				if f.Relation != nil {
					paths = append(paths, ExpandPath{f.Name})
				}
			}
			return paths, nil
		case "false":
			return nil, nil
		default:
			return nil, validationErrorf("%s must be true or false", paramExpand)
		}
	}

	raw := params.Get(paramExpandScope)
	if raw == "" {
		return nil, nil
	}
	var paths []ExpandPath
	seen := make(map[string]bool)
	for _, token := range strings.Split(raw, ",") {
		token = strings.TrimSpace(token)
		if token == "" || seen[token] {
			continue
		}
		seen[token] = true
		path, err := b.parseExpandPath(token)
		if err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// parseExpandPath validates that every step of a dotted expand path names a
// relation field. Visibility of the target tables is not checked here; an
// unauthorized target prunes the branch at resolution time instead.
func (b *builder) parseExpandPath(token string) (ExpandPath, error) {
	segments := strings.Split(token, ".")
	m := b.md
	for i, name := range segments {
		f, ok := m.VisibleField(name, b.auth)
		if !ok || f.Relation == nil {
			return nil, validationErrorf("%s: %s is not a relation", paramExpandScope, token)
		}
		if i < len(segments)-1 {
			target, ok := b.snapshot.Model(f.Relation.Dataset, f.Relation.Table)
			if !ok {
				return nil, validationErrorf("%s: %s is not a relation", paramExpandScope, token)
			}
			m = target
		}
	}
	return ExpandPath(segments), nil
}

func knownOperator(op Operator) bool {
	switch op {
	case OpEq, OpIn, OpNot, OpIsNull, OpLt, OpLte, OpGt, OpGte,
		OpLike, OpIsEmpty, OpContains, OpIntersects:
		return true
	}
	return false
}

// operatorAllowed checks the operator against the terminal field type.
func operatorAllowed(res *resolved, op Operator) bool {
	if res.relation {
		// rewritten relation keys compare as plain values
		switch op {
		case OpEq, OpIn, OpNot, OpIsNull:
			return true
		case OpContains:
			return res.field.Type == dschema.TypeArray
		}
		return false
	}
	if len(res.jsonPath) > 0 {
		// sub-fields of json objects compare as text
		switch op {
		case OpEq, OpIn, OpNot, OpIsNull, OpLike, OpIsEmpty:
			return true
		}
		return false
	}
	switch res.field.Type {
	case dschema.TypeString:
		switch op {
		case OpEq, OpIn, OpNot, OpIsNull, OpLike, OpIsEmpty:
			return true
		}
	case dschema.TypeInteger, dschema.TypeNumber, dschema.TypeDate, dschema.TypeDateTime:
		switch op {
		case OpEq, OpIn, OpNot, OpIsNull, OpLt, OpLte, OpGt, OpGte:
			return true
		}
	case dschema.TypeBoolean:
		switch op {
		case OpEq, OpNot, OpIsNull:
			return true
		}
	case dschema.TypeArray:
		switch op {
		case OpContains, OpIsNull, OpIsEmpty:
			return true
		}
	case dschema.TypeGeometry:
		switch op {
		case OpContains, OpIntersects, OpIsNull:
			return true
		}
	}
	return false
}

// parseValues parses and type-checks the operand(s) of a filter.
func parseValues(res *resolved, op Operator, raw string) ([]any, error) {
	switch op {
	case OpIsNull, OpIsEmpty:
		b, err := parseFlag(raw)
		if err != nil {
			return nil, err
		}
		return []any{b}, nil
	case OpIn:
		parts := strings.Split(raw, ",")
		values := make([]any, 0, len(parts))
		for _, part := range parts {
			v, err := parseScalar(scalarType(res), part)
			if err != nil {
				return nil, err
			}
			values = append(values, v)
		}
		return values, nil
	case OpContains:
		if res.field.Type == dschema.TypeGeometry {
			wkt, err := GeoWKT(raw)
			if err != nil {
				return nil, err
			}
			return []any{wkt}, nil
		}
		// all listed elements must be contained
		parts := strings.Split(raw, ",")
		values := make([]any, 0, len(parts))
		for _, part := range parts {
			v, err := parseScalar(res.field.ElemType, part)
			if err != nil {
				return nil, err
			}
			values = append(values, v)
		}
		return values, nil
	case OpIntersects:
		wkt, err := GeoWKT(raw)
		if err != nil {
			return nil, err
		}
		return []any{wkt}, nil
	case OpLike:
		return []any{raw}, nil
	default:
		v, err := parseScalar(scalarType(res), raw)
		if err != nil {
			return nil, err
		}
		return []any{v}, nil
	}
}

// scalarType is the type single operands parse as.
func scalarType(res *resolved) dschema.FieldType {
	if len(res.jsonPath) > 0 {
		return dschema.TypeString
	}
	if res.field.Type == dschema.TypeArray {
		return res.field.ElemType
	}
	return res.field.Type
}

func parseScalar(t dschema.FieldType, raw string) (any, error) {
	switch t {
	case dschema.TypeString:
		return raw, nil
	case dschema.TypeInteger:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, validationErrorf("'%s' is not a number", raw)
		}
		return n, nil
	case dschema.TypeNumber:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, validationErrorf("'%s' is not a number", raw)
		}
		return f, nil
	case dschema.TypeBoolean:
		return parseFlag(raw)
	case dschema.TypeDate:
		d, err := time.Parse(dateFormat, raw)
		if err != nil {
			return nil, validationErrorf("'%s' is not a date formatted %s", raw, dateFormat)
		}
		return d, nil
	case dschema.TypeDateTime:
		if d, err := time.Parse(time.RFC3339, raw); err == nil {
			return d, nil
		}
		if d, err := time.Parse("2006-01-02T15:04:05", raw); err == nil {
			return d, nil
		}
		d, err := time.Parse(dateFormat, raw)
		if err != nil {
			return nil, validationErrorf("'%s' is not a date-time", raw)
		}
		return d, nil
	}
	return nil, validationErrorf("values of type %s cannot be compared", t)
}

func parseFlag(raw string) (bool, error) {
	switch raw {
	case "", "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, validationErrorf("'%s' is not a boolean", raw)
}
