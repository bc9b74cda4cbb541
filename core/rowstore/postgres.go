package rowstore

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/goccy/go-json"
	"github.com/lib/pq"

	"github.com/datastelsel/datapi/core"
	"github.com/datastelsel/datapi/core/csql"
	"github.com/datastelsel/datapi/core/dmodel"
	"github.com/datastelsel/datapi/core/dschema"
	"github.com/datastelsel/datapi/core/query"
)

// Postgres is the Fetcher over a PostGIS-enabled database. Query plans
// translate to a single SELECT with EXISTS subqueries for relation hops;
// the total count rides along as a window aggregate.
type Postgres struct {
	db *csql.DB
}

// NewPostgres creates a fetcher on the given database.
func NewPostgres(db *csql.DB) *Postgres {
	return &Postgres{db: db}
}

// buildSelect translates the plan into the SELECT statement and the scan
// specification of its columns.
func (p *Postgres) buildSelect(md *dmodel.ModelDescriptor, plan *query.Plan) (string, []any, []colSpec, error) {
	const alias = "t0"
	specs := selectColumns(md, alias, plan.CRS)

	exprs := make([]string, 0, len(specs)+1)
	for _, spec := range specs {
		exprs = append(exprs, spec.expr)
	}
	exprs = append(exprs, "count(*) OVER() AS full_count")

	builder := sq.Select(exprs...).
		From(fmt.Sprintf(`%s."%s" AS %s`, p.db.Schema, md.StorageTable, alias)).
		PlaceholderFormat(sq.Dollar)

	where, err := p.whereSqlizers(md, alias, plan)
	if err != nil {
		return "", nil, nil, err
	}
	for _, w := range where {
		builder = builder.Where(w)
	}
	builder = builder.OrderBy(orderBy(md, alias, plan.Sort)...)
	if plan.PageSize > 0 {
		builder = builder.Limit(uint64(plan.PageSize)).Offset(uint64((plan.Page - 1) * plan.PageSize))
	}

	sqlText, args, err := builder.ToSql()
	if err != nil {
		return "", nil, nil, fmt.Errorf("cannot build query for %s: %w", md.StorageTable, err)
	}
	return sqlText, args, specs, nil
}

// FetchRows executes the plan.
func (p *Postgres) FetchRows(ctx context.Context, md *dmodel.ModelDescriptor, plan *query.Plan) ([]Row, int, error) {
	sqlText, args, specs, err := p.buildSelect(md, plan)
	if err != nil {
		return nil, 0, err
	}
	rows, err := p.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		if verr := validationError(err); verr != nil {
			return nil, 0, verr
		}
		return nil, 0, fmt.Errorf("cannot query %s: %w", md.StorageTable, err)
	}
	defer rows.Close()

	var result []Row
	total := 0
	for rows.Next() {
		targets := make([]any, 0, len(specs)+1)
		for _, spec := range specs {
			targets = append(targets, spec.target())
		}
		var fullCount int
		targets = append(targets, &fullCount)
		if err := rows.Scan(targets...); err != nil {
			return nil, 0, fmt.Errorf("cannot scan %s: %w", md.StorageTable, err)
		}
		total = fullCount
		row := Row{}
		for i, spec := range specs {
			spec.assign(row, targets[i])
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("cannot read %s: %w", md.StorageTable, err)
	}

	// an empty page beyond the end still reports the real count
	if len(result) == 0 && plan.PageSize > 0 && plan.Page > 1 {
		total, err = p.countRows(ctx, md, plan)
		if err != nil {
			return nil, 0, err
		}
	}
	return result, total, nil
}

func (p *Postgres) countRows(ctx context.Context, md *dmodel.ModelDescriptor, plan *query.Plan) (int, error) {
	const alias = "t0"
	builder := sq.Select("count(*)").
		From(fmt.Sprintf(`%s."%s" AS %s`, p.db.Schema, md.StorageTable, alias)).
		PlaceholderFormat(sq.Dollar)
	where, err := p.whereSqlizers(md, alias, plan)
	if err != nil {
		return 0, err
	}
	for _, w := range where {
		builder = builder.Where(w)
	}
	sqlText, args, err := builder.ToSql()
	if err != nil {
		return 0, err
	}
	var total int
	if err := p.db.QueryRowContext(ctx, sqlText, args...).Scan(&total); err != nil {
		if verr := validationError(err); verr != nil {
			return 0, verr
		}
		return 0, fmt.Errorf("cannot count %s: %w", md.StorageTable, err)
	}
	return total, nil
}

// FetchOne fetches the row with the given key. On a temporal table a nil
// sequence selects the current version.
func (p *Postgres) FetchOne(ctx context.Context, md *dmodel.ModelDescriptor, key Key) (Row, error) {
	sqlText, args, specs, err := p.buildFetchOne(md, key)
	if err != nil {
		return nil, fmt.Errorf("cannot build query for %s: %w", md.StorageTable, err)
	}
	rows, err := p.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		if verr := validationError(err); verr != nil {
			return nil, verr
		}
		return nil, fmt.Errorf("cannot query %s: %w", md.StorageTable, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("cannot read %s: %w", md.StorageTable, err)
		}
		return nil, ErrNotFound
	}
	targets := make([]any, 0, len(specs))
	for _, spec := range specs {
		targets = append(targets, spec.target())
	}
	if err := rows.Scan(targets...); err != nil {
		return nil, fmt.Errorf("cannot scan %s: %w", md.StorageTable, err)
	}
	row := Row{}
	for i, spec := range specs {
		spec.assign(row, targets[i])
	}
	return row, nil
}

// buildFetchOne assembles the single row lookup. Geometries come back in the
// storage system, key lookups carry no CRS negotiation.
func (p *Postgres) buildFetchOne(md *dmodel.ModelDescriptor, key Key) (string, []any, []colSpec, error) {
	const alias = "t0"
	specs := selectColumns(md, alias, core.CRSDefault)
	exprs := make([]string, 0, len(specs))
	for _, spec := range specs {
		exprs = append(exprs, spec.expr)
	}

	idField, _ := md.Field(md.IDField)
	builder := sq.Select(exprs...).
		From(fmt.Sprintf(`%s."%s" AS %s`, p.db.Schema, md.StorageTable, alias)).
		Where(sq.Eq{qualify(alias, idField.Column): key.ID}).
		PlaceholderFormat(sq.Dollar).
		Limit(1)
	if md.IsTemporal() {
		if key.Sequence != nil {
			seqField, _ := md.Field(md.SeqField)
			builder = builder.Where(sq.Eq{qualify(alias, seqField.Column): *key.Sequence})
		} else {
			endField, _ := md.Field(md.Table.Temporal.ValidityEnd)
			builder = builder.Where(sq.Eq{qualify(alias, endField.Column): nil})
		}
	}

	sqlText, args, err := builder.ToSql()
	return sqlText, args, specs, err
}

// validationError reports filter values postgres could not cast, they come
// back as invalid_text_representation, code 22P02.
func validationError(err error) error {
	if err, ok := err.(*pq.Error); ok && err.Code == "22P02" {
		return fmt.Errorf("%w: a filter value does not match the field type", query.ErrValidation)
	}
	return nil
}

func (p *Postgres) whereSqlizers(md *dmodel.ModelDescriptor, alias string, plan *query.Plan) ([]sq.Sqlizer, error) {
	var where []sq.Sqlizer
	if plan.Temporal != nil && md.IsTemporal() {
		where = append(where, temporalSqlizer(md, alias, plan.Temporal))
	}
	for _, f := range plan.Filters {
		s, err := p.filterSqlizer(md, alias, 0, f, plan)
		if err != nil {
			return nil, err
		}
		where = append(where, s)
	}
	return where, nil
}

// filterSqlizer builds the predicate of one filter, wrapping relation hops
// in EXISTS subqueries.
func (p *Postgres) filterSqlizer(md *dmodel.ModelDescriptor, alias string, depth int, f query.Filter, plan *query.Plan) (sq.Sqlizer, error) {
	if depth == len(f.Hops) {
		return predicateSqlizer(qualify(alias, f.Column), f, plan.CRS)
	}

	hop := f.Hops[depth]
	inner := fmt.Sprintf("t%d", depth+1)
	rel := hop.Relation
	idField, _ := hop.Target.Field(hop.Target.IDField)

	join := make([]sq.Sqlizer, 0, 3)
	if rel.Cardinality == dschema.ToMany {
		join = append(join, sq.Expr(fmt.Sprintf(`%s = ANY(%s)`,
			qualify(inner, idField.Column), qualify(alias, rel.IDColumn))))
	} else {
		join = append(join, sq.Expr(fmt.Sprintf(`%s = %s`,
			qualify(inner, idField.Column), qualify(alias, rel.IDColumn))))
	}
	if rel.SeqColumn != "" {
		seqField, _ := hop.Target.Field(hop.Target.SeqField)
		join = append(join, sq.Expr(fmt.Sprintf(`%s = %s`,
			qualify(inner, seqField.Column), qualify(alias, rel.SeqColumn))))
	} else if rel.Loose && hop.Target.IsTemporal() && plan.Temporal != nil {
		// loose references follow the temporal context
		join = append(join, temporalSqlizer(hop.Target, inner, plan.Temporal))
	}

	pred, err := p.filterSqlizer(hop.Target, inner, depth+1, f, plan)
	if err != nil {
		return nil, err
	}
	join = append(join, pred)

	sub, args, err := sq.Select("1").
		From(fmt.Sprintf(`%s."%s" AS %s`, p.db.Schema, hop.Target.StorageTable, inner)).
		Where(sq.And(join)).
		PlaceholderFormat(sq.Question).
		ToSql()
	if err != nil {
		return nil, err
	}
	return sq.Expr("EXISTS ("+sub+")", args...), nil
}

// predicateSqlizer builds the comparison for one column on the final model
// of the hop chain.
func predicateSqlizer(column string, f query.Filter, crs core.CRS) (sq.Sqlizer, error) {
	switch {
	case len(f.JSONPath) > 0 && f.Field.Type == dschema.TypeObjectArray:
		return jsonArraySqlizer(column, f)
	case len(f.JSONPath) > 0:
		return textSqlizer(fmt.Sprintf("%s #>> ?", column), []any{pq.Array(f.JSONPath)}, f.Op, f)
	case f.Field.Type == dschema.TypeGeometry:
		return geometrySqlizer(column, f, crs)
	case f.Field.Type == dschema.TypeArray:
		return arraySqlizer(column, f)
	}
	return scalarSqlizer(column, f)
}

func scalarSqlizer(column string, f query.Filter) (sq.Sqlizer, error) {
	switch f.Op {
	case query.OpEq:
		return sq.Eq{column: f.Value()}, nil
	case query.OpNot:
		return sq.NotEq{column: f.Value()}, nil
	case query.OpIn:
		return sq.Eq{column: f.Values}, nil
	case query.OpLt:
		return sq.Lt{column: f.Value()}, nil
	case query.OpLte:
		return sq.LtOrEq{column: f.Value()}, nil
	case query.OpGt:
		return sq.Gt{column: f.Value()}, nil
	case query.OpGte:
		return sq.GtOrEq{column: f.Value()}, nil
	case query.OpLike:
		return sq.Expr(column+" ILIKE ?", query.LikeToSQL(fmt.Sprint(f.Value()))), nil
	case query.OpIsNull:
		if boolValue(f) {
			return sq.Eq{column: nil}, nil
		}
		return sq.NotEq{column: nil}, nil
	case query.OpIsEmpty:
		if boolValue(f) {
			return sq.Expr(fmt.Sprintf("(%s IS NULL OR %s = '')", column, column)), nil
		}
		return sq.Expr(column + " <> ''"), nil
	}
	return nil, fmt.Errorf("%w: operator %s", ErrUnsupported, f.Op)
}

// arraySqlizer covers scalar array columns and list-valued reference
// columns, both stored as postgres arrays.
func arraySqlizer(column string, f query.Filter) (sq.Sqlizer, error) {
	switch f.Op {
	case query.OpEq:
		return sq.Expr("? = ANY("+column+")", f.Value()), nil
	case query.OpNot:
		return sq.Expr("NOT (? = ANY("+column+"))", f.Value()), nil
	case query.OpIn:
		return sq.Expr(column+" && ?", pq.Array(elementStrings(f.Values))), nil
	case query.OpContains:
		return sq.Expr(column+" @> ?", pq.Array(elementStrings(f.Values))), nil
	case query.OpIsNull:
		if boolValue(f) {
			return sq.Eq{column: nil}, nil
		}
		return sq.NotEq{column: nil}, nil
	case query.OpIsEmpty:
		if boolValue(f) {
			return sq.Expr(fmt.Sprintf("(%s IS NULL OR cardinality(%s) = 0)", column, column)), nil
		}
		return sq.Expr("cardinality(" + column + ") > 0"), nil
	}
	return nil, fmt.Errorf("%w: operator %s on array", ErrUnsupported, f.Op)
}

func geometrySqlizer(column string, f query.Filter, crs core.CRS) (sq.Sqlizer, error) {
	switch f.Op {
	case query.OpContains:
		return sq.Expr("ST_Contains("+column+", "+geometryParam(crs)+")", f.Value()), nil
	case query.OpIntersects:
		return sq.Expr("ST_Intersects("+column+", "+geometryParam(crs)+")", f.Value()), nil
	case query.OpIsNull:
		if boolValue(f) {
			return sq.Eq{column: nil}, nil
		}
		return sq.NotEq{column: nil}, nil
	}
	return nil, fmt.Errorf("%w: operator %s on geometry", ErrUnsupported, f.Op)
}

// geometryParam renders the request geometry in the storage system. The
// operand arrives in the request CRS.
func geometryParam(crs core.CRS) string {
	storage := core.CRSDefault.SRID()
	srid := crs.SRID()
	if srid == 0 || srid == storage {
		return fmt.Sprintf("ST_GeomFromText(?, %d)", storage)
	}
	return fmt.Sprintf("ST_Transform(ST_GeomFromText(?, %d), %d)", srid, storage)
}

// jsonArraySqlizer compares a sub-field across the elements of a json array
// column, any element satisfies the filter.
func jsonArraySqlizer(column string, f query.Filter) (sq.Sqlizer, error) {
	inner := f.Op
	switch f.Op {
	case query.OpNot:
		inner = query.OpEq
	case query.OpIsNull, query.OpIsEmpty:
		// the subquery finds elements disproving null or empty
		inner = query.OpIsNull
	}

	var innerPred sq.Sqlizer
	var err error
	if inner == query.OpIsNull {
		innerPred = sq.Expr("elem.value #>> ? IS NOT NULL", pq.Array(f.JSONPath))
		if f.Op == query.OpIsEmpty {
			innerPred = sq.Expr("elem.value #>> ? <> ''", pq.Array(f.JSONPath))
		}
	} else {
		innerPred, err = textSqlizer("elem.value #>> ?", []any{pq.Array(f.JSONPath)}, inner, f)
		if err != nil {
			return nil, err
		}
	}

	sub, args, err := sq.Select("1").
		From("jsonb_array_elements(" + column + ") AS elem").
		Where(innerPred).
		PlaceholderFormat(sq.Question).
		ToSql()
	if err != nil {
		return nil, err
	}

	switch f.Op {
	case query.OpNot:
		return sq.Expr("NOT EXISTS ("+sub+")", args...), nil
	case query.OpIsNull, query.OpIsEmpty:
		if boolValue(f) {
			return sq.Expr(fmt.Sprintf("(%s IS NULL OR NOT EXISTS (%s))", column, sub), args...), nil
		}
		return sq.Expr("EXISTS ("+sub+")", args...), nil
	}
	return sq.Expr("EXISTS ("+sub+")", args...), nil
}

// textSqlizer compares a text expression, the representation json
// sub-fields use.
func textSqlizer(expr string, exprArgs []any, op query.Operator, f query.Filter) (sq.Sqlizer, error) {
	combine := func(tail string, operand any) sq.Sqlizer {
		args := append(append([]any{}, exprArgs...), operand)
		return sq.Expr(expr+" "+tail, args...)
	}
	bare := func(tail string) sq.Sqlizer {
		return sq.Expr(expr+" "+tail, append([]any{}, exprArgs...)...)
	}
	switch op {
	case query.OpEq:
		return combine("= ?", fmt.Sprint(f.Value())), nil
	case query.OpNot:
		return combine("<> ?", fmt.Sprint(f.Value())), nil
	case query.OpIn:
		return combine("= ANY(?)", pq.Array(elementStrings(f.Values))), nil
	case query.OpLike:
		return combine("ILIKE ?", query.LikeToSQL(fmt.Sprint(f.Value()))), nil
	case query.OpIsNull:
		if boolValue(f) {
			return bare("IS NULL"), nil
		}
		return bare("IS NOT NULL"), nil
	case query.OpIsEmpty:
		if boolValue(f) {
			return sq.Expr(fmt.Sprintf("(%s IS NULL OR %s = '')", expr, expr),
				append(append([]any{}, exprArgs...), exprArgs...)...), nil
		}
		return bare("<> ''"), nil
	}
	return nil, fmt.Errorf("%w: operator %s on json sub-field", ErrUnsupported, op)
}

func temporalSqlizer(md *dmodel.ModelDescriptor, alias string, tp *query.TemporalPlan) sq.Sqlizer {
	tc := md.Table.Temporal
	startField, _ := md.Field(tc.ValidityStart)
	endField, _ := md.Field(tc.ValidityEnd)
	start := qualify(alias, startField.Column)
	end := qualify(alias, endField.Column)
	if tp.ValidAt == nil {
		return sq.Eq{end: nil}
	}
	return sq.And{
		sq.LtOrEq{start: *tp.ValidAt},
		sq.Or{sq.Eq{end: nil}, sq.Gt{end: *tp.ValidAt}},
	}
}

func orderBy(md *dmodel.ModelDescriptor, alias string, keys []query.SortKey) []string {
	var exprs []string
	for _, key := range keys {
		if key.Desc {
			exprs = append(exprs, qualify(alias, key.Column)+" DESC NULLS LAST")
		} else {
			exprs = append(exprs, qualify(alias, key.Column)+" ASC NULLS FIRST")
		}
	}
	// identifier order keeps pagination stable
	idField, _ := md.Field(md.IDField)
	exprs = append(exprs, qualify(alias, idField.Column))
	if md.IsTemporal() {
		seqField, _ := md.Field(md.SeqField)
		exprs = append(exprs, qualify(alias, seqField.Column))
	}
	return exprs
}

func qualify(alias, column string) string {
	return fmt.Sprintf(`%s."%s"`, alias, column)
}

func boolValue(f query.Filter) bool {
	b, ok := f.Value().(bool)
	return !ok || b
}

func elementStrings(values []any) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, fmt.Sprint(v))
	}
	return out
}

// colSpec couples a select expression with its scan target and the
// assignment into the schema-keyed row.
type colSpec struct {
	expr   string
	target func() any
	assign func(row Row, target any)
}

// selectColumns builds the select list for all fields of the model.
// Geometries come back as GeoJSON in the requested CRS.
func selectColumns(md *dmodel.ModelDescriptor, alias string, crs core.CRS) []colSpec {
	var specs []colSpec
	storage := core.CRSDefault.SRID()

	for i := range md.Fields {
		f := md.Fields[i]
		name := f.Name

		if rel := f.Relation; rel != nil {
			if rel.Cardinality == dschema.ToMany {
				specs = append(specs, colSpec{
					expr:   qualify(alias, rel.IDColumn),
					target: func() any { return &pq.StringArray{} },
					assign: func(row Row, target any) {
						ids := *target.(*pq.StringArray)
						if ids == nil {
							return
						}
						out := make([]any, 0, len(ids))
						for _, id := range ids {
							out = append(out, id)
						}
						row[name] = out
					},
				})
				continue
			}
			specs = append(specs, colSpec{
				expr:   qualify(alias, rel.IDColumn),
				target: func() any { return &sql.NullString{} },
				assign: func(row Row, target any) {
					v := target.(*sql.NullString)
					if !v.Valid {
						return
					}
					if rel.SeqColumn != "" {
						row[name] = map[string]any{"identificatie": v.String}
						return
					}
					row[name] = v.String
				},
			})
			if rel.SeqColumn != "" {
				specs = append(specs, colSpec{
					expr:   qualify(alias, rel.SeqColumn),
					target: func() any { return &sql.NullInt64{} },
					assign: func(row Row, target any) {
						v := target.(*sql.NullInt64)
						if !v.Valid {
							return
						}
						if ref, ok := row[name].(map[string]any); ok {
							ref["volgnummer"] = int(v.Int64)
						}
					},
				})
			}
			continue
		}

		switch f.Type {
		case dschema.TypeGeometry:
			expr := fmt.Sprintf(`ST_AsGeoJSON(%s) AS "%s"`, qualify(alias, f.Column), f.Column)
			if srid := crs.SRID(); srid != 0 && srid != storage {
				expr = fmt.Sprintf(`ST_AsGeoJSON(ST_Transform(%s, %d)) AS "%s"`, qualify(alias, f.Column), srid, f.Column)
			}
			specs = append(specs, colSpec{
				expr:   expr,
				target: func() any { return &sql.NullString{} },
				assign: func(row Row, target any) {
					v := target.(*sql.NullString)
					if !v.Valid {
						return
					}
					var geom map[string]any
					if err := json.Unmarshal([]byte(v.String), &geom); err == nil {
						row[name] = geom
					}
				},
			})
		case dschema.TypeObject, dschema.TypeObjectArray:
			specs = append(specs, colSpec{
				expr:   qualify(alias, f.Column),
				target: func() any { return &[]byte{} },
				assign: func(row Row, target any) {
					raw := *target.(*[]byte)
					if len(raw) == 0 {
						return
					}
					var v any
					if err := json.Unmarshal(raw, &v); err == nil {
						row[name] = v
					}
				},
			})
		case dschema.TypeArray:
			specs = append(specs, arrayColSpec(alias, f))
		case dschema.TypeInteger:
			specs = append(specs, colSpec{
				expr:   qualify(alias, f.Column),
				target: func() any { return &sql.NullInt64{} },
				assign: func(row Row, target any) {
					v := target.(*sql.NullInt64)
					if v.Valid {
						row[name] = int(v.Int64)
					}
				},
			})
		case dschema.TypeNumber:
			specs = append(specs, colSpec{
				expr:   qualify(alias, f.Column),
				target: func() any { return &sql.NullFloat64{} },
				assign: func(row Row, target any) {
					v := target.(*sql.NullFloat64)
					if v.Valid {
						row[name] = v.Float64
					}
				},
			})
		case dschema.TypeBoolean:
			specs = append(specs, colSpec{
				expr:   qualify(alias, f.Column),
				target: func() any { return &sql.NullBool{} },
				assign: func(row Row, target any) {
					v := target.(*sql.NullBool)
					if v.Valid {
						row[name] = v.Bool
					}
				},
			})
		case dschema.TypeDate, dschema.TypeDateTime:
			specs = append(specs, colSpec{
				expr:   qualify(alias, f.Column),
				target: func() any { return &sql.NullTime{} },
				assign: func(row Row, target any) {
					v := target.(*sql.NullTime)
					if v.Valid {
						row[name] = v.Time
					}
				},
			})
		default:
			specs = append(specs, colSpec{
				expr:   qualify(alias, f.Column),
				target: func() any { return &sql.NullString{} },
				assign: func(row Row, target any) {
					v := target.(*sql.NullString)
					if v.Valid {
						row[name] = v.String
					}
				},
			})
		}
	}
	return specs
}

func arrayColSpec(alias string, f dmodel.FieldDescriptor) colSpec {
	name := f.Name
	switch f.ElemType {
	case dschema.TypeInteger:
		return colSpec{
			expr:   qualify(alias, f.Column),
			target: func() any { return &pq.Int64Array{} },
			assign: func(row Row, target any) {
				elems := *target.(*pq.Int64Array)
				if elems == nil {
					return
				}
				out := make([]any, 0, len(elems))
				for _, e := range elems {
					out = append(out, int(e))
				}
				row[name] = out
			},
		}
	case dschema.TypeNumber:
		return colSpec{
			expr:   qualify(alias, f.Column),
			target: func() any { return &pq.Float64Array{} },
			assign: func(row Row, target any) {
				elems := *target.(*pq.Float64Array)
				if elems == nil {
					return
				}
				out := make([]any, 0, len(elems))
				for _, e := range elems {
					out = append(out, e)
				}
				row[name] = out
			},
		}
	}
	return colSpec{
		expr:   qualify(alias, f.Column),
		target: func() any { return &pq.StringArray{} },
		assign: func(row Row, target any) {
			elems := *target.(*pq.StringArray)
			if elems == nil {
				return
			}
			out := make([]any, 0, len(elems))
			for _, e := range elems {
				out = append(out, e)
			}
			row[name] = out
		},
	}
}
