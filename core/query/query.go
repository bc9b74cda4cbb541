/*Package query turns request directives into an authorized query plan.

A Plan is plain data: filters, sort keys, field selection, expansion paths,
temporal context and pagination, all validated against the model descriptor
and the caller's scopes. It contains no storage concerns; the rowstore
fetchers translate it. Every validation failure is reported before any
persistence I/O happens, so filtering on data a caller cannot see fails
instead of leaking through timing or partial results.
*/
package query

import (
	"errors"
	"fmt"
	"time"

	"github.com/datastelsel/datapi/core"
	"github.com/datastelsel/datapi/core/dmodel"
)

// ErrValidation is wrapped by all directive validation errors. Handlers map
// it to HTTP 400.
var ErrValidation = errors.New("invalid query")

// Operator is a filter operator, written as field[op]=value.
type Operator string

// all supported filter operators
const (
	OpEq         Operator = "eq"
	OpIn         Operator = "in"
	OpNot        Operator = "not"
	OpIsNull     Operator = "isnull"
	OpLt         Operator = "lt"
	OpLte        Operator = "lte"
	OpGt         Operator = "gt"
	OpGte        Operator = "gte"
	OpLike       Operator = "like"
	OpIsEmpty    Operator = "isempty"
	OpContains   Operator = "contains"
	OpIntersects Operator = "intersects"
)

// pagination bounds
const (
	DefaultPageSize = 20
	MaxPageSize     = 1000
)

// Hop is one relation step of a dotted filter path.
type Hop struct {
	// Relation is the relation descriptor on the model the hop starts from.
	Relation dmodel.RelationDescriptor
	// Target is the model the hop leads to.
	Target *dmodel.ModelDescriptor
}

// Filter is one predicate of the plan. All filters combine with AND.
type Filter struct {
	// Hops lead from the queried model to the model owning the field.
	// Empty for local fields.
	Hops []Hop
	// Field is the filtered field. For rewritten relation key filters this
	// is a synthetic descriptor naming the full path.
	Field dmodel.FieldDescriptor
	// Column is the storage column the predicate applies to, on the final
	// model of the hop chain.
	Column string
	// JSONPath addresses a sub-field inside an object or object-array
	// column; such values compare as text.
	JSONPath []string
	Op       Operator
	// Values are the parsed, type-checked operands.
	Values []any
}

// Value returns the single operand of the filter.
func (f *Filter) Value() any {
	if len(f.Values) == 0 {
		return nil
	}
	return f.Values[0]
}

// SortKey is one key of the stable multi-key sort.
type SortKey struct {
	Field  dmodel.FieldDescriptor
	Column string
	Desc   bool
}

// ExpandPath is a dotted chain of relation field names to embed.
type ExpandPath []string

// TemporalPlan restricts a temporal table to the versions valid at a moment.
type TemporalPlan struct {
	// ValidAt selects the versions valid at that date. Nil selects the
	// current versions, the ones without an end of validity.
	ValidAt *time.Time
}

// Plan is the resolved, authorized query for one table.
type Plan struct {
	Model   *dmodel.ModelDescriptor
	Filters []Filter
	Sort    []SortKey
	// Fields is the requested field selection, nil for all visible fields.
	Fields *FieldSelection
	Expand []ExpandPath
	// Page is 1-based.
	Page int
	// PageSize 0 disables pagination. Request plans always carry a
	// positive size; only internally built plans fetch everything.
	PageSize int
	// Temporal is set for temporal models unless an explicit filter on the
	// sequence or validity fields takes over version selection.
	Temporal *TemporalPlan
	CRS      core.CRS
}

func validationErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
