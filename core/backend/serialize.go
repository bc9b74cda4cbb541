package backend

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/datastelsel/datapi/core/access"
	"github.com/datastelsel/datapi/core/dmodel"
	"github.com/datastelsel/datapi/core/dschema"
	"github.com/datastelsel/datapi/core/query"
	"github.com/datastelsel/datapi/core/rowstore"
)

// link is one entry in a _links object
type link struct {
	Href  string `json:"href"`
	Title string `json:"title,omitempty"`
}

const dateFormat = "2006-01-02"

// serializeContext carries everything one request needs to turn rows into
// resources: the caller's visibility, the requested field selection and the
// temporal context for loose relation links.
type serializeContext struct {
	snapshot *dmodel.Snapshot
	auth     *access.Authorization
	fields   *query.FieldSelection
	// validAt propagates the request's temporal context into loose
	// relation links, so following such a link resolves to the version
	// the caller was looking at.
	validAt *time.Time
}

// resource turns a storage row into a response resource: the visible,
// selected fields in schema order plus the _links object.
func (sc *serializeContext) resource(md *dmodel.ModelDescriptor, row rowstore.Row) map[string]interface{} {
	out := make(map[string]interface{})
	links := map[string]interface{}{
		"self": sc.selfLink(md, row),
	}

	for i := range md.Fields {
		f := &md.Fields[i]
		if !f.Identifier && !sc.auth.Satisfies(f.Auth) {
			continue
		}
		if _, selected := sc.fields.Selects(f.Name, f.Identifier); !selected {
			continue
		}
		value := row[f.Name]
		if f.Relation != nil {
			out[f.Name] = value
			if l := sc.relationLinks(f, value); l != nil {
				links[f.Name] = l
			}
			continue
		}
		out[f.Name] = sc.formatValue(f, value)
	}

	out["_links"] = links
	return out
}

// selfLink builds the canonical link of a row. Temporal rows link to their
// exact version.
func (sc *serializeContext) selfLink(md *dmodel.ModelDescriptor, row rowstore.Row) link {
	id := fmt.Sprint(row[md.IDField])
	href := md.Dataset.RoutePrefix() + "/" + md.Table.ID + "/" + url.PathEscape(id) + "/"
	if md.IsTemporal() {
		if seq, ok := rowstore.AsInt(row[md.SeqField]); ok {
			href += "?volgnummer=" + strconv.Itoa(seq)
		}
	}
	l := link{Href: href, Title: id}
	if d := md.Table.Display; d != "" {
		if f, ok := md.Field(d); ok && (f.Identifier || sc.auth.Satisfies(f.Auth)) {
			if title, ok := row[d].(string); ok && title != "" {
				l.Title = title
			}
		}
	}
	return l
}

// relationLinks builds the _links entries for a relation value. A pinned
// reference links to the exact target version. A loose reference links
// without a sequence number but propagates the request's validity date, so
// the link resolves to the same version the caller saw. Returns a single
// link for to-one relations, a list for to-many, nil when the target table
// is not visible or the reference is empty.
func (sc *serializeContext) relationLinks(f *dmodel.FieldDescriptor, value interface{}) interface{} {
	rel := f.Relation
	target, ok := sc.snapshot.Model(rel.Dataset, rel.Table)
	if !ok || !target.TableVisible(sc.auth) {
		return nil
	}

	if rel.Cardinality == dschema.ToMany {
		ids, ok := value.([]interface{})
		if !ok || len(ids) == 0 {
			return nil
		}
		links := make([]link, 0, len(ids))
		for _, id := range ids {
			links = append(links, sc.referenceLink(target, fmt.Sprint(id), nil))
		}
		return links
	}

	switch v := value.(type) {
	case string:
		if v == "" {
			return nil
		}
		return sc.referenceLink(target, v, nil)
	case map[string]interface{}:
		id, _ := v[target.IDField].(string)
		if id == "" {
			id, _ = v["identificatie"].(string)
		}
		if id == "" {
			return nil
		}
		if target.IsTemporal() {
			if seq, ok := rowstore.AsInt(v[target.SeqField]); ok {
				return sc.referenceLink(target, id, &seq)
			}
			if seq, ok := rowstore.AsInt(v["volgnummer"]); ok {
				return sc.referenceLink(target, id, &seq)
			}
		}
		return sc.referenceLink(target, id, nil)
	}
	return nil
}

func (sc *serializeContext) referenceLink(target *dmodel.ModelDescriptor, id string, seq *int) link {
	href := target.Dataset.RoutePrefix() + "/" + target.Table.ID + "/" + url.PathEscape(id) + "/"
	if seq != nil {
		href += "?volgnummer=" + strconv.Itoa(*seq)
	} else if sc.validAt != nil && target.IsTemporal() {
		href += "?geldigOp=" + sc.validAt.Format(dateFormat)
	}
	return link{Href: href, Title: id}
}

// formatValue renders a storage value for the response. Dates drop their
// time component, datetimes render RFC 3339 in UTC.
func (sc *serializeContext) formatValue(f *dmodel.FieldDescriptor, value interface{}) interface{} {
	if value == nil {
		return nil
	}
	switch f.Type {
	case dschema.TypeDate:
		if t, ok := value.(time.Time); ok {
			return t.Format(dateFormat)
		}
	case dschema.TypeDateTime:
		if t, ok := value.(time.Time); ok {
			return t.UTC().Format(time.RFC3339)
		}
	case dschema.TypeArray:
		if f.ElemType != dschema.TypeDate && f.ElemType != dschema.TypeDateTime {
			return value
		}
		elems, ok := value.([]interface{})
		if !ok {
			return value
		}
		out := make([]interface{}, len(elems))
		elem := dmodel.FieldDescriptor{Type: f.ElemType}
		for i, e := range elems {
			out[i] = sc.formatValue(&elem, e)
		}
		return out
	}
	return value
}
