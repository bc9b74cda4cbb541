package backend

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/gorilla/mux"

	"github.com/datastelsel/datapi/core/dmodel"
	"github.com/datastelsel/datapi/core/logger"
	"github.com/datastelsel/datapi/core/query"
	"github.com/datastelsel/datapi/core/resolve"
	"github.com/datastelsel/datapi/core/rowstore"
)

func (b *Backend) collectionWithAuth(w http.ResponseWriter, r *http.Request) {
	snapshot := b.catalog.Snapshot()
	md, ok := b.model(snapshot, r)
	if !ok {
		writeProblem(w, r, http.StatusNotFound, "no such table")
		return
	}
	auth := b.authorization(r)
	if !md.TableVisible(auth) {
		writeProblem(w, r, http.StatusForbidden, "you lack the scope to access this table")
		return
	}
	b.collection(w, r, snapshot, md)
}

// collection handles a list request: directives to plan, plan to rows, rows
// to a HAL envelope.
func (b *Backend) collection(w http.ResponseWriter, r *http.Request,
	snapshot *dmodel.Snapshot, md *dmodel.ModelDescriptor) {

	rlog := logger.FromContext(r.Context())
	auth := b.authorization(r)

	plan, err := query.Build(md, snapshot, r.URL.Query(), r.Header, auth)
	if err != nil {
		writeError(w, r, err)
		return
	}

	rows, totalCount, err := b.fetcher.FetchRows(r.Context(), md, plan)
	if err != nil {
		writeError(w, r, err)
		return
	}

	sc := &serializeContext{
		snapshot: snapshot,
		auth:     auth,
		fields:   plan.Fields,
	}
	if plan.Temporal != nil {
		sc.validAt = plan.Temporal.ValidAt
	}

	resources := make([]interface{}, 0, len(rows))
	for _, row := range rows {
		resources = append(resources, sc.resource(md, row))
	}
	embedded := map[string]interface{}{
		md.Table.ID: resources,
	}

	if len(plan.Expand) > 0 {
		resolver := resolve.New(snapshot, b.fetcher)
		rctx := resolve.Context{ValidAt: sc.validAt, CRS: plan.CRS}
		expanded, err := resolver.Expand(r.Context(), md, rows, plan.Expand, rctx, auth)
		if err != nil {
			rlog.WithError(err).Errorln("Error 1431: cannot expand relations")
			writeProblem(w, r, http.StatusInternalServerError, "Error 1431")
			return
		}
		for pathKey, embeddedRows := range expanded {
			target := expansionTarget(snapshot, md, pathKey)
			if target == nil {
				continue
			}
			esc := sc.forPath(pathKey)
			list := make([]interface{}, 0, len(embeddedRows))
			for _, row := range embeddedRows {
				list = append(list, esc.resource(target, row))
			}
			embedded[pathKey] = list
		}
	}

	pageCount := 0
	if totalCount > 0 {
		pageCount = ((totalCount - 1) / plan.PageSize) + 1
	}
	envelope := map[string]interface{}{
		"_links":    pageLinks(r, plan.Page, pageCount),
		"_embedded": embedded,
		"page": map[string]interface{}{
			"number":        plan.Page,
			"size":          plan.PageSize,
			"totalElements": totalCount,
			"totalPages":    pageCount,
		},
	}

	jsonData, _ := json.MarshalWithOption(envelope, json.DisableHTMLEscape())

	w.Header().Set("Content-Type", "application/hal+json; charset=utf-8")
	w.Header().Set("Pagination-Limit", strconv.Itoa(plan.PageSize))
	w.Header().Set("Pagination-Total-Count", strconv.Itoa(totalCount))
	w.Header().Set("Pagination-Page-Count", strconv.Itoa(pageCount))
	w.Header().Set("Pagination-Current-Page", strconv.Itoa(plan.Page))

	etag := bytesPlusTotalCountToEtag(jsonData, totalCount)
	w.Header().Set("Etag", etag)
	if ifNoneMatchFound(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Write(jsonData)
}

func (b *Backend) itemWithAuth(w http.ResponseWriter, r *http.Request) {
	snapshot := b.catalog.Snapshot()
	md, ok := b.model(snapshot, r)
	if !ok {
		writeProblem(w, r, http.StatusNotFound, "no such table")
		return
	}
	auth := b.authorization(r)
	if !md.TableVisible(auth) {
		writeProblem(w, r, http.StatusForbidden, "you lack the scope to access this table")
		return
	}
	b.item(w, r, snapshot, md)
}

// item handles a detail request. The id addresses the entity; for temporal
// tables an explicit ?volgnummer selects the exact version, ?geldigOp the
// version valid at that date, and without either the current version is
// returned.
func (b *Backend) item(w http.ResponseWriter, r *http.Request,
	snapshot *dmodel.Snapshot, md *dmodel.ModelDescriptor) {

	rlog := logger.FromContext(r.Context())
	auth := b.authorization(r)

	plan, err := query.Build(md, snapshot, r.URL.Query(), r.Header, auth)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sequence, validAt, err := query.TemporalParams(md, r.URL.Query())
	if err != nil {
		writeError(w, r, err)
		return
	}

	resolver := resolve.New(snapshot, b.fetcher)
	rctx := resolve.Context{ValidAt: validAt, CRS: plan.CRS}
	key := rowstore.Key{ID: mux.Vars(r)["id"], Sequence: sequence}
	row, err := resolver.ResolveOne(r.Context(), md, key, rctx)
	if err == rowstore.ErrNotFound {
		writeProblem(w, r, http.StatusNotFound, "no such "+md.Table.ID+" entity")
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	sc := &serializeContext{
		snapshot: snapshot,
		auth:     auth,
		fields:   plan.Fields,
		validAt:  validAt,
	}
	resource := sc.resource(md, row)

	if len(plan.Expand) > 0 {
		expanded, err := resolver.Expand(r.Context(), md, []rowstore.Row{row}, plan.Expand, rctx, auth)
		if err != nil {
			rlog.WithError(err).Errorln("Error 1432: cannot expand relations")
			writeProblem(w, r, http.StatusInternalServerError, "Error 1432")
			return
		}
		embedded := make(map[string]interface{})
		for pathKey, embeddedRows := range expanded {
			target := expansionTarget(snapshot, md, pathKey)
			if target == nil {
				continue
			}
			esc := sc.forPath(pathKey)
			list := make([]interface{}, 0, len(embeddedRows))
			for _, row := range embeddedRows {
				list = append(list, esc.resource(target, row))
			}
			embedded[pathKey] = list
		}
		if len(embedded) > 0 {
			resource["_embedded"] = embedded
		}
	}

	jsonData, _ := json.MarshalWithOption(resource, json.DisableHTMLEscape())

	w.Header().Set("Content-Type", "application/hal+json; charset=utf-8")
	etag := bytesToEtag(jsonData)
	w.Header().Set("Etag", etag)
	if ifNoneMatchFound(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Write(jsonData)
}

// pageLinks builds the envelope's _links with self and, where they exist,
// prev and next pages.
func pageLinks(r *http.Request, page, pageCount int) map[string]interface{} {
	links := map[string]interface{}{
		"self": link{Href: r.URL.RequestURI()},
	}
	withPage := func(n int) string {
		values, _ := url.ParseQuery(r.URL.RawQuery)
		values.Set("page", strconv.Itoa(n))
		u := *r.URL
		u.RawQuery = values.Encode()
		return u.RequestURI()
	}
	if page > 1 {
		links["prev"] = link{Href: withPage(page - 1)}
	}
	if page < pageCount {
		links["next"] = link{Href: withPage(page + 1)}
	}
	return links
}

// forPath returns a serialize context applying the nested field selection
// of the given dotted expansion path.
func (sc *serializeContext) forPath(pathKey string) *serializeContext {
	sub := sc.fields
	for _, segment := range splitPath(pathKey) {
		sub, _ = sub.Selects(segment, true)
	}
	out := *sc
	out.fields = sub
	return &out
}

// expansionTarget walks the relation chain of a dotted expansion path and
// returns the model the embedded rows belong to.
func expansionTarget(snapshot *dmodel.Snapshot, md *dmodel.ModelDescriptor, pathKey string) *dmodel.ModelDescriptor {
	for _, segment := range splitPath(pathKey) {
		f, ok := md.Field(segment)
		if !ok || f.Relation == nil {
			return nil
		}
		md, ok = snapshot.Model(f.Relation.Dataset, f.Relation.Table)
		if !ok {
			return nil
		}
	}
	return md
}

func splitPath(pathKey string) []string {
	return strings.Split(pathKey, ".")
}
