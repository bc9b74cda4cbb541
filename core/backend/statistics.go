package backend

import (
	"net/http"
	"sort"

	"github.com/goccy/go-json"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/datastelsel/datapi/core/access"
	"github.com/datastelsel/datapi/core/logger"
	"github.com/datastelsel/datapi/core/query"
)

// tableStatistics represents information about one served table
type tableStatistics struct {
	Dataset string `json:"dataset"`
	Version string `json:"version"`
	Table   string `json:"table"`
	Count   int    `json:"count"`
}

// statisticsDetails represents information about the backend's tables
type statisticsDetails struct {
	Tables []tableStatistics `json:"tables"`
}

func (b *Backend) handleStatistics(router *mux.Router) {
	logger.Default().Debugln("statistics")
	logger.Default().Debugln("  handle statistics route: /_statistics GET")
	router.Handle("/_statistics", handlers.CompressHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		b.statisticsWithAuth(w, r)
	}))).Methods(http.MethodOptions, http.MethodGet)
}

func (b *Backend) statisticsWithAuth(w http.ResponseWriter, r *http.Request) {
	if b.authorizationEnabled {
		auth := access.AuthorizationFromContext(r.Context())
		if !auth.HasScope(access.ScopeAdmin) {
			writeProblem(w, r, http.StatusUnauthorized, "not authorized")
			return
		}
	}

	snapshot := b.catalog.Snapshot()
	s := statisticsDetails{Tables: []tableStatistics{}} // do not return null in json, but empty array
	for _, ds := range snapshot.Datasets() {
		for _, t := range ds.Tables {
			md, ok := snapshot.ModelVersion(ds.ID, ds.Version.Major, t.ID)
			if !ok {
				continue
			}
			// counting needs one matching row at most, the total comes for free
			plan := &query.Plan{Model: md, Page: 1, PageSize: 1}
			_, total, err := b.fetcher.FetchRows(r.Context(), md, plan)
			if err != nil {
				logger.FromContext(r.Context()).WithError(err).Errorln("Error 1441: count rows")
				writeProblem(w, r, http.StatusInternalServerError, "Error 1441")
				return
			}
			s.Tables = append(s.Tables, tableStatistics{
				Dataset: ds.ID,
				Version: ds.Version.String(),
				Table:   t.ID,
				Count:   total,
			})
		}
	}
	// Sort the tables so that ETag is unchanged regardless of catalog order
	sort.Slice(s.Tables, func(i, j int) bool {
		a, z := s.Tables[i], s.Tables[j]
		if a.Dataset != z.Dataset {
			return a.Dataset < z.Dataset
		}
		if a.Version != z.Version {
			return a.Version < z.Version
		}
		return a.Table < z.Table
	})

	jsonData, _ := json.Marshal(s)
	etag := bytesToEtag(jsonData)
	w.Header().Set("Etag", etag)
	if ifNoneMatchFound(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Write(jsonData)
}
