package backend

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/gorilla/mux"

	"github.com/datastelsel/datapi/core/access"
	"github.com/datastelsel/datapi/core/logger"
	"github.com/datastelsel/datapi/core/notify"
)

// handleReload adds the catalog reload route. Reloading re-reads all dataset
// documents from the schema source and publishes a fresh snapshot; requests
// already running finish on the snapshot they started with.
func (b *Backend) handleReload(router *mux.Router) {
	logger.Default().Debugln("  handle route: /_reload POST")
	router.HandleFunc("/_reload", func(w http.ResponseWriter, r *http.Request) {
		b.reloadWithAuth(w, r)
	}).Methods(http.MethodOptions, http.MethodPost)
}

func (b *Backend) reloadWithAuth(w http.ResponseWriter, r *http.Request) {
	if b.authorizationEnabled {
		auth := access.AuthorizationFromContext(r.Context())
		if !auth.HasScope(access.ScopeAdmin) {
			writeProblem(w, r, http.StatusUnauthorized, "not authorized")
			return
		}
	}

	rlog := logger.FromContext(r.Context())
	snapshot, err := b.loadCatalog(r.Context())
	if err != nil {
		rlog.WithError(err).Errorln("Error 1102: catalog reload")
		writeProblem(w, r, http.StatusInternalServerError, "Error 1102: catalog reload failed")
		return
	}

	seen := make(map[string]bool)
	ids := []string{}
	for _, ds := range snapshot.Datasets() {
		if seen[ds.ID] {
			continue
		}
		seen[ds.ID] = true
		ids = append(ids, ds.ID)
	}

	if b.notifier != nil {
		event := notify.NewCatalogReload(ids)
		b.publishedReload.Store(event.ID)
		if err := b.notifier.Publish(r.Context(), event); err != nil {
			rlog.WithError(err).Warnln("cannot publish reload event", event.ID)
		}
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	jsonData, _ := json.Marshal(map[string]interface{}{"datasets": ids})
	w.Write(jsonData)
}
