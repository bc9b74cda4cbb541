package backend

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/gorilla/mux"

	"github.com/datastelsel/datapi/core/logger"
)

// handleHealth adds the health route. The route is public; it reports
// liveness only and reveals nothing about the served datasets.
func (b *Backend) handleHealth(router *mux.Router) {
	logger.Default().Debugln("  handle route: /_health GET")
	router.HandleFunc("/_health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		jsonData, _ := json.Marshal(map[string]string{"status": "ok"})
		w.Write(jsonData)
	}).Methods(http.MethodOptions, http.MethodGet)
}
