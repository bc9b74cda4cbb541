package backend

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/gorilla/mux"

	"github.com/datastelsel/datapi/core/logger"
)

type indexTable struct {
	ID    string     `json:"id"`
	Title string     `json:"title,omitempty"`
	Links indexLinks `json:"_links"`
}

type indexLinks struct {
	Self link `json:"self"`
}

type indexDataset struct {
	ID      string       `json:"id"`
	Title   string       `json:"title,omitempty"`
	Version string       `json:"version"`
	Default bool         `json:"default"`
	Tables  []indexTable `json:"tables"`
}

// handleIndex adds the dataset index route. The index lists the datasets
// and tables the caller is authorized to see.
func (b *Backend) handleIndex(router *mux.Router) {
	logger.Default().Debugln("  handle route: / GET")
	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		b.index(w, r)
	}).Methods(http.MethodOptions, http.MethodGet)
}

func (b *Backend) index(w http.ResponseWriter, r *http.Request) {
	snapshot := b.catalog.Snapshot()
	auth := b.authorization(r)

	datasets := []indexDataset{}
	for _, ds := range snapshot.Datasets() {
		if !auth.Satisfies(ds.Auth) {
			continue
		}
		entry := indexDataset{
			ID:      ds.ID,
			Title:   ds.Title,
			Version: ds.Version.String(),
			Default: ds.IsDefault,
		}
		for _, t := range ds.Tables {
			md, ok := snapshot.ModelVersion(ds.ID, ds.Version.Major, t.ID)
			if !ok || !md.TableVisible(auth) {
				continue
			}
			entry.Tables = append(entry.Tables, indexTable{
				ID:    t.ID,
				Title: t.Title,
				Links: indexLinks{Self: link{
					Href:  ds.RoutePrefix() + "/" + t.ID + "/",
					Title: t.Title,
				}},
			})
		}
		datasets = append(datasets, entry)
	}

	envelope := map[string]interface{}{
		"_embedded": map[string]interface{}{"datasets": datasets},
	}
	jsonData, _ := json.MarshalWithOption(envelope, json.DisableHTMLEscape())
	w.Header().Set("Content-Type", "application/hal+json; charset=utf-8")
	w.Write(jsonData)
}
