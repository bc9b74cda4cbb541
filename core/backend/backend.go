package backend

import (
	"context"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/datastelsel/datapi/core/access"
	"github.com/datastelsel/datapi/core/csql"
	"github.com/datastelsel/datapi/core/dmodel"
	"github.com/datastelsel/datapi/core/dschema"
	"github.com/datastelsel/datapi/core/logger"
	"github.com/datastelsel/datapi/core/metaschema"
	"github.com/datastelsel/datapi/core/notify"
	"github.com/datastelsel/datapi/core/registry"
	"github.com/datastelsel/datapi/core/rowstore"
	"github.com/datastelsel/datapi/core/schemastore"
)

// Backend is the generic dataset REST backend
type Backend struct {
	catalog              *dmodel.Catalog
	fetcher              rowstore.Fetcher
	router               *mux.Router
	source               schemastore.Source
	notifier             notify.Bus
	validator            *metaschema.Validator
	authorizationEnabled bool

	// publishedReload remembers the id of the last reload event this
	// instance published, so it does not reload a second time when the
	// bus echoes its own event back.
	publishedReload atomic.Value

	// Registry is the JSON object registry for this backend's database,
	// nil when the backend runs without one.
	Registry *registry.Registry
}

// Builder is a builder helper for the Backend
type Builder struct {
	// SchemaSource provides the dataset documents. This is mandatory.
	SchemaSource schemastore.Source
	// Fetcher reads dataset rows. This is mandatory.
	Fetcher rowstore.Fetcher
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// DB is a postgres database. Optional; it backs the object registry
	// used for imported dataset documents and downloaded token keys.
	DB *csql.DB
	// Notifier distributes catalog reload events between instances.
	// Optional.
	Notifier notify.Bus
	// AuthorizationEnabled enforces access scopes when true. When false,
	// every caller sees everything.
	AuthorizationEnabled bool
	// MetricsEnabled adds the prometheus /metrics route and per-request
	// metrics.
	MetricsEnabled bool
}

// New realizes the backend. It loads the dataset documents from the schema
// source, builds the model catalog and adds the routes to the router.
// A dataset document that fails to load is skipped with a diagnostic, it
// never takes the backend down.
func New(ctx context.Context, bb *Builder) (*Backend, error) {

	if bb.SchemaSource == nil {
		panic("SchemaSource is missing")
	}
	if bb.Fetcher == nil {
		panic("Fetcher is missing")
	}
	if bb.Router == nil {
		panic("Router is missing")
	}

	validator, err := metaschema.New()
	if err != nil {
		return nil, err
	}

	b := &Backend{
		catalog:              dmodel.NewCatalog(),
		fetcher:              bb.Fetcher,
		router:               bb.Router,
		source:               bb.SchemaSource,
		notifier:             bb.Notifier,
		validator:            validator,
		authorizationEnabled: bb.AuthorizationEnabled,
	}
	if bb.DB != nil {
		reg := registry.New(bb.DB)
		b.Registry = &reg
	}

	if _, err := b.loadCatalog(ctx); err != nil {
		return nil, err
	}
	if b.notifier != nil {
		err = b.notifier.Subscribe(ctx, func(event notify.Event) {
			if event.Kind != notify.KindCatalogReload {
				return
			}
			if own, ok := b.publishedReload.Load().(uuid.UUID); ok && own == event.ID {
				return
			}
			if _, err := b.loadCatalog(ctx); err != nil {
				logger.Default().WithError(err).Errorln("Error 1101: catalog reload from event", event.ID)
			}
		})
		if err != nil {
			return nil, err
		}
	}

	if bb.MetricsEnabled {
		b.handleMetrics(b.router)
	}
	b.handleCORS()
	b.handleCompression()
	access.HandleAuthorizationRoute(b.router)
	b.handleVersion(b.router)
	b.handleHealth(b.router)
	b.handleReload(b.router)
	b.handleStatistics(b.router)
	b.handleIndex(b.router)
	b.handleResources(b.router)

	return b, nil
}

// MustNew is like New but panics on error
func MustNew(ctx context.Context, bb *Builder) *Backend {
	b, err := New(ctx, bb)
	if err != nil {
		panic(err)
	}
	return b
}

// Catalog returns the model catalog of this backend
func (b *Backend) Catalog() *dmodel.Catalog {
	return b.catalog
}

// loadCatalog builds a fresh snapshot from the schema source and publishes
// it. Readers of the previous snapshot are not disturbed; requests started
// before the swap finish on the snapshot they started with.
func (b *Backend) loadCatalog(ctx context.Context) (*dmodel.Snapshot, error) {
	rlog := logger.FromContext(ctx)

	docs, err := b.source.ListDatasetDocuments(ctx)
	if err != nil {
		catalogReloadsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	var datasets []*dschema.Dataset
	for _, doc := range docs {
		if err := b.validator.ValidateDataset(doc); err != nil {
			rlog.WithError(err).Warnln("dataset document rejected by meta schema")
			continue
		}
		ds, err := dschema.LoadDataset(doc)
		if err != nil {
			rlog.WithError(err).Warnln("dataset document rejected")
			continue
		}
		datasets = append(datasets, ds)
	}

	snapshot := dmodel.BuildSnapshot(ctx, datasets)
	b.catalog.Swap(snapshot)
	catalogReloadsTotal.WithLabelValues("ok").Inc()
	rlog.Infof("catalog now serves %d datasets", len(snapshot.Datasets()))
	return snapshot, nil
}

// authorization returns the authorization of the request, or nil. When
// authorization is disabled it returns an all-powerful authorization, so
// visibility checks further down open up.
func (b *Backend) authorization(r *http.Request) *access.Authorization {
	if !b.authorizationEnabled {
		return &access.Authorization{Scopes: []string{access.ScopeAdmin}, Identity: "anonymous"}
	}
	return access.AuthorizationFromContext(r.Context())
}

// model looks up the addressed model in the current snapshot. The boolean
// reports whether the route addresses a known table at all; an invisible
// table is reported as known, callers decide between 403 and 404.
func (b *Backend) model(snapshot *dmodel.Snapshot, r *http.Request) (*dmodel.ModelDescriptor, bool) {
	params := mux.Vars(r)
	if major := params["major"]; major != "" {
		n, _ := strconv.Atoi(major)
		return snapshot.ModelVersion(params["dataset"], n, params["table"])
	}
	return snapshot.Model(params["dataset"], params["table"])
}

// handleResources adds the generic list and detail routes. The routes are
// registered once; the handlers look up the addressed table in the current
// snapshot on every request, so catalog reloads apply without re-routing.
func (b *Backend) handleResources(router *mux.Router) {
	rlog := logger.Default()
	rlog.Debugln("  handle route: /{dataset}/{table}/ GET")
	rlog.Debugln("  handle route: /{dataset}/{table}/{id}/ GET")

	router.HandleFunc("/{dataset}/v{major:[0-9]+}/{table}/", b.collectionWithAuth).
		Methods(http.MethodOptions, http.MethodGet)
	router.HandleFunc("/{dataset}/v{major:[0-9]+}/{table}/{id}/", b.itemWithAuth).
		Methods(http.MethodOptions, http.MethodGet)
	router.HandleFunc("/{dataset}/{table}/", b.collectionWithAuth).
		Methods(http.MethodOptions, http.MethodGet)
	router.HandleFunc("/{dataset}/{table}/{id}/", b.itemWithAuth).
		Methods(http.MethodOptions, http.MethodGet)
}

