/*Package notify distributes catalog events between server instances.

When one instance imports new dataset documents and reloads its catalog,
it publishes a reload event so the other instances follow. The Kafka bus
carries events across processes, the in-process bus serves tests and
single-instance deployments.
*/
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// KindCatalogReload asks subscribers to rebuild their catalog from the
// schema source.
const KindCatalogReload = "catalog-reload"

// Event is a single bus event
type Event struct {
	ID       uuid.UUID `json:"id"`
	Kind     string    `json:"kind"`
	Datasets []string  `json:"datasets,omitempty"`
	At       time.Time `json:"at"`
}

// NewCatalogReload returns a reload event for the given dataset ids. An
// empty list means the entire catalog.
func NewCatalogReload(datasets []string) Event {
	return Event{
		ID:       uuid.New(),
		Kind:     KindCatalogReload,
		Datasets: datasets,
		At:       time.Now().UTC(),
	}
}

// Bus publishes events to and receives events from other instances.
//
// Subscribe registers the handler and returns immediately; handlers
// must not block for long.
type Bus interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, handle func(Event)) error
}
