/*Package schemastore loads dataset documents from a configurable source.

A source only returns raw JSON documents. Parsing and validation happen
in core/dschema and core/metaschema when the catalog is built, so a bad
document in one dataset never prevents listing the others.
*/
package schemastore

import "context"

// Source lists the dataset documents a server should serve.
type Source interface {
	ListDatasetDocuments(ctx context.Context) ([][]byte, error)
}
