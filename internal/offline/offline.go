// Package offline provides the durable store of last resort: one record
// per source id, overwritten on each successful fetch, surviving process
// restarts. Writes are best-effort — callers log failures and continue.
package offline

import "github.com/kmorton/fieldsync/internal/source"

// Store is the durable record store behind the pipeline. Implementations
// must be safe for concurrent use; multiple source fetches read and write
// within one cycle.
type Store interface {
	// Get returns the record for sourceID, reporting absence separately
	// from storage errors.
	Get(sourceID string) (source.Record, bool, error)

	// Put upserts rec keyed by its SourceID.
	Put(rec source.Record) error

	// Close releases the underlying storage.
	Close() error
}
