package fetcher

import (
	"context"

	"github.com/kmorton/fieldsync/internal/source"
)

// Connector is the optional external data path. When registered, the
// fetcher consults it instead of issuing its own HTTP requests; its
// success is treated exactly like a successful network response, and its
// failure like a network failure for every id it was asked to cover.
//
// FetchAll receives the ids the caller needs covered. A bulk
// implementation may fetch its whole catalog and return a superset; ids
// missing from the result are treated as failed.
type Connector interface {
	FetchAll(ctx context.Context, ids []string) (map[string]source.Payload, error)
}

// ConnectorFunc adapts a function to the Connector interface.
type ConnectorFunc func(ctx context.Context, ids []string) (map[string]source.Payload, error)

// FetchAll implements Connector.
func (f ConnectorFunc) FetchAll(ctx context.Context, ids []string) (map[string]source.Payload, error) {
	return f(ctx, ids)
}
