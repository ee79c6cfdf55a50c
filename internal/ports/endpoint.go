package ports

import (
	"context"
	"time"

	"github.com/quietfield/mtrec/internal/domain"
)

// Snapshot is one raw observation document fetched from an endpoint before
// it is shaped into a domain.Sample.
type Snapshot struct {
	Seq       uint64
	Timestamp time.Time
	Fields    map[string]domain.Value
}

// EndpointClient fetches the current observation document from one machine
// endpoint. Implementations own the wire protocol (MTConnect HTTP, OPC UA);
// the deadline on ctx bounds the whole fetch.
type EndpointClient interface {
	Fetch(ctx context.Context) (*Snapshot, error)
	Close() error
}
