package ports

import "github.com/quietfield/mtrec/internal/domain"

// SampleReader is the read side of the partition store. Dates use the
// partition key format YYYY-MM-DD in the store's configured timezone.
type SampleReader interface {
	// ReadPartition replays one source/date partition in append order.
	// A missing partition yields no calls and a nil error.
	ReadPartition(sourceID, date string, fn func(*domain.Sample) error) error
	// Dates lists the partition dates recorded for a source, ascending.
	Dates(sourceID string) ([]string, error)
	// Sources lists every source with at least one partition.
	Sources() ([]string, error)
}

// SampleStore appends samples to date-partitioned durable storage.
// Appends to different source partitions may run concurrently; appends to
// the same partition are serialized by the implementation.
type SampleStore interface {
	SampleReader
	Append(s *domain.Sample) error
}
