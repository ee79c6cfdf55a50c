package ports

import "github.com/quietfield/mtrec/internal/domain"

// SampleQueue buffers samples between the pollers and the archive pump.
// Samples are already durable in the partition store by the time they are
// enqueued, so a dropped entry never loses recorded data.
type SampleQueue interface {
	Enqueue(s *domain.Sample) bool
	DequeueBatch(max int) []*domain.Sample
	Len() int
}
