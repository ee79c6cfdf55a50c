package ports

import "github.com/quietfield/mtrec/internal/domain"

// Sink consumes batches of samples for secondary persistence. Writes must
// be idempotent: the pump retries failed batches.
type Sink interface {
	WriteBatch(samples []*domain.Sample) error
	Name() string
}
