package pipeline

import (
	"context"
	"time"

	"github.com/quietfield/mtrec/internal/adapters/observability"
	"github.com/quietfield/mtrec/internal/ports"
)

const archiveRetrySleep = time.Second

// RunArchivePump drains the archive queue into the sink in batches. Failed
// batches are retried in place so mirrored samples are never silently lost;
// on shutdown it makes one best-effort pass over whatever remains queued.
func RunArchivePump(ctx context.Context, queue ports.SampleQueue, sink ports.Sink, policy ports.ArchivePolicy, obs ports.Observability) {
	idle := policy.IdleSleep
	if idle <= 0 {
		idle = 5 * time.Millisecond
	}
	batchSize := policy.MaxBatchSize
	if batchSize <= 0 {
		batchSize = 256
	}

	for {
		if ctx.Err() != nil {
			drain(queue, sink, batchSize, obs)
			return
		}

		batch := queue.DequeueBatch(batchSize)
		if len(batch) == 0 {
			sleepCtx(ctx, idle)
			continue
		}

		for {
			start := time.Now()
			err := sink.WriteBatch(batch)
			if err == nil {
				obs.ObserveLatency(observability.MetricArchiveLatency, time.Since(start).Seconds())
				obs.IncCounter(observability.MetricArchiveWritten, "", float64(len(batch)))
				break
			}
			obs.LogError("archive_write_failed", err,
				ports.Field{Key: "sink", Value: sink.Name()},
				ports.Field{Key: "batch", Value: len(batch)})
			if !sleepCtx(ctx, archiveRetrySleep) {
				// shutting down; one last attempt, then flush the queue
				if werr := sink.WriteBatch(batch); werr == nil {
					obs.IncCounter(observability.MetricArchiveWritten, "", float64(len(batch)))
					drain(queue, sink, batchSize, obs)
				}
				return
			}
		}
	}
}

// drain writes out anything still queued, one attempt per batch.
func drain(queue ports.SampleQueue, sink ports.Sink, batchSize int, obs ports.Observability) {
	for {
		batch := queue.DequeueBatch(batchSize)
		if len(batch) == 0 {
			return
		}
		if err := sink.WriteBatch(batch); err != nil {
			obs.LogError("archive_drain_failed", err,
				ports.Field{Key: "sink", Value: sink.Name()},
				ports.Field{Key: "dropped", Value: len(batch)})
			return
		}
		obs.IncCounter(observability.MetricArchiveWritten, "", float64(len(batch)))
	}
}
