package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/quietfield/mtrec/internal/adapters/observability"
	"github.com/quietfield/mtrec/internal/domain"
	"github.com/quietfield/mtrec/internal/ports"
	"github.com/quietfield/mtrec/internal/tracker"
)

// PollerOptions carries the per-source knobs resolved from configuration.
type PollerOptions struct {
	SourceID   string
	Fields     []string
	Interval   time.Duration
	Timeout    time.Duration
	BackoffCap int // ceiling in multiples of Interval

	Archive ports.ArchivePolicy

	// RestoredSeq seeds the tracker and duplicate suppression from the
	// state persisted by a previous run.
	RestoredSeq *uint64
}

// SourceStatus is one source's liveness and integrity snapshot.
type SourceStatus struct {
	SourceID            string    `json:"source_id"`
	LastSuccess         time.Time `json:"last_success"`
	ConsecutiveFailures uint64    `json:"consecutive_failures"`
	TotalGaps           uint64    `json:"total_gaps"`
	MissingSequences    uint64    `json:"missing_sequences"`
	Resets              uint64    `json:"resets"`
	ObservedSamples     uint64    `json:"observed_samples"`
	LastSequence        uint64    `json:"last_sequence"`
}

// Poller runs one source's fetch loop: fixed cadence, bounded fetch timeout,
// exponential backoff on transport failure, never crossing into any other
// source's state.
type Poller struct {
	opts    PollerOptions
	client  ports.EndpointClient
	store   ports.SampleStore
	queue   ports.SampleQueue // nil when the archive mirror is disabled
	obs     ports.Observability
	tracker *tracker.Tracker
	backoff backoff

	mu      sync.Mutex
	status  SourceStatus
	haveSeq bool
	lastSeq uint64
}

func NewPoller(opts PollerOptions, client ports.EndpointClient, store ports.SampleStore, queue ports.SampleQueue, obs ports.Observability) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = 200 * time.Millisecond
	}
	if opts.Timeout <= 0 {
		opts.Timeout = opts.Interval
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 60
	}

	p := &Poller{
		opts:    opts,
		client:  client,
		store:   store,
		queue:   queue,
		obs:     obs,
		tracker: tracker.New(),
		backoff: newBackoff(opts.Interval, opts.Interval*time.Duration(opts.BackoffCap)),
		status:  SourceStatus{SourceID: opts.SourceID},
	}
	if opts.RestoredSeq != nil {
		p.tracker = tracker.Restore(*opts.RestoredSeq)
		p.haveSeq = true
		p.lastSeq = *opts.RestoredSeq
		p.status.LastSequence = *opts.RestoredSeq
	}
	return p
}

// Run drives the loop until ctx is cancelled. Ticks are scheduled against a
// fixed cadence, not a fixed delay after completion, so slow fetches do not
// accumulate drift.
func (p *Poller) Run(ctx context.Context) {
	next := time.Now()
	for {
		if d := time.Until(next); d > 0 {
			if !sleepCtx(ctx, d) {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}

		if p.pollOnce(ctx) {
			p.backoff.reset()
			next = next.Add(p.opts.Interval)
			if now := time.Now(); now.After(next) {
				// fell behind; rebase instead of bursting to catch up
				next = now
			}
		} else {
			next = time.Now().Add(p.backoff.next())
		}
	}
}

// pollOnce performs one tick: fetch, classify, persist. It returns false
// only for transport failures, which drive the backoff schedule.
func (p *Poller) pollOnce(ctx context.Context) bool {
	fctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	start := time.Now()
	snap, err := p.client.Fetch(fctx)
	cancel()
	p.obs.ObserveLatency(observability.MetricFetchLatency, time.Since(start).Seconds())

	if err != nil {
		if ctx.Err() != nil {
			// shutting down; an aborted in-flight fetch is not a failure
			return false
		}
		p.recordFetchFailure(err)
		return false
	}

	p.mu.Lock()
	duplicate := p.haveSeq && snap.Seq == p.lastSeq
	p.mu.Unlock()
	if duplicate {
		// document unchanged since the last poll: not a new sample
		p.obs.IncCounter(observability.MetricDuplicatesSkipped, p.opts.SourceID, 1)
		p.markHealthy()
		return true
	}

	sample := p.buildSample(snap)
	rep := p.tracker.Observe(snap.Seq)
	if rep.Size > 0 {
		p.obs.IncCounter(observability.MetricSequenceMissing, p.opts.SourceID, float64(rep.Size))
		p.obs.LogInfo("sequence_gap",
			ports.Field{Key: "source", Value: p.opts.SourceID},
			ports.Field{Key: "from", Value: rep.From},
			ports.Field{Key: "to", Value: rep.To},
			ports.Field{Key: "missing", Value: rep.Size})
	}
	if rep.Reset {
		p.obs.IncCounter(observability.MetricSequenceResets, p.opts.SourceID, 1)
		p.obs.LogInfo("sequence_reset",
			ports.Field{Key: "source", Value: p.opts.SourceID},
			ports.Field{Key: "from", Value: rep.From},
			ports.Field{Key: "to", Value: rep.To})
	}

	if err := p.store.Append(sample); err != nil {
		// the tick failed but storage trouble does not back off the endpoint
		p.obs.IncCounter(observability.MetricStoreErrors, p.opts.SourceID, 1)
		p.obs.LogError("store_append_failed", err,
			ports.Field{Key: "source", Value: p.opts.SourceID},
			ports.Field{Key: "seq", Value: snap.Seq})
		p.mu.Lock()
		p.status.ConsecutiveFailures++
		p.noteSequenceLocked(snap.Seq, rep)
		p.mu.Unlock()
		return true
	}

	if p.queue != nil {
		p.enqueueArchive(ctx, sample)
	}

	p.obs.IncCounter(observability.MetricSamplesRecorded, p.opts.SourceID, 1)
	p.obs.SetGauge(observability.MetricLastSequence, p.opts.SourceID, float64(snap.Seq))
	p.obs.SetGauge(observability.MetricConsecutiveFailures, p.opts.SourceID, 0)

	p.mu.Lock()
	p.status.LastSuccess = time.Now()
	p.status.ConsecutiveFailures = 0
	p.noteSequenceLocked(snap.Seq, rep)
	p.mu.Unlock()
	return true
}

func (p *Poller) buildSample(snap *ports.Snapshot) *domain.Sample {
	fields := make(map[string]domain.Value, len(snap.Fields)+len(p.opts.Fields))
	for name, v := range snap.Fields {
		fields[name] = v
	}
	// every configured observation is present, sentinel where absent
	for _, name := range p.opts.Fields {
		if _, ok := fields[name]; !ok {
			fields[name] = domain.Unavailable()
		}
	}
	return &domain.Sample{
		SourceID:  p.opts.SourceID,
		Timestamp: snap.Timestamp,
		Seq:       snap.Seq,
		Fields:    fields,
	}
}

func (p *Poller) enqueueArchive(ctx context.Context, sample *domain.Sample) {
	idle := p.opts.Archive.IdleSleep
	if idle <= 0 {
		idle = 5 * time.Millisecond
	}

	for {
		if p.queue.Enqueue(sample) {
			return
		}
		if p.opts.Archive.OnQueueFull != "block" {
			p.obs.IncCounter(observability.MetricArchiveDropped, p.opts.SourceID, 1)
			return
		}
		if !sleepCtx(ctx, idle) {
			return
		}
	}
}

func (p *Poller) recordFetchFailure(err error) {
	p.mu.Lock()
	p.status.ConsecutiveFailures++
	failures := p.status.ConsecutiveFailures
	p.mu.Unlock()

	p.obs.IncCounter(observability.MetricFetchFailures, p.opts.SourceID, 1)
	p.obs.SetGauge(observability.MetricConsecutiveFailures, p.opts.SourceID, float64(failures))
	p.obs.LogError("fetch_failed", err,
		ports.Field{Key: "source", Value: p.opts.SourceID},
		ports.Field{Key: "consecutive", Value: failures})
}

func (p *Poller) markHealthy() {
	p.mu.Lock()
	p.status.LastSuccess = time.Now()
	p.status.ConsecutiveFailures = 0
	p.mu.Unlock()
	p.obs.SetGauge(observability.MetricConsecutiveFailures, p.opts.SourceID, 0)
}

func (p *Poller) noteSequenceLocked(seq uint64, rep tracker.GapReport) {
	p.haveSeq = true
	p.lastSeq = seq
	p.status.LastSequence = seq
	p.status.MissingSequences = p.tracker.Missing()
	p.status.ObservedSamples = p.tracker.Observed()
	if rep.Size > 0 {
		p.status.TotalGaps++
	}
	if rep.Reset {
		p.status.Resets++
	}
}

// Status returns a copy of the source's current state.
func (p *Poller) Status() SourceStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Poller) lastSequence() (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeq, p.haveSeq
}

// backoff is the transport-failure schedule: starts at one poll interval,
// doubles per failure up to the cap, resets on the first success.
type backoff struct {
	base time.Duration
	cap  time.Duration
	cur  time.Duration
}

func newBackoff(base, cap time.Duration) backoff {
	return backoff{base: base, cap: cap, cur: base}
}

func (b *backoff) next() time.Duration {
	d := b.cur
	b.cur *= 2
	if b.cur > b.cap {
		b.cur = b.cap
	}
	return d
}

func (b *backoff) reset() { b.cur = b.base }

// sleepCtx waits for d unless ctx is cancelled first; it reports whether the
// full wait elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
