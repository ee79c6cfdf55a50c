package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/quietfield/mtrec/internal/adapters/observability"
	"github.com/quietfield/mtrec/internal/domain"
	"github.com/quietfield/mtrec/internal/ports"
)

// step is one scripted fetch outcome.
type step struct {
	snap *ports.Snapshot
	err  error
}

type scriptedClient struct {
	mu    sync.Mutex
	steps []step
}

func (c *scriptedClient) Fetch(ctx context.Context) (*ports.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.steps) == 0 {
		return nil, errors.New("script exhausted")
	}
	s := c.steps[0]
	c.steps = c.steps[1:]
	return s.snap, s.err
}

func (c *scriptedClient) Close() error { return nil }

type memStore struct {
	mu      sync.Mutex
	samples []*domain.Sample
	fail    error
}

func (s *memStore) Append(sample *domain.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.samples = append(s.samples, sample)
	return nil
}

func (s *memStore) ReadPartition(string, string, func(*domain.Sample) error) error { return nil }
func (s *memStore) Dates(string) ([]string, error)                                 { return nil, nil }
func (s *memStore) Sources() ([]string, error)                                     { return nil, nil }

func (s *memStore) all() []*domain.Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Sample, len(s.samples))
	copy(out, s.samples)
	return out
}

type recordingObs struct {
	mu       sync.Mutex
	counters map[string]float64
	gauges   map[string]float64
}

func newRecordingObs() *recordingObs {
	return &recordingObs{counters: map[string]float64{}, gauges: map[string]float64{}}
}

func (o *recordingObs) LogInfo(string, ...ports.Field)            {}
func (o *recordingObs) LogError(string, error, ...ports.Field)    {}
func (o *recordingObs) LogCritical(string, error, ...ports.Field) {}
func (o *recordingObs) ObserveLatency(string, float64)            {}

func (o *recordingObs) IncCounter(name, source string, v float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.counters[name+"|"+source] += v
}

func (o *recordingObs) SetGauge(name, source string, v float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.gauges[name+"|"+source] = v
}

func (o *recordingObs) counter(name, source string) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counters[name+"|"+source]
}

func snap(seq uint64, fields map[string]domain.Value) *ports.Snapshot {
	return &ports.Snapshot{
		Seq:       seq,
		Timestamp: time.Date(2025, 6, 3, 8, 0, 0, 0, time.UTC),
		Fields:    fields,
	}
}

func newTestPoller(steps []step, store *memStore, obs *recordingObs, opts PollerOptions) *Poller {
	if opts.SourceID == "" {
		opts.SourceID = "vtc-300"
	}
	if opts.Interval == 0 {
		opts.Interval = 10 * time.Millisecond
	}
	return NewPoller(opts, &scriptedClient{steps: steps}, store, nil, obs)
}

func TestPollerFillsConfiguredFieldsWithSentinel(t *testing.T) {
	store := &memStore{}
	obs := newRecordingObs()
	p := newTestPoller([]step{
		{snap: snap(100, map[string]domain.Value{
			"Sspeed": domain.Number(7200),
			"estop":  domain.Text("ARMED"),
		})},
	}, store, obs, PollerOptions{Fields: []string{"Sspeed", "Fact", "execution"}})

	if !p.pollOnce(context.Background()) {
		t.Fatalf("pollOnce reported transport failure")
	}

	got := store.all()
	if len(got) != 1 {
		t.Fatalf("stored %d samples, want 1", len(got))
	}
	s := got[0]
	if s.Seq != 100 || s.SourceID != "vtc-300" {
		t.Fatalf("unexpected sample identity: %+v", s)
	}
	for _, name := range []string{"Fact", "execution"} {
		v, ok := s.Fields[name]
		if !ok || !v.IsUnavailable() {
			t.Fatalf("field %q = %v, want unavailable sentinel", name, v)
		}
	}
	// extra field from the endpoint is kept even though not configured
	if v := s.Fields["estop"]; v.String() != "ARMED" {
		t.Fatalf("estop = %v, want ARMED", v)
	}
	if got := s.Fields["Sspeed"]; !got.Equal(domain.Number(7200)) {
		t.Fatalf("Sspeed = %v", got)
	}
}

func TestPollerFailedFetchPersistsNothing(t *testing.T) {
	store := &memStore{}
	obs := newRecordingObs()
	p := newTestPoller([]step{
		{err: errors.New("connection refused")},
		{err: errors.New("connection refused")},
	}, store, obs, PollerOptions{})

	for i := 0; i < 2; i++ {
		if p.pollOnce(context.Background()) {
			t.Fatalf("pollOnce %d succeeded, want failure", i)
		}
	}
	if n := len(store.all()); n != 0 {
		t.Fatalf("stored %d samples after failed fetches, want 0", n)
	}
	if got := obs.counter(observability.MetricFetchFailures, "vtc-300"); got != 2 {
		t.Fatalf("fetch failure counter = %v, want 2", got)
	}
	if st := p.Status(); st.ConsecutiveFailures != 2 {
		t.Fatalf("ConsecutiveFailures = %d, want 2", st.ConsecutiveFailures)
	}
}

func TestPollerGapAcrossOutage(t *testing.T) {
	store := &memStore{}
	obs := newRecordingObs()
	p := newTestPoller([]step{
		{snap: snap(246, nil)},
		{err: errors.New("timeout")},
		{err: errors.New("timeout")},
		{snap: snap(249, nil)},
	}, store, obs, PollerOptions{})

	ctx := context.Background()
	p.pollOnce(ctx)
	p.pollOnce(ctx)
	p.pollOnce(ctx)
	p.pollOnce(ctx)

	st := p.Status()
	if st.MissingSequences != 2 {
		t.Fatalf("MissingSequences = %d, want 2 (247 and 248)", st.MissingSequences)
	}
	if st.TotalGaps != 1 || st.Resets != 0 {
		t.Fatalf("gaps=%d resets=%d, want 1/0", st.TotalGaps, st.Resets)
	}
	if st.ConsecutiveFailures != 0 {
		t.Fatalf("ConsecutiveFailures = %d after recovery, want 0", st.ConsecutiveFailures)
	}
	if got := obs.counter(observability.MetricSequenceMissing, "vtc-300"); got != 2 {
		t.Fatalf("missing counter = %v, want 2", got)
	}
	if n := len(store.all()); n != 2 {
		t.Fatalf("stored %d samples, want 2", n)
	}
}

func TestPollerSkipsUnchangedSequence(t *testing.T) {
	store := &memStore{}
	obs := newRecordingObs()
	p := newTestPoller([]step{
		{snap: snap(500, nil)},
		{snap: snap(500, nil)},
		{snap: snap(501, nil)},
	}, store, obs, PollerOptions{})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if !p.pollOnce(ctx) {
			t.Fatalf("pollOnce %d failed", i)
		}
	}

	if n := len(store.all()); n != 2 {
		t.Fatalf("stored %d samples, want 2 (duplicate suppressed)", n)
	}
	if got := obs.counter(observability.MetricDuplicatesSkipped, "vtc-300"); got != 1 {
		t.Fatalf("duplicate counter = %v, want 1", got)
	}
	st := p.Status()
	if st.ObservedSamples != 2 || st.MissingSequences != 0 {
		t.Fatalf("observed=%d missing=%d, want 2/0", st.ObservedSamples, st.MissingSequences)
	}
}

func TestPollerResetNotCountedAsLoss(t *testing.T) {
	store := &memStore{}
	obs := newRecordingObs()
	p := newTestPoller([]step{
		{snap: snap(9000, nil)},
		{snap: snap(3, nil)},
	}, store, obs, PollerOptions{})

	ctx := context.Background()
	p.pollOnce(ctx)
	p.pollOnce(ctx)

	st := p.Status()
	if st.Resets != 1 {
		t.Fatalf("Resets = %d, want 1", st.Resets)
	}
	if st.MissingSequences != 0 {
		t.Fatalf("MissingSequences = %d, want 0 on reset", st.MissingSequences)
	}
	if got := obs.counter(observability.MetricSequenceResets, "vtc-300"); got != 1 {
		t.Fatalf("reset counter = %v, want 1", got)
	}
}

func TestPollerRestoredSequenceClassifiesFirstSample(t *testing.T) {
	store := &memStore{}
	obs := newRecordingObs()
	restored := uint64(246)
	p := newTestPoller([]step{
		{snap: snap(250, nil)},
	}, store, obs, PollerOptions{RestoredSeq: &restored})

	p.pollOnce(context.Background())

	st := p.Status()
	if st.MissingSequences != 3 {
		t.Fatalf("MissingSequences = %d, want 3 (247..249)", st.MissingSequences)
	}
	if st.LastSequence != 250 {
		t.Fatalf("LastSequence = %d, want 250", st.LastSequence)
	}
}

func TestPollerStorageErrorDoesNotStopLoop(t *testing.T) {
	store := &memStore{fail: errors.New("disk full")}
	obs := newRecordingObs()
	p := newTestPoller([]step{
		{snap: snap(10, nil)},
		{snap: snap(11, nil)},
	}, store, obs, PollerOptions{})

	ctx := context.Background()
	if !p.pollOnce(ctx) {
		t.Fatalf("storage error must not be treated as transport failure")
	}
	if got := obs.counter(observability.MetricStoreErrors, "vtc-300"); got != 1 {
		t.Fatalf("store error counter = %v, want 1", got)
	}

	store.mu.Lock()
	store.fail = nil
	store.mu.Unlock()
	p.pollOnce(ctx)
	st := p.Status()
	if st.ConsecutiveFailures != 0 {
		t.Fatalf("ConsecutiveFailures = %d after recovery, want 0", st.ConsecutiveFailures)
	}
	if n := len(store.all()); n != 1 {
		t.Fatalf("stored %d samples, want 1", n)
	}
}

func TestBackoffDoublesToCapAndResets(t *testing.T) {
	base := 200 * time.Millisecond
	b := newBackoff(base, 4*base)

	want := []time.Duration{base, 2 * base, 4 * base, 4 * base}
	for i, w := range want {
		if got := b.next(); got != w {
			t.Fatalf("failure %d: delay = %v, want %v", i+1, got, w)
		}
	}

	b.reset()
	if got := b.next(); got != base {
		t.Fatalf("post-success delay = %v, want base %v", got, base)
	}
}

func TestPollerArchiveQueueFullDrops(t *testing.T) {
	store := &memStore{}
	obs := newRecordingObs()
	q := &fullQueue{}
	opts := PollerOptions{
		SourceID: "vtc-300",
		Interval: 10 * time.Millisecond,
		Archive:  ports.ArchivePolicy{OnQueueFull: "drop"},
	}
	p := NewPoller(opts, &scriptedClient{steps: []step{{snap: snap(1, nil)}}}, store, q, obs)

	if !p.pollOnce(context.Background()) {
		t.Fatalf("pollOnce failed")
	}
	// partition append still happened even though the mirror shed the sample
	if n := len(store.all()); n != 1 {
		t.Fatalf("stored %d samples, want 1", n)
	}
	if got := obs.counter(observability.MetricArchiveDropped, "vtc-300"); got != 1 {
		t.Fatalf("dropped counter = %v, want 1", got)
	}
}

type fullQueue struct{}

func (fullQueue) Enqueue(*domain.Sample) bool       { return false }
func (fullQueue) DequeueBatch(int) []*domain.Sample { return nil }
func (fullQueue) Len() int                          { return 0 }
