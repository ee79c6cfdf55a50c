package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quietfield/mtrec/internal/adapters/observability"
	"github.com/quietfield/mtrec/internal/ports"
)

// Status is the whole recorder's status snapshot, keyed by source ID.
type Status struct {
	RunID   string                  `json:"run_id"`
	Sources map[string]SourceStatus `json:"sources"`
}

// Supervisor owns the poller goroutines and the periodic persistence of the
// last-sequence state. One poller per source, no cross-talk.
type Supervisor struct {
	runID   string
	pollers []*Poller
	state   ports.StateStore // nil disables persistence
	queue   ports.SampleQueue
	obs     ports.Observability

	saveInterval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func NewSupervisor(pollers []*Poller, state ports.StateStore, queue ports.SampleQueue, obs ports.Observability) *Supervisor {
	return &Supervisor{
		runID:        uuid.NewString(),
		pollers:      pollers,
		state:        state,
		queue:        queue,
		obs:          obs,
		saveInterval: 5 * time.Second,
	}
}

func (s *Supervisor) RunID() string { return s.runID }

// Start launches every poller plus the housekeeping loop. It is an error to
// start a supervisor twice.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("supervisor already started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	for _, p := range s.pollers {
		s.wg.Add(1)
		go func(p *Poller) {
			defer s.wg.Done()
			p.Run(ctx)
		}(p)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.housekeeping(ctx)
	}()

	s.started = true
	s.obs.LogInfo("supervisor_started",
		ports.Field{Key: "run_id", Value: s.runID},
		ports.Field{Key: "sources", Value: len(s.pollers)})
	return nil
}

// Stop cancels every poller, waits for them to drain, and persists the final
// sequence state so a restart does not misread the first sample as a gap.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	err := s.saveState()
	s.obs.LogInfo("supervisor_stopped", ports.Field{Key: "run_id", Value: s.runID})
	return err
}

// Status reports every source's current state.
func (s *Supervisor) Status() Status {
	st := Status{RunID: s.runID, Sources: make(map[string]SourceStatus, len(s.pollers))}
	for _, p := range s.pollers {
		ss := p.Status()
		st.Sources[ss.SourceID] = ss
	}
	return st
}

func (s *Supervisor) housekeeping(ctx context.Context) {
	ticker := time.NewTicker(s.saveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.saveState(); err != nil {
				s.obs.LogError("state_save_failed", err)
			}
			if s.queue != nil {
				s.obs.SetGauge(observability.MetricArchiveQueueLength, "", float64(s.queue.Len()))
			}
		}
	}
}

func (s *Supervisor) saveState() error {
	if s.state == nil {
		return nil
	}
	last := make(map[string]uint64, len(s.pollers))
	for _, p := range s.pollers {
		if seq, ok := p.lastSequence(); ok {
			last[p.opts.SourceID] = seq
		}
	}
	return s.state.Save(last)
}
