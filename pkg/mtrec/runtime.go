// Package mtrec wires the recorder together: per-source pollers feeding the
// date-partitioned store, the optional archive mirror, the offline analyzer,
// and the HTTP surface. It exposes lifecycle hooks so the recorder can run
// standalone or embedded inside another Go service.
package mtrec

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	_ "github.com/lib/pq"

	"github.com/quietfield/mtrec/internal/adapters/archive"
	"github.com/quietfield/mtrec/internal/adapters/mtconnect"
	"github.com/quietfield/mtrec/internal/adapters/observability"
	"github.com/quietfield/mtrec/internal/adapters/opcua"
	"github.com/quietfield/mtrec/internal/adapters/queue"
	"github.com/quietfield/mtrec/internal/adapters/store"
	"github.com/quietfield/mtrec/internal/api"
	"github.com/quietfield/mtrec/internal/app/analysis"
	"github.com/quietfield/mtrec/internal/app/config"
	"github.com/quietfield/mtrec/internal/app/pipeline"
	"github.com/quietfield/mtrec/internal/ports"
)

// Option customizes the dependencies used by Runtime.
type Option func(*overrides)

type overrides struct {
	obs     ports.Observability
	store   ports.SampleStore
	state   ports.StateStore
	sink    ports.Sink
	queue   ports.SampleQueue
	clients map[string]ports.EndpointClient
}

// WithObservability plugs in a custom metrics/logging backend.
func WithObservability(obs ports.Observability) Option {
	return func(o *overrides) { o.obs = obs }
}

// WithStore injects a custom sample store in place of the partition files.
func WithStore(s ports.SampleStore) Option {
	return func(o *overrides) { o.store = s }
}

// WithStateStore injects a custom persistence backend for the per-source
// last-sequence state.
func WithStateStore(s ports.StateStore) Option {
	return func(o *overrides) { o.state = s }
}

// WithArchiveSink injects a custom archive sink; it also forces the archive
// pump on even when no conn_string is configured.
func WithArchiveSink(s ports.Sink) Option {
	return func(o *overrides) { o.sink = s }
}

// WithSampleQueue injects a custom archive queue implementation.
func WithSampleQueue(q ports.SampleQueue) Option {
	return func(o *overrides) { o.queue = q }
}

// WithEndpointClient overrides the client for one source, keyed by source ID.
// Sources without an override get the protocol adapter from their config.
func WithEndpointClient(sourceID string, c ports.EndpointClient) Option {
	return func(o *overrides) {
		if o.clients == nil {
			o.clients = make(map[string]ports.EndpointClient)
		}
		o.clients[sourceID] = c
	}
}

// Runtime owns every long-lived component of the recorder.
type Runtime struct {
	cfg    *config.Config
	obs    ports.Observability
	store  ports.SampleStore
	owned  *store.FileStore // non-nil when the runtime opened the store itself
	queue  ports.SampleQueue
	sink   ports.Sink
	db     *sql.DB
	sup    *pipeline.Supervisor
	httpSrv *http.Server

	clients []ports.EndpointClient

	pumpCancel context.CancelFunc
	pumpDone   chan struct{}
}

// NewRuntime bootstraps the default adapters: partition file store, JSON
// state file, protocol clients per source, Postgres archive when configured,
// Prometheus observability. Options override any of them.
func NewRuntime(cfg *config.Config, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	var ov overrides
	for _, opt := range opts {
		if opt != nil {
			opt(&ov)
		}
	}

	obs := ov.obs
	if obs == nil {
		obs = observability.NewPromObs()
	}

	rt := &Runtime{cfg: cfg, obs: obs}

	sampleStore := ov.store
	if sampleStore == nil {
		loc, err := cfg.Storage.Location()
		if err != nil {
			return nil, err
		}
		fs, err := store.NewFileStore(cfg.Storage.Dir, loc)
		if err != nil {
			return nil, err
		}
		rt.owned = fs
		sampleStore = fs
	}
	rt.store = sampleStore

	stateStore := ov.state
	if stateStore == nil {
		stateStore = store.NewStateFile(cfg.Storage.StateFile)
	}
	restored, err := stateStore.Load()
	if err != nil {
		// an unreadable state file costs duplicate suppression, not data
		obs.LogError("state_load_failed", err,
			ports.Field{Key: "path", Value: cfg.Storage.StateFile})
		restored = map[string]uint64{}
	}

	if err := rt.setupArchive(&ov); err != nil {
		rt.closePartial()
		return nil, err
	}

	policy := ports.ArchivePolicy{
		MaxQueueLen:  cfg.Archive.MaxQueueLen,
		MaxBatchSize: cfg.Archive.MaxBatchSize,
		IdleSleep:    cfg.Archive.IdleSleep,
		OnQueueFull:  cfg.Archive.OnQueueFull,
	}

	pollers := make([]*pipeline.Poller, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		client, err := rt.clientFor(src, &ov)
		if err != nil {
			rt.closePartial()
			return nil, fmt.Errorf("source %s: %w", src.ID, err)
		}
		rt.clients = append(rt.clients, client)

		popts := pipeline.PollerOptions{
			SourceID:   src.ID,
			Fields:     src.Fields,
			Interval:   src.PollInterval,
			Timeout:    src.Timeout,
			BackoffCap: cfg.Poll.BackoffCap,
			Archive:    policy,
		}
		if seq, ok := restored[src.ID]; ok {
			popts.RestoredSeq = &seq
		}
		pollers = append(pollers, pipeline.NewPoller(popts, client, sampleStore, rt.queue, obs))
	}

	rt.sup = pipeline.NewSupervisor(pollers, stateStore, rt.queue, obs)

	analyzer := analysis.NewAnalyzer(sampleStore, analysis.Options{
		StoppedStates:  cfg.Analysis.StoppedStates,
		ActivityFields: cfg.Analysis.ActivityFields,
		MaxStopGap:     cfg.Analysis.MaxStopGap,
	})
	rt.httpSrv = &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: api.NewServer(rt.Status, analyzer, obs),
	}

	return rt, nil
}

func (r *Runtime) setupArchive(ov *overrides) error {
	if ov.sink == nil && !r.cfg.Archive.Enabled() {
		return nil
	}

	if ov.sink != nil {
		r.sink = ov.sink
	} else {
		db, err := sql.Open("postgres", r.cfg.Archive.ConnString)
		if err != nil {
			return fmt.Errorf("open archive database: %w", err)
		}
		r.db = db
		r.sink = archive.NewPostgresSink(db, r.cfg.Archive.Table)
	}

	r.queue = ov.queue
	if r.queue == nil {
		r.queue = queue.NewMemQueue(r.cfg.Archive.MaxQueueLen)
	}
	return nil
}

func (r *Runtime) clientFor(src config.SourceConfig, ov *overrides) (ports.EndpointClient, error) {
	if c, ok := ov.clients[src.ID]; ok {
		return c, nil
	}
	switch src.Protocol {
	case config.ProtocolMTConnect:
		return mtconnect.NewClient(src.Endpoint, src.Timeout, src.IncludeCondition), nil
	case config.ProtocolOPCUA:
		return opcua.NewClient(src.Endpoint, src.OPCUA)
	default:
		return nil, fmt.Errorf("unknown protocol %q", src.Protocol)
	}
}

// Start launches the pollers, the archive pump, and the HTTP server. It
// returns immediately; call Run to block on a context instead.
func (r *Runtime) Start() error {
	if r == nil {
		return fmt.Errorf("runtime is nil")
	}
	if err := r.sup.Start(); err != nil {
		return err
	}

	if r.queue != nil && r.sink != nil {
		ctx, cancel := context.WithCancel(context.Background())
		r.pumpCancel = cancel
		r.pumpDone = make(chan struct{})
		policy := ports.ArchivePolicy{
			MaxQueueLen:  r.cfg.Archive.MaxQueueLen,
			MaxBatchSize: r.cfg.Archive.MaxBatchSize,
			IdleSleep:    r.cfg.Archive.IdleSleep,
			OnQueueFull:  r.cfg.Archive.OnQueueFull,
		}
		go func() {
			defer close(r.pumpDone)
			pipeline.RunArchivePump(ctx, r.queue, r.sink, policy, r.obs)
		}()
	}

	go func() {
		if err := r.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.obs.LogCritical("http_server_exited", err,
				ports.Field{Key: "addr", Value: r.cfg.HTTP.Addr})
		}
	}()

	r.obs.LogInfo("recorder_started",
		ports.Field{Key: "run_id", Value: r.sup.RunID()},
		ports.Field{Key: "sources", Value: len(r.cfg.Sources)},
		ports.Field{Key: "addr", Value: r.cfg.HTTP.Addr})
	return nil
}

// Run starts the runtime and blocks until ctx is cancelled, then shuts down
// gracefully.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.Shutdown(shutdownCtx)
}

// Shutdown stops the pollers first so the final sequence state is persisted,
// then drains the archive pump and closes every owned resource.
func (r *Runtime) Shutdown(ctx context.Context) error {
	var errs []error

	if r.sup != nil {
		if err := r.sup.Stop(); err != nil {
			errs = append(errs, err)
		}
	}

	if r.pumpCancel != nil {
		r.pumpCancel()
		select {
		case <-r.pumpDone:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("archive pump did not drain: %w", ctx.Err()))
		}
	}

	if r.httpSrv != nil {
		if err := r.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, err)
		}
	}

	for _, c := range r.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	errs = append(errs, r.closeStorage()...)
	return errors.Join(errs...)
}

// Status exposes the live per-source snapshot for embedding callers.
func (r *Runtime) Status() pipeline.Status {
	return r.sup.Status()
}

func (r *Runtime) closeStorage() []error {
	var errs []error
	if r.owned != nil {
		if err := r.owned.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (r *Runtime) closePartial() {
	for _, c := range r.clients {
		_ = c.Close()
	}
	_ = errors.Join(r.closeStorage()...)
}
