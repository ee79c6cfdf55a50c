package mtrec

import (
	"errors"
	"fmt"
	"sync"

	"github.com/quietfield/mtrec/internal/app/analysis"
	"github.com/quietfield/mtrec/internal/app/config"
	"github.com/quietfield/mtrec/internal/app/pipeline"
	"github.com/quietfield/mtrec/internal/domain"
	"github.com/quietfield/mtrec/internal/ports"
)

// ErrChannelSinkClosed is returned when a channel sink is written to after
// being closed.
var ErrChannelSinkClosed = errors.New("mtrec: channel sink closed")

// Aliases so embedding callers work entirely in terms of this package.
type (
	Config         = config.Config
	SourceConfig   = config.SourceConfig
	StorageConfig  = config.StorageConfig
	PollConfig     = config.PollConfig
	ArchiveConfig  = config.ArchiveConfig
	AnalysisConfig = config.AnalysisConfig

	Sample   = domain.Sample
	Value    = domain.Value
	Snapshot = ports.Snapshot

	EndpointClient = ports.EndpointClient
	SampleStore    = ports.SampleStore
	SampleReader   = ports.SampleReader
	SampleQueue    = ports.SampleQueue
	Sink           = ports.Sink
	StateStore     = ports.StateStore
	Observability  = ports.Observability
	Field          = ports.Field

	Status       = pipeline.Status
	SourceStatus = pipeline.SourceStatus

	Analyzer        = analysis.Analyzer
	IntegrityReport = analysis.IntegrityReport
	Gap             = analysis.Gap
	DailyRate       = analysis.DailyRate
	ActivityReport  = analysis.ActivityReport
	Stop            = analysis.Stop
)

// LoadConfig reads, defaults, and validates a YAML config file.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// NewAnalyzer builds an analyzer over any sample reader; the zero Options
// use the recorder's defaults.
func NewAnalyzer(reader SampleReader, opts analysis.Options) *Analyzer {
	return analysis.NewAnalyzer(reader, opts)
}

// AnalyzerOptions tunes stop detection; see analysis.Options.
type AnalyzerOptions = analysis.Options

// SampleBatchSink is a function form of Sink for quick integrations.
type SampleBatchSink func(batch []*Sample) error

// NewCallbackSink adapts a SampleBatchSink into a full Sink so callers can
// mirror samples into arbitrary code without defining structs.
func NewCallbackSink(name string, fn SampleBatchSink) Sink {
	if name == "" {
		name = "callback"
	}
	return &callbackSink{name: name, fn: fn}
}

// NewChannelSink exposes batches via a channel; it returns the sink, the
// read-only channel, and a close function to invoke during shutdown.
func NewChannelSink(name string, buffer int) (Sink, <-chan []*Sample, func()) {
	if name == "" {
		name = "channel"
	}
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan []*Sample, buffer)
	s := &channelSink{
		name:   name,
		ch:     ch,
		closed: make(chan struct{}),
	}
	return s, ch, func() { s.close() }
}

type callbackSink struct {
	name string
	fn   SampleBatchSink
}

func (s *callbackSink) WriteBatch(samples []*domain.Sample) error {
	if s.fn == nil {
		return fmt.Errorf("callback sink %q: nil handler", s.name)
	}
	if len(samples) == 0 {
		return nil
	}
	return s.fn(samples)
}

func (s *callbackSink) Name() string { return s.name }

type channelSink struct {
	name   string
	ch     chan []*Sample
	closed chan struct{}
	once   sync.Once
}

func (s *channelSink) WriteBatch(samples []*domain.Sample) error {
	select {
	case <-s.closed:
		return ErrChannelSinkClosed
	default:
	}

	if len(samples) == 0 {
		return nil
	}

	batch := make([]*Sample, len(samples))
	copy(batch, samples)

	select {
	case <-s.closed:
		return ErrChannelSinkClosed
	case s.ch <- batch:
		return nil
	}
}

func (s *channelSink) Name() string { return s.name }

func (s *channelSink) close() {
	s.once.Do(func() {
		close(s.closed)
		close(s.ch)
	})
}
