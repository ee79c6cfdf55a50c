package mtrec

import (
	base "github.com/quietfield/mtrec/pkg/mtrec"
)

// Re-exported errors for convenience.
var ErrChannelSinkClosed = base.ErrChannelSinkClosed

// Type aliases so consumers can import github.com/quietfield/mtrec directly.
type (
	Config         = base.Config
	SourceConfig   = base.SourceConfig
	StorageConfig  = base.StorageConfig
	PollConfig     = base.PollConfig
	ArchiveConfig  = base.ArchiveConfig
	AnalysisConfig = base.AnalysisConfig

	Runtime = base.Runtime
	Option  = base.Option

	Sample   = base.Sample
	Value    = base.Value
	Snapshot = base.Snapshot

	EndpointClient = base.EndpointClient
	SampleStore    = base.SampleStore
	SampleReader   = base.SampleReader
	SampleQueue    = base.SampleQueue
	Sink           = base.Sink
	StateStore     = base.StateStore
	Observability  = base.Observability
	Field          = base.Field

	Status       = base.Status
	SourceStatus = base.SourceStatus

	Analyzer        = base.Analyzer
	AnalyzerOptions = base.AnalyzerOptions
	IntegrityReport = base.IntegrityReport
	Gap             = base.Gap
	DailyRate       = base.DailyRate
	ActivityReport  = base.ActivityReport
	Stop            = base.Stop

	SampleBatchSink = base.SampleBatchSink
)

// Config helpers.
func LoadConfig(path string) (*Config, error) {
	return base.LoadConfig(path)
}

// Runtime and options.
func NewRuntime(cfg *Config, opts ...Option) (*Runtime, error) {
	return base.NewRuntime(cfg, opts...)
}

func WithObservability(obs Observability) Option {
	return base.WithObservability(obs)
}

func WithStore(s SampleStore) Option {
	return base.WithStore(s)
}

func WithStateStore(s StateStore) Option {
	return base.WithStateStore(s)
}

func WithArchiveSink(s Sink) Option {
	return base.WithArchiveSink(s)
}

func WithSampleQueue(q SampleQueue) Option {
	return base.WithSampleQueue(q)
}

func WithEndpointClient(sourceID string, c EndpointClient) Option {
	return base.WithEndpointClient(sourceID, c)
}

// Analysis helpers.
func NewAnalyzer(reader SampleReader, opts AnalyzerOptions) *Analyzer {
	return base.NewAnalyzer(reader, opts)
}

// Sink adapters.
func NewCallbackSink(name string, fn SampleBatchSink) Sink {
	return base.NewCallbackSink(name, fn)
}

func NewChannelSink(name string, buffer int) (Sink, <-chan []*Sample, func()) {
	return base.NewChannelSink(name, buffer)
}
