package ports

type Observability interface {
	LogInfo(msg string, fields ...Field)
	LogError(msg string, err error, fields ...Field)
	LogCritical(msg string, err error, fields ...Field)

	// IncCounter and SetGauge are keyed by metric name plus the source the
	// event belongs to; pass an empty source for process-wide metrics.
	IncCounter(name, source string, v float64)
	SetGauge(name, source string, v float64)
	ObserveLatency(name string, seconds float64)
}

type Field struct {
	Key   string
	Value any
}
