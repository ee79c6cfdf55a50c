package ports

import "time"

// ArchivePolicy controls the buffering between the pollers and the archive
// sink. OnQueueFull "drop" sheds the sample (the partition file already has
// it); "block" stalls the poller until the pump catches up.
type ArchivePolicy struct {
	MaxQueueLen  int
	MaxBatchSize int
	IdleSleep    time.Duration

	OnQueueFull string // "drop", "block"
}
