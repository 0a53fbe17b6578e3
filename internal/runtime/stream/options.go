package stream

import "time"

// Options tune a consumer run.
type Options struct {
	// BatchSize caps the entries returned per stream by one read.
	BatchSize int
	// ConcurrencyLimit caps entries processed at the same time.
	ConcurrencyLimit int
	// BlockTimeout is how long a read waits for new entries.
	BlockTimeout time.Duration
	// ProcessingTimeout is the per-entry watchdog and the idle time after
	// which a pending entry becomes reclaimable.
	ProcessingTimeout time.Duration
	// ReclaimInterval throttles the pending-list scan run after reads.
	ReclaimInterval time.Duration
	// ReadErrorDelay is the pause after a failed read.
	ReadErrorDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.ConcurrencyLimit <= 0 {
		o.ConcurrencyLimit = 5
	}
	if o.BlockTimeout <= 0 {
		o.BlockTimeout = time.Second
	}
	if o.ProcessingTimeout <= 0 {
		o.ProcessingTimeout = 30 * time.Second
	}
	if o.ReclaimInterval <= 0 {
		o.ReclaimInterval = 10 * time.Second
	}
	if o.ReadErrorDelay <= 0 {
		o.ReadErrorDelay = time.Second
	}
	return o
}
