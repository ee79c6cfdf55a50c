// Package tracker classifies sequence-counter discontinuities. The same
// arithmetic runs live inside the poller and offline inside the analyzer.
package tracker

// GapReport is the classification of one observed sequence number relative
// to the previous one. Size is the number of sequence numbers missing in the
// exclusive interval (From, To); Reset marks a non-monotonic observation
// (endpoint restart or reordering), which is never counted as loss.
type GapReport struct {
	From  uint64
	To    uint64
	Size  uint64
	Reset bool
}

// Tracker holds the per-source sequence state. One instance per source;
// never shared across sources or goroutines.
type Tracker struct {
	seen     bool
	last     uint64
	missing  uint64
	observed uint64
}

func New() *Tracker { return &Tracker{} }

// Restore seeds the tracker with a sequence persisted by a previous run, so
// the first post-restart observation is classified against it instead of
// being treated as the start of a fresh stream.
func Restore(last uint64) *Tracker {
	return &Tracker{seen: true, last: last}
}

// Observe classifies one sequence number. Call exactly once per received
// sample, in arrival order.
func (t *Tracker) Observe(seq uint64) GapReport {
	t.observed++

	if !t.seen {
		t.seen = true
		t.last = seq
		return GapReport{}
	}

	rep := GapReport{}
	switch {
	case seq == t.last+1:
		// contiguous
	case seq > t.last:
		rep = GapReport{From: t.last, To: seq, Size: seq - t.last - 1}
		t.missing += rep.Size
	default:
		rep = GapReport{From: t.last, To: seq, Reset: true}
	}
	t.last = seq
	return rep
}

// Missing is the accumulated count of sequence numbers lost to gaps.
func (t *Tracker) Missing() uint64 { return t.missing }

// Observed is the number of Observe calls made.
func (t *Tracker) Observed() uint64 { return t.observed }

// Last returns the most recent sequence and whether one has been seen.
func (t *Tracker) Last() (uint64, bool) { return t.last, t.seen }
