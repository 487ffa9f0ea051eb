// Package idmap implements the three-phase identity-map update (spec
// §4.3): prepare mutates the shared in-memory MPT, apply pushes the
// delta to one device and kicks invalidation, and complete blocks
// until that device's invalidation barrier finishes.
package idmap

import (
	"log/slog"

	"github.com/google/s2mpu/internal/invalidate"
	"github.com/google/s2mpu/internal/mpt"
	"github.com/google/s2mpu/internal/mpt/swmpt"
	"github.com/google/s2mpu/internal/regio"
)

const gibShift = 30

// Range is a canonicalized, inclusive-endpoint byte range: [First, Last].
// A Range with First > Last is empty and carries no work.
type Range struct {
	First uint64
	Last  uint64
}

func (r Range) Empty() bool { return r.First > r.Last }

// ToValidRange canonicalizes a caller-supplied [start, end) byte range
// against an MPT sized for nrGigabytes regions (spec §4.3 "Range
// canonicalization"): end is clamped to PA_MAX, start is aligned down
// and end aligned up to SMPT_GRAN, and a start >= end after clamping
// becomes the empty range (no MPT or hardware touch).
func ToValidRange(start, end uint64, nrGigabytes int) Range {
	paMax := uint64(nrGigabytes) << gibShift
	if end > paMax {
		end = paMax
	}

	start = alignDown(start, swmpt.SmptGran)
	end = alignUp(end, swmpt.SmptGran)

	if start >= end {
		return Range{First: 1, Last: 0} // canonical empty range
	}
	return Range{First: start, Last: end - 1}
}

func alignDown(v, gran uint64) uint64 { return v &^ (gran - 1) }

func alignUp(v, gran uint64) uint64 { return alignDown(v+gran-1, gran) }

// Prepare mutates only the in-memory Mpt for r (spec §4.3 "Prepare").
// Safe to call with no device active; idempotent with respect to
// replaying the same (r, prot) pair.
func Prepare(ops mpt.Ops, m *mpt.Mpt, r Range, prot mpt.Prot) error {
	if r.Empty() {
		return nil
	}
	return ops.PrepareRange(m, r.First, r.Last, prot)
}

// Apply pushes r's already-prepared delta to one device's hardware MPT
// and kicks (but does not wait for) invalidation (spec §4.3 "Apply").
func Apply(dev regio.Window, children []regio.Window, ops mpt.Ops, m *mpt.Mpt, r Range) error {
	if r.Empty() {
		return nil
	}
	firstGB := int(r.First >> gibShift)
	lastGB := int(r.Last >> gibShift)
	if err := ops.ApplyRange(dev, m, firstGB, lastGB); err != nil {
		return err
	}
	invalidate.InvalidateRangeInit(dev, children, r.First, r.Last)
	return nil
}

// Complete runs the barrier-complete phase for r, blocking until the
// device observes the new MPT for all new transactions (spec §4.3
// "Complete"). waitStatus selects the v2/v9 post-barrier STATUS wait.
func Complete(dev regio.Window, children []regio.Window, r Range, waitStatus bool, log *slog.Logger) {
	if r.Empty() {
		return
	}
	invalidate.BarrierComplete(dev, children, waitStatus, log)
}
