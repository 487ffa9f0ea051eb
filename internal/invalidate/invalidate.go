// Package invalidate implements the S2MPU's invalidation barrier
// protocol (spec §4.2): all-invalidation and range-invalidation kicks,
// parallel SYNC fan-out to child SysMMU-Sync devices, per-child
// slow-path retry with exponential back-off, and the post-barrier
// device-busy wait on v2/v9.
package invalidate

import (
	"log/slog"

	"github.com/google/s2mpu/internal/regio"
	"github.com/google/s2mpu/internal/regops"
)

// SysMMU-Sync child register file (spec §4.2, §6): a minimal device
// exposing only a SYNC command and a SYNC completion register.
const (
	RegSyncCmd  uint64 = 0x000
	RegSyncComp uint64 = 0x004

	SyncCmdSync      uint32 = 1
	SyncCompComplete uint32 = 1
)

// SysMMUSyncMMIOSize is SYSMMU_SYNC_S2_MMIO_SIZE (spec §6): the SysMMU-Sync
// device window only needs to expose SYNC_CMD and SYNC_COMP.
const SysMMUSyncMMIOSize = 0x8

// Slow-path retry parameters (spec §4.2): the complete phase re-issues
// sync_start and polls SYNC_COMP up to SyncMaxRetries times, with a
// poll budget that starts at SyncTimeout and multiplies by
// SyncTimeoutMultiplier on every retry: 5, 15, 45, 135, 405.
const (
	SyncTimeout           = 5
	SyncTimeoutMultiplier = 3
	SyncMaxRetries        = 5
)

// SyncStart issues SYNC_CMD <- SYNC on one child device.
func SyncStart(child regio.Window) {
	child.Store32(RegSyncCmd, SyncCmdSync)
}

// SyncComplete reports whether a child's SYNC_COMP.COMPLETE bit is set.
func SyncComplete(child regio.Window) bool {
	return child.Load32(RegSyncComp)&SyncCompComplete != 0
}

// BarrierInit is the barrier's init phase (spec §4.2 phase 1): issue
// sync_start on every child. Parallel fan-out in the original driver;
// the hypervisor's single-threaded execution model makes the ordering
// of this loop observationally irrelevant, so it runs sequentially
// here.
func BarrierInit(children []regio.Window) {
	for _, c := range children {
		SyncStart(c)
	}
}

// BarrierComplete is the barrier's complete phase plus the v2/v9
// device-busy wait (spec §4.2 phases 2-3). For each child already
// SYNC_COMP-complete it does nothing; otherwise it enters the
// bounded slow path, and on exhaustion gives up silently for that
// child (spec: "to avoid deadlocking the host; the caller continues").
// If waitStatus is set, it finishes by busy-waiting STATUS on dev
// (unbounded, spec §5: "the hardware is trusted to make progress").
func BarrierComplete(dev regio.Window, children []regio.Window, waitStatus bool, log *slog.Logger) {
	for i, c := range children {
		if SyncComplete(c) {
			continue
		}

		timeout := SyncTimeout
		done := false
		for retry := 0; retry < SyncMaxRetries; retry++ {
			SyncStart(c)
			if regio.WaitUntilMaskSet(c, RegSyncComp, SyncCompComplete, timeout) {
				done = true
				break
			}
			timeout *= SyncTimeoutMultiplier
		}
		if !done && log != nil {
			log.Warn("sync barrier slow path exhausted, giving up silently",
				"child_index", i)
		}
	}

	if waitStatus {
		regio.WaitWhileMaskSet(dev, regops.RegStatus, regops.StatusBusy|regops.StatusOnInvalidating)
	}
}

// InvalidateAll writes ALL_INVALIDATION and runs the full barrier
// (spec §4.2: "invalidate_all(dev) writes ALL_INVALIDATION <-
// INVALIDATE, then issues an invalidation barrier").
func InvalidateAll(dev regio.Window, children []regio.Window, waitStatus bool, log *slog.Logger) {
	dev.Store32(regops.RegAllInvalidation, regops.InvalidationInvalidate)
	BarrierInit(children)
	BarrierComplete(dev, children, waitStatus, log)
}

// InvalidateRangeInit writes the inclusive PPN range and kicks the
// invalidation, then kicks (but does not wait for) SYNC on every child
// (spec §4.2: "writes start PPN, end PPN, then RANGE_INVALIDATION <-
// INVALIDATE, then kicks SYNC on all children without waiting").
func InvalidateRangeInit(dev regio.Window, children []regio.Window, firstByte, lastByte uint64) {
	startPPN := uint32(firstByte >> regops.RangeInvalidationPPNShift)
	endPPN := uint32(lastByte >> regops.RangeInvalidationPPNShift)

	dev.Store32(regops.RegRangeInvalidationStartPPN, startPPN)
	dev.Store32(regops.RegRangeInvalidationEndPPN, endPPN)
	dev.Store32(regops.RegRangeInvalidation, regops.InvalidationInvalidate)
	BarrierInit(children)
}
