// Package swmpt is the reference software implementation of mpt.Ops
// (spec §1: MptOps is "out of scope, treated as an external
// collaborator"). It gives the driver something concrete to run
// against in tests and in the default wiring, using the same L1ENTRY
// register layout internal/regops defines, and simulating the Small
// MPT pages as in-process buffers keyed by their mpt.SmptHandle rather
// than by walking real host memory.
package swmpt

import (
	"fmt"
	"sync"

	"github.com/google/s2mpu/internal/mpt"
	"github.com/google/s2mpu/internal/regops"
)

const (
	gibShift       = 30
	granShift      = 12 // SMPT_GRAN; shares the RANGE_INVALIDATION PPN granularity.
	SmptGran       = 1 << granShift
	granulesPerGiB = (1 << gibShift) / SmptGran
	bitsPerEntry   = 2
	wordsPerGiB    = granulesPerGiB * bitsPerEntry / 32

	// SmptSizeBytes is the size of one region's Small MPT buffer.
	SmptSizeBytes = wordsPerGiB * 4

	l1AttrGran1G uint32 = 1 << 2
)

// Window is the MMIO surface Ops needs; identical in shape to
// mpt.Window and regio.Window.
type Window = mpt.Window

// Ops implements mpt.Ops for the v1/v2/v9 L1ENTRY layout. A single Ops
// instance is sized for maxGigabytes regions, matching NR_GIGABYTES.
type Ops struct {
	maxGigabytes int

	mu      sync.Mutex
	buffers map[mpt.SmptHandle][]mpt.Prot
}

var _ mpt.Ops = (*Ops)(nil)

func New(maxGigabytes int) *Ops {
	return &Ops{
		maxGigabytes: maxGigabytes,
		buffers:      make(map[mpt.SmptHandle][]mpt.Prot),
	}
}

func (o *Ops) SmptSize() int { return SmptSizeBytes }

// bufferFor returns the granule-prot slice backing handle, allocating
// it on first use. Every Fmpt with a valid Smpt handle gets a backing
// buffer lazily; regions never visited by PrepareRange stay gran_1g.
func (o *Ops) bufferFor(handle mpt.SmptHandle) []mpt.Prot {
	o.mu.Lock()
	defer o.mu.Unlock()
	buf, ok := o.buffers[handle]
	if !ok {
		buf = make([]mpt.Prot, granulesPerGiB)
		o.buffers[handle] = buf
	}
	return buf
}

func (o *Ops) InitWithProt(w Window, prot mpt.Prot) error {
	region := mpt.Fmpt{Gran1G: true, Prot: prot}
	for gb := 0; gb < o.maxGigabytes; gb++ {
		o.writeRegion(w, &region, gb)
	}
	return nil
}

func (o *Ops) InitWithMpt(w Window, m *mpt.Mpt) error {
	if len(m.Fmpt) < o.maxGigabytes {
		return fmt.Errorf("swmpt: mpt has %d regions, want at least %d", len(m.Fmpt), o.maxGigabytes)
	}
	for gb := 0; gb < o.maxGigabytes; gb++ {
		o.writeRegion(w, &m.Fmpt[gb], gb)
	}
	return nil
}

// PrepareRange mutates only the in-memory Mpt (spec §4.3: "Mutates only
// the in-memory host_mpt"). first and last are inclusive byte offsets,
// already canonicalized by the caller (idmap.ToValidRange).
func (o *Ops) PrepareRange(m *mpt.Mpt, first, last uint64, prot mpt.Prot) error {
	firstGB := int(first >> gibShift)
	lastGB := int(last >> gibShift)
	if firstGB < 0 || lastGB >= len(m.Fmpt) || firstGB > lastGB {
		return fmt.Errorf("swmpt: range [%#x,%#x] outside MPT bounds", first, last)
	}

	for gb := firstGB; gb <= lastGB; gb++ {
		regionStart := uint64(gb) << gibShift
		regionEnd := regionStart + (1 << gibShift) - 1

		rangeStart := first
		if regionStart > rangeStart {
			rangeStart = regionStart
		}
		rangeEnd := last
		if regionEnd < rangeEnd {
			rangeEnd = regionEnd
		}

		region := &m.Fmpt[gb]
		if rangeStart == regionStart && rangeEnd == regionEnd {
			region.Gran1G = true
			region.Prot = prot
			continue
		}

		buf := o.bufferFor(region.Smpt)
		if region.Gran1G {
			for i := range buf {
				buf[i] = region.Prot
			}
			region.Gran1G = false
		}
		startGranule := (rangeStart - regionStart) / SmptGran
		endGranule := (rangeEnd - regionStart) / SmptGran
		for g := startGranule; g <= endGranule; g++ {
			buf[g] = prot
		}
	}
	return nil
}

// ApplyRange pushes the GiB regions [firstGB, lastGB] of m to hardware
// (spec §4.3: "Pushes the delta to one device").
func (o *Ops) ApplyRange(w Window, m *mpt.Mpt, firstGB, lastGB int) error {
	if firstGB < 0 || lastGB >= len(m.Fmpt) || firstGB > lastGB {
		return fmt.Errorf("swmpt: invalid GiB range [%d,%d]", firstGB, lastGB)
	}
	for gb := firstGB; gb <= lastGB; gb++ {
		o.writeRegion(w, &m.Fmpt[gb], gb)
	}
	return nil
}

// writeRegion writes region's L1ENTRY registers for every VID, since
// the driver uses a uniform host-wide policy rather than per-context
// permissions (spec §1 Non-goals).
func (o *Ops) writeRegion(w Window, region *mpt.Fmpt, gb int) {
	var attr, l2addr uint32
	if region.Gran1G {
		attr = uint32(region.Prot) | l1AttrGran1G
	} else {
		l2addr = uint32(region.Smpt)
	}
	for vid := 0; vid < regops.NrVids; vid++ {
		w.Store32(regops.L1EntryL2TableAddr(vid, gb, o.maxGigabytes), l2addr)
		w.Store32(regops.L1EntryAttr(vid, gb, o.maxGigabytes), attr)
	}
}

// GranuleProt returns the permission a fully-resolved region reports
// for the granule containing addr, resolving through the simulated
// SMPT buffer when the region is not gran_1g. Exists for tests that
// need to assert sub-GiB state without reaching into Ops internals.
func (o *Ops) GranuleProt(m *mpt.Mpt, addr uint64) mpt.Prot {
	gb := int(addr >> gibShift)
	region := &m.Fmpt[gb]
	if region.Gran1G {
		return region.Prot
	}
	buf := o.bufferFor(region.Smpt)
	granule := (addr - uint64(gb)<<gibShift) / SmptGran
	return buf[granule]
}
