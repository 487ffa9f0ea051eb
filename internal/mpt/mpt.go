// Package mpt defines the S2MPU's permission data model (spec §3): the
// 2-bit Prot set, the per-GiB Fmpt entry, and the Mpt that is the
// hypervisor's single process-wide view of host-DMA-accessible memory.
//
// The actual encoding of an Mpt into hardware Memory Protection Table
// entries is delegated to the Ops interface — an external collaborator
// per spec §1, consumed here but not implemented by this package. See
// internal/mpt/swmpt for the reference software implementation used by
// tests and the default driver wiring.
package mpt

import "fmt"

// Prot is the 2-bit {R, W} permission set. NONE is the default-deny
// value: hardware configured with NONE blocks every DMA transaction.
type Prot uint8

const (
	ProtNone Prot = 0
	ProtR    Prot = 1 << 0
	ProtW    Prot = 1 << 1
	ProtRW   Prot = ProtR | ProtW
)

func (p Prot) String() string {
	switch p {
	case ProtNone:
		return "NONE"
	case ProtR:
		return "R"
	case ProtW:
		return "W"
	case ProtRW:
		return "RW"
	default:
		return fmt.Sprintf("Prot(%#x)", uint8(p))
	}
}

// FromStage2 projects a host-supplied stage-2 protection value down to
// the read/write bits the S2MPU understands (spec §3: "Derived from a
// host-supplied stage-2 protection value by projecting read and write
// bits only"). Bit 0 is read, bit 1 is write; any other bits in raw are
// ignored, matching KVM_PGTABLE_PROT_R/W in the original driver.
func FromStage2(raw uint32) Prot {
	var p Prot
	if raw&0x1 != 0 {
		p |= ProtR
	}
	if raw&0x2 != 0 {
		p |= ProtW
	}
	return p
}

// Fmpt is the fine-grained per-1GiB MPT entry (spec §3).
type Fmpt struct {
	// Smpt is the hypervisor-owned handle to the page-aligned Small MPT
	// buffer encoding sub-GiB permissions. It is only meaningful to the
	// Ops implementation; this package treats it as opaque.
	Smpt SmptHandle

	// Gran1G is true when the entire 1GiB region has uniform Prot and
	// Smpt is unused by hardware.
	Gran1G bool

	// Prot is the uniform permission when Gran1G is true.
	Prot Prot
}

// SmptHandle identifies an owned Small MPT buffer. It is opaque to this
// package: Ops implementations interpret it (e.g. as a physical address
// or a regio.Window), and internal/donate tracks its ownership lifetime.
type SmptHandle uint64

// Mpt is the two-level Memory Protection Table covering
// [0, NrGigabytes * 1GiB). There is a single process-wide instance,
// host_mpt, representing the host's view of DMA-accessible memory
// (spec §3 invariant 1/3).
type Mpt struct {
	Version uint32
	Fmpt    []Fmpt
}

// NewMpt allocates a zeroed Mpt for the given region count. All regions
// start at ProtNone (default-deny), matching the zero value required by
// spec §8 invariant 6 ("init failure leaves host_mpt fully zeroed").
func NewMpt(version uint32, nrGigabytes int) *Mpt {
	return &Mpt{Version: version, Fmpt: make([]Fmpt, nrGigabytes)}
}

// Reset zeroes every region of m in place, without reallocating.
func (m *Mpt) Reset() {
	for i := range m.Fmpt {
		m.Fmpt[i] = Fmpt{}
	}
}

// Ops is the external, version-specific physical page-table encoder
// (spec §1/§4.3): MptOps. It lays out L1/L2 MPT entries in MMIO and is
// the only component that understands the hardware encoding of an Mpt.
type Ops interface {
	// InitWithProt sets every region of the device's hardware MPT to a
	// single uniform granule with the given protection, independent of
	// the in-memory Mpt (used by suspend/block-all bring-up).
	InitWithProt(w Window, prot Prot) error

	// InitWithMpt pushes the full in-memory Mpt to the device's hardware
	// MPT (used by resume).
	InitWithMpt(w Window, m *Mpt) error

	// PrepareRange mutates only the in-memory Mpt, for the byte range
	// [first, last] inclusive, to prot. No hardware access.
	PrepareRange(m *Mpt, first, last uint64, prot Prot) error

	// ApplyRange pushes the delta already captured in m for GiB indices
	// [firstGB, lastGB] to the device's hardware MPT.
	ApplyRange(w Window, m *Mpt, firstGB, lastGB int) error

	// SmptSize returns the size in bytes of one region's Small MPT
	// buffer for this hardware version.
	SmptSize() int
}

// Window is the subset of regio.Window that Ops implementations need.
// Defined here (rather than importing regio) to keep mpt free of a
// dependency on the MMIO backing, matching the "small capability
// interface" shape used throughout this repository.
type Window interface {
	Size() uint64
	Load32(off uint64) uint32
	Store32(off uint64, val uint32)
}
