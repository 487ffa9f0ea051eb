// Package trap implements the host MMIO trap handler (spec §4.5): ESR
// decode, the per-register access-mask policy shared by every hardware
// version, and the masked load/store that is the only path by which
// the untrusted host may touch a device's MMIO window.
package trap

import (
	"github.com/google/s2mpu/internal/regio"
	"github.com/google/s2mpu/internal/regops"
)

// ESR holds the fields of an ARM64 Data Abort ISS this handler needs,
// decoded once from the raw syndrome value (spec §4.5 step 1).
type ESR struct {
	IsWrite   bool
	WidthBits int // access width in bits: 8, 16, 32, or 64
	SRT       int // destination/source general register index
}

// DecodeESR extracts is_write (WnR, bit 6), access width (SAS, bits
// 23:22), and the register index (SRT, bits 20:16) from a Data Abort
// ISS value.
func DecodeESR(iss uint64) ESR {
	const (
		sasShift = 22
		sasMask  = 0x3
		srtShift = 16
		srtMask  = 0x1f
		wnrBit   = 6
	)

	sas := (iss >> sasShift) & sasMask
	width := 8 << sas // SAS: 0=byte,1=halfword,2=word,3=doubleword

	return ESR{
		IsWrite:   iss&(1<<wnrBit) != 0,
		WidthBits: width,
		SRT:       int((iss >> srtShift) & srtMask),
	}
}

// RegAccessMask is the per-register access-mask capability a
// regops.RegOps satisfies; defined locally so this package depends
// only on the method it needs.
type RegAccessMask interface {
	HostMMIORegAccessMask(off uint64, isWrite bool) uint32
}

// Handler applies the host MMIO mask policy for one S2MPU device
// (spec §4.5 "Mask policy"). maxGigabytes bounds the L1ENTRY read-only
// range this device's register file exposes.
type Handler struct {
	RegOps       RegAccessMask
	MaxGigabytes int
}

// registers common to every hardware version, independent of the
// version-specific RegOps table (spec §4.5: "the host can read control
// registers ... clear interrupts (INTERRUPT_CLEAR) ... inspect fault
// registers").
func commonMask(off uint64, isWrite bool) (uint32, bool) {
	switch off {
	case regops.RegCfg:
		if isWrite {
			return 0, true
		}
		return regops.CfgMask, true
	case regops.RegInterruptClear:
		if isWrite {
			return ^uint32(0), true
		}
		return 0, true
	case regops.RegInfo:
		if isWrite {
			return 0, true
		}
		return regops.InfoNumSetMask, true
	case regops.RegFaultStatus:
		if isWrite {
			return 0, true
		}
		return ^uint32(0), true
	}
	return 0, false
}

// AccessMask computes the bits of the register at off the host may
// access for the given direction (spec §4.5 step 3). A result of 0
// means the access must be rejected.
func (h Handler) AccessMask(off uint64, isWrite bool) uint32 {
	if mask, ok := commonMask(off, isWrite); ok {
		return mask
	}

	l1Start := regops.L1EntryL2TableAddr(0, 0, h.MaxGigabytes)
	if off >= l1Start && off < regops.L1EntryRegionEnd(h.MaxGigabytes) {
		if isWrite {
			return 0
		}
		return ^uint32(0)
	}

	if kind := regops.ClassifyFaultReg(off); kind != regops.FaultRegNone {
		if isWrite {
			return 0
		}
		return ^uint32(0)
	}

	return h.RegOps.HostMMIORegAccessMask(off, isWrite)
}

// Handle applies the full trap sequence (spec §4.5 steps 1-4) for one
// access, reading/writing through regs[rd] as the host context would.
// It reports whether the access was handled; false means "unhandled"
// and no MMIO or register-file access occurred.
func (h Handler) Handle(dev regio.Window, off uint64, esr ESR, regs *[31]uint64) bool {
	if esr.WidthBits != 32 {
		return false
	}
	if off%4 != 0 {
		return false
	}

	mask := h.AccessMask(off, esr.IsWrite)
	if mask == 0 {
		return false
	}
	if esr.SRT < 0 || esr.SRT >= len(regs) {
		return false
	}

	if esr.IsWrite {
		dev.Store32(off, uint32(regs[esr.SRT])&mask)
		return true
	}

	regs[esr.SRT] = uint64(dev.Load32(off) & mask)
	return true
}
