// Package regops implements the version-dispatched register control
// logic of the S2MPU driver (spec §4.1, §6): the RegOps vtable, chosen
// once per driver lifetime between the v1/v2 and v9 hardware
// generations, plus the register offset/mask constants both
// implementations and the host MMIO trap handler (internal/trap) share.
package regops

// Hardware version values read from the VERSION register (spec §4.1).
const (
	VersionCheckMask uint32 = 0xff
	Version1         uint32 = 1
	Version2         uint32 = 2
	Version9         uint32 = 9
)

// NrVids is the number of Virtual Identifiers the register file has
// slots for; NrCtxIDs is the number of context slots v2/v9 can assign
// VIDs to. Both are platform constants (spec §6).
const (
	NrVids            = 8
	NrCtxIDs          = 8
	AllVidsBitmap     = (uint32(1) << NrVids) - 1
	NumContextMask    = 0xff
	RangeInvalidationPPNShift = 12
)

// Control/status register offsets shared by every version.
const (
	RegVersion                    uint64 = 0x000
	RegNumContext                 uint64 = 0x004
	RegContextCfgValidVid         uint64 = 0x008
	RegCtrl0                      uint64 = 0x010
	RegCtrl1                      uint64 = 0x014
	RegCfg                        uint64 = 0x018
	RegInterruptEnablePerVidSet   uint64 = 0x020
	RegInterruptClear             uint64 = 0x024
	RegInfo                       uint64 = 0x028
	RegFaultStatus                uint64 = 0x02c
	RegAllInvalidation            uint64 = 0x030
	RegRangeInvalidation          uint64 = 0x034
	RegRangeInvalidationStartPPN  uint64 = 0x038
	RegRangeInvalidationEndPPN    uint64 = 0x03c
	RegStatus                     uint64 = 0x040
	RegReadMptc                   uint64 = 0x050
	RegReadMptcTagPPN             uint64 = 0x054
	RegReadMptcTagOthers          uint64 = 0x058
	RegReadMptcData               uint64 = 0x05c
)

// CTRL0 bits (spec §4.1).
const (
	Ctrl0Enable            uint32 = 1 << 0
	Ctrl0InterruptEnable   uint32 = 1 << 1
	Ctrl0FaultRespTypeSlverr uint32 = 0 << 2
	Ctrl0FaultRespTypeDecerr uint32 = 1 << 2
	Ctrl0Mask              uint32 = Ctrl0Enable | Ctrl0InterruptEnable | Ctrl0FaultRespTypeDecerr
	Ctrl1Mask              uint32 = 0xffffffff
	CfgMask                uint32 = 0xffffffff
	InfoNumSetMask         uint32 = 0x0000ffff

	StatusBusy           uint32 = 1 << 0
	StatusOnInvalidating uint32 = 1 << 1

	InvalidationInvalidate uint32 = 1

	ReadMptcMask          uint32 = 0xffffffff
	ReadMptcTagPPNMask    uint32 = 0xffffffff
	ReadMptcTagOthersMask uint32 = 0xffffffff
)

// V9-specific register offsets and masks (spec §6).
const (
	RegV9CtrlErrRespTPerVidSet uint64 = 0x100
	RegV9CtrlProtEnPerVidSet   uint64 = 0x104
	RegV9CfgMptwAttribute      uint64 = 0x108
	RegV9MptcInfo              uint64 = 0x10c
	RegV9ReadMptc              uint64 = 0x110
	RegV9ReadMptcTagPPN        uint64 = 0x114
	RegV9ReadMptcTagOthers     uint64 = 0x118
	RegV9ReadMptcData          uint64 = 0x11c
	RegV9PmmuInfo              uint64 = 0x120
	RegV9ReadPtlb              uint64 = 0x124
	RegV9ReadPtlbTag           uint64 = 0x128
	RegV9ReadPtlbDataS1EnPPNAP uint64 = 0x12c
	RegV9ReadPtlbDataS1DisApList uint64 = 0x130
	RegV9PmmuIndicator         uint64 = 0x134
	RegV9SwalkerInfo           uint64 = 0x138
	RegV9ReadStlb              uint64 = 0x13c
	RegV9ReadStlbTPN           uint64 = 0x140
	RegV9ReadStlbTagPPN        uint64 = 0x144
	RegV9ReadStlbTagOthers     uint64 = 0x148
	RegV9ReadStlbData          uint64 = 0x14c

	v9PmmuPtlbInfoBase uint64 = 0x200
	v9StlbInfoBase     uint64 = 0x280
	V9MaxPtlbNum              = 16
	V9MaxStlbNum              = 16
)

const (
	V9Ctrl0Mask                      uint32 = 0xffffffff
	V9ReadStlbMaskTypeA              uint32 = 0x0000ffff
	V9ReadStlbMaskTypeB              uint32 = 0xffff0000
	V9ReadStlbTPNMask                uint32 = 0xffffffff
	V9ReadStlbTagPPNMask             uint32 = 0xffffffff
	V9ReadStlbTagOthersMask          uint32 = 0xffffffff
	V9ReadMptcInfoMask               uint32 = 0x0000ffff
	V9ReadMptcMask                   uint32 = 0xffffffff
	V9ReadMptcTagPPNMask             uint32 = 0xffffffff
	V9ReadMptcTagOthersMask          uint32 = 0xffffffff
	V9ReadPmmuInfoMask               uint32 = 0x0000ffff
	V9ReadPtlbMask                   uint32 = 0xffffffff
	V9ReadPtlbTagMask                uint32 = 0xffffffff
	V9ReadPtlbDataS1EnablePPNAPMask  uint32 = 0xffffffff
	V9ReadPmmuIndicatorMask          uint32 = 0x0000ffff
	V9SwalkerInfoMask                uint32 = 0x0000ffff
	V9ReadPmmuPtlbInfoMask           uint32 = 0x0000ffff
	V9ReadSltbInfoMask               uint32 = 0x0000ffff
)

// RegV9PmmuPtlbInfo returns the offset of the per-PTLB info register for
// the given index (0 <= idx < V9MaxPtlbNum).
func RegV9PmmuPtlbInfo(idx int) uint64 { return v9PmmuPtlbInfoBase + uint64(idx)*4 }

// RegV9StlbInfo returns the offset of the per-STLB info register for the
// given index (0 <= idx < V9MaxStlbNum).
func RegV9StlbInfo(idx int) uint64 { return v9StlbInfoBase + uint64(idx)*4 }

// L1ENTRY registers occupy one contiguous block indexed by (vid, gb):
// a 4-byte L2TABLE_ADDR register followed by a 4-byte ATTR register for
// every (vid, gb) pair, up to MaxGigabytes regions per VID.
const (
	l1EntryBase   uint64 = 0x400
	l1EntryStride uint64 = 8
)

// L1EntryL2TableAddr returns the offset of the L2 table address register
// for the given VID and GiB region index.
func L1EntryL2TableAddr(vid, gb, maxGigabytes int) uint64 {
	return l1EntryBase + uint64(vid*maxGigabytes+gb)*l1EntryStride
}

// L1EntryAttr returns the offset of the L1 attribute register for the
// given VID and GiB region index.
func L1EntryAttr(vid, gb, maxGigabytes int) uint64 {
	return L1EntryL2TableAddr(vid, gb, maxGigabytes) + 4
}

// L1EntryRegionEnd returns the offset one past the last L1ENTRY register
// for a register file sized for maxGigabytes regions — the exclusive
// upper bound original source computes as
// REG_NS_L1ENTRY_ATTR(NR_VIDS, 0).
func L1EntryRegionEnd(maxGigabytes int) uint64 {
	return L1EntryL2TableAddr(NrVids, 0, maxGigabytes)
}

// Fault registers are indexed by VID: three 4-byte registers
// (PA_LOW, PA_HIGH, INFO) per VID.
const (
	faultBase   uint64 = 0x600
	faultStride uint64 = 12
)

func RegFaultPALow(vid int) uint64  { return faultBase + uint64(vid)*faultStride }
func RegFaultPAHigh(vid int) uint64 { return faultBase + uint64(vid)*faultStride + 4 }
func RegFaultInfo(vid int) uint64   { return faultBase + uint64(vid)*faultStride + 8 }

// MMIOSize returns the device window length for a register file sized
// for maxGigabytes regions on the given hardware version (spec §6:
// "The device window is S2MPU_MMIO_SIZE bytes (version-defined)").
// Callers are expected to keep maxGigabytes small enough that the
// L1ENTRY block does not grow into the fixed fault-register block at
// faultBase; NR_GIGABYTES in the scenarios this driver targets is
// always well under that threshold.
func MMIOSize(version uint32, maxGigabytes int) uint64 {
	size := L1EntryRegionEnd(maxGigabytes)
	if faultEnd := faultBase + faultStride*NrVids; faultEnd > size {
		size = faultEnd
	}
	if version&VersionCheckMask == Version9 {
		if v9End := v9StlbInfoBase + uint64(V9MaxStlbNum)*4; v9End > size {
			size = v9End
		}
	}
	return size
}

// FaultRegKind identifies which of the three per-VID fault registers off
// is, independent of VID, mirroring the original driver's use of
// REG_NS_FAULT_VID_MASK to strip the VID-selecting bits before comparing
// against FAULT_PA_LOW(0)/FAULT_PA_HIGH(0)/FAULT_INFO(0).
type FaultRegKind int

const (
	FaultRegNone FaultRegKind = iota
	FaultRegPALow
	FaultRegPAHigh
	FaultRegInfo
)

func ClassifyFaultReg(off uint64) FaultRegKind {
	if off < faultBase {
		return FaultRegNone
	}
	rel := off - faultBase
	if rel/faultStride >= NrVids {
		return FaultRegNone
	}
	switch rel % faultStride {
	case 0:
		return FaultRegPALow
	case 4:
		return FaultRegPAHigh
	case 8:
		return FaultRegInfo
	default:
		return FaultRegNone
	}
}
