package regops

// V9 implements RegOps for the v9 hardware generation (spec §4.1, §6).
// v9 reuses the v1/v2 context-assignment logic verbatim (the original
// driver wires ops_v9.init directly to the v2 initializer) but has its
// own control-register layout and its own, much larger, debug/TLB
// register surface.
type V9 struct{}

var _ RegOps = V9{}

// Init does not read VERSION: by the time a V9 RegOps is selected the
// version is already known, matching __initialize_v2 being wired in as
// ops_v9.init in the original driver rather than a version re-check.
func (V9) Init(w Window, st *State) error {
	if st.Version == 0 {
		st.Version = Version9
	}
	return initContextCfg(w, st)
}

func (V9) SetControlRegs(w Window, st *State) {
	w.Store32(RegV9CtrlErrRespTPerVidSet, AllVidsBitmap)
	w.Store32(RegInterruptEnablePerVidSet, AllVidsBitmap)
	w.Store32(RegCtrl0, 0)
	w.Store32(RegV9CtrlProtEnPerVidSet, AllVidsBitmap)
	w.Store32(RegV9CfgMptwAttribute, 0)
}

func (V9) HostMMIORegAccessMask(off uint64, isWrite bool) uint32 {
	switch off {
	case RegCtrl0:
		return maskFor(isWrite, V9Ctrl0Mask, 0)
	case RegV9CtrlErrRespTPerVidSet:
		return maskFor(isWrite, AllVidsBitmap, 0)
	case RegV9CtrlProtEnPerVidSet:
		return maskFor(isWrite, AllVidsBitmap, 0)
	case RegV9ReadStlb:
		return maskFor(isWrite, 0, V9ReadStlbMaskTypeA|V9ReadStlbMaskTypeB)
	case RegV9ReadStlbTPN:
		return maskFor(isWrite, V9ReadStlbTPNMask, 0)
	case RegV9ReadStlbTagPPN:
		return maskFor(isWrite, V9ReadStlbTagPPNMask, 0)
	case RegV9ReadStlbTagOthers:
		return maskFor(isWrite, V9ReadStlbTagOthersMask, 0)
	case RegV9ReadStlbData:
		return maskFor(isWrite, ^uint32(0), 0)
	case RegV9MptcInfo:
		return maskFor(isWrite, V9ReadMptcInfoMask, 0)
	case RegV9ReadMptc:
		return maskFor(isWrite, 0, V9ReadMptcMask)
	case RegV9ReadMptcTagPPN:
		return maskFor(isWrite, V9ReadMptcTagPPNMask, 0)
	case RegV9ReadMptcTagOthers:
		return maskFor(isWrite, V9ReadMptcTagOthersMask, 0)
	case RegV9ReadMptcData:
		return maskFor(isWrite, ^uint32(0), 0)
	case RegV9PmmuInfo:
		return maskFor(isWrite, V9ReadPmmuInfoMask, 0)
	case RegV9ReadPtlb:
		return maskFor(isWrite, 0, V9ReadPtlbMask)
	case RegV9ReadPtlbTag:
		return maskFor(isWrite, V9ReadPtlbTagMask, 0)
	case RegV9ReadPtlbDataS1EnPPNAP:
		return maskFor(isWrite, V9ReadPtlbDataS1EnablePPNAPMask, 0)
	case RegV9ReadPtlbDataS1DisApList:
		return maskFor(isWrite, ^uint32(0), 0)
	case RegV9PmmuIndicator:
		return maskFor(isWrite, V9ReadPmmuIndicatorMask, 0)
	case RegV9SwalkerInfo:
		return maskFor(isWrite, V9SwalkerInfoMask, 0)
	}

	if off >= v9PmmuPtlbInfoBase && off < RegV9PmmuPtlbInfo(V9MaxPtlbNum) {
		return maskFor(isWrite, V9ReadPmmuPtlbInfoMask, 0)
	}
	if off >= v9StlbInfoBase && off < RegV9StlbInfo(V9MaxStlbNum) {
		return maskFor(isWrite, V9ReadSltbInfoMask, 0)
	}

	return 0
}
