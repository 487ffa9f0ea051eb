package regops

// V1V2 implements RegOps for the shared v1/v2 hardware generation
// (spec §4.1). v1 and v2 share a register layout; v2 additionally
// requires a context assignment before any L1ENTRY write.
type V1V2 struct{}

var _ RegOps = V1V2{}

func (V1V2) Init(w Window, st *State) error {
	if st.Version == 0 {
		st.Version = w.Load32(RegVersion)
	}

	switch st.Version & VersionCheckMask {
	case Version1:
		return nil
	case Version2:
		return initContextCfg(w, st)
	default:
		return ErrUnsupportedVersion
	}
}

// initContextCfg assigns every VID a context slot and writes
// CONTEXT_CFG_VALID_VID. It must run, and this write must land in MMIO,
// strictly before any L1ENTRY_* register write (spec invariant §3.2).
// Idempotent: a cached non-zero value short-circuits recomputation.
func initContextCfg(w Window, st *State) error {
	if st.ContextCfgValidVid != 0 {
		return nil
	}
	numContext := w.Load32(RegNumContext) & NumContextMask
	cfg, err := computeContextCfgValidVid(AllVidsBitmap, numContext)
	if err != nil {
		return err
	}
	w.Store32(RegContextCfgValidVid, cfg)
	st.ContextCfgValidVid = cfg
	return nil
}

func (v V1V2) SetControlRegs(w Window, st *State) {
	ctrl0 := Ctrl0Enable | Ctrl0InterruptEnable
	if st.Version&VersionCheckMask == Version2 {
		ctrl0 |= Ctrl0FaultRespTypeDecerr
	} else {
		ctrl0 |= Ctrl0FaultRespTypeSlverr
	}

	w.Store32(RegInterruptEnablePerVidSet, AllVidsBitmap)
	w.Store32(RegCfg, 0)
	w.Store32(RegCtrl1, 0)
	w.Store32(RegCtrl0, ctrl0)
}

func (V1V2) HostMMIORegAccessMask(off uint64, isWrite bool) uint32 {
	switch off {
	case RegCtrl0:
		return maskFor(isWrite, Ctrl0Mask, 0)
	case RegCtrl1:
		return maskFor(isWrite, Ctrl1Mask, 0)
	case RegReadMptc:
		return maskFor(isWrite, 0, ReadMptcMask)
	case RegReadMptcTagPPN:
		return maskFor(isWrite, ReadMptcTagPPNMask, 0)
	case RegReadMptcTagOthers:
		return maskFor(isWrite, ReadMptcTagOthersMask, 0)
	case RegReadMptcData:
		return maskFor(isWrite, ^uint32(0), 0)
	default:
		return 0
	}
}
