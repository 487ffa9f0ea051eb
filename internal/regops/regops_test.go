package regops

import (
	"errors"
	"testing"

	"github.com/google/s2mpu/internal/regio"
)

func TestComputeContextCfgValidVidAssignsAscendingBitOrder(t *testing.T) {
	cfg, err := computeContextCfgValidVid(0b0000_1010, 8)
	if err != nil {
		t.Fatalf("computeContextCfgValidVid: %v", err)
	}
	// vid 1 gets ctx 0, vid 3 gets ctx 1, both valid.
	want := contextCfgEntry(0, 2, 1) | contextCfgEntry(1, 2, 3)
	if cfg != want {
		t.Fatalf("cfg = %#x, want %#x", cfg, want)
	}
}

func TestComputeContextCfgValidVidNoFreeContext(t *testing.T) {
	_, err := computeContextCfgValidVid(AllVidsBitmap, 0)
	if !errors.Is(err, ErrNoFreeContext) {
		t.Fatalf("err = %v, want ErrNoFreeContext", err)
	}
}

func TestComputeContextCfgValidVidFewerContextsThanVids(t *testing.T) {
	cfg, err := computeContextCfgValidVid(AllVidsBitmap, 2)
	if err != nil {
		t.Fatalf("computeContextCfgValidVid: %v", err)
	}
	want := contextCfgEntry(0, 2, 0) | contextCfgEntry(1, 2, 1)
	if cfg != want {
		t.Fatalf("cfg = %#x, want %#x", cfg, want)
	}
}

func TestV1InitDoesNotAssignContext(t *testing.T) {
	w := regio.NewSimWindow(0x700)
	w.Store32(RegVersion, Version1)

	st := &State{}
	if err := (V1V2{}).Init(w, st); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if st.ContextCfgValidVid != 0 {
		t.Fatalf("ContextCfgValidVid = %#x, want 0 for v1", st.ContextCfgValidVid)
	}
}

func TestV2InitAssignsContext(t *testing.T) {
	w := regio.NewSimWindow(0x700)
	w.Store32(RegVersion, Version2)
	w.Store32(RegNumContext, 4)

	st := &State{}
	if err := (V1V2{}).Init(w, st); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if st.ContextCfgValidVid == 0 {
		t.Fatal("ContextCfgValidVid left zero after v2 init")
	}
	if got := w.Load32(RegContextCfgValidVid); got != st.ContextCfgValidVid {
		t.Fatalf("RegContextCfgValidVid = %#x, want %#x", got, st.ContextCfgValidVid)
	}
}

func TestV2InitIsIdempotent(t *testing.T) {
	w := regio.NewSimWindow(0x700)
	w.Store32(RegVersion, Version2)
	w.Store32(RegNumContext, 4)

	st := &State{}
	if err := (V1V2{}).Init(w, st); err != nil {
		t.Fatalf("Init: %v", err)
	}
	first := st.ContextCfgValidVid

	w.Store32(RegNumContext, 1)
	if err := (V1V2{}).Init(w, st); err != nil {
		t.Fatalf("second Init: %v", err)
	}
	if st.ContextCfgValidVid != first {
		t.Fatalf("ContextCfgValidVid changed on idempotent re-Init: %#x -> %#x", first, st.ContextCfgValidVid)
	}
}

func TestInitUnsupportedVersion(t *testing.T) {
	w := regio.NewSimWindow(0x700)
	w.Store32(RegVersion, 0x42)

	st := &State{}
	if err := (V1V2{}).Init(w, st); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("err = %v, want ErrUnsupportedVersion", err)
	}
}

func TestV1SetControlRegsFaultRespSlverr(t *testing.T) {
	w := regio.NewSimWindow(0x700)
	st := &State{Version: Version1}
	(V1V2{}).SetControlRegs(w, st)

	ctrl0 := w.Load32(RegCtrl0)
	if ctrl0&Ctrl0FaultRespTypeDecerr != 0 {
		t.Fatalf("v1 ctrl0 = %#x, want DECERR bit clear", ctrl0)
	}
	if ctrl0&Ctrl0Enable == 0 || ctrl0&Ctrl0InterruptEnable == 0 {
		t.Fatalf("v1 ctrl0 = %#x, want ENABLE and INTERRUPT_ENABLE set", ctrl0)
	}
	if got := w.Load32(RegInterruptEnablePerVidSet); got != AllVidsBitmap {
		t.Fatalf("InterruptEnablePerVidSet = %#x, want %#x", got, AllVidsBitmap)
	}
}

func TestV2SetControlRegsFaultRespDecerr(t *testing.T) {
	w := regio.NewSimWindow(0x700)
	st := &State{Version: Version2}
	(V1V2{}).SetControlRegs(w, st)

	ctrl0 := w.Load32(RegCtrl0)
	if ctrl0&Ctrl0FaultRespTypeDecerr == 0 {
		t.Fatalf("v2 ctrl0 = %#x, want DECERR bit set", ctrl0)
	}
}

func TestV1V2HostMMIORegAccessMask(t *testing.T) {
	ops := V1V2{}
	if mask := ops.HostMMIORegAccessMask(RegCtrl0, false); mask != Ctrl0Mask {
		t.Fatalf("read mask for RegCtrl0 = %#x, want %#x", mask, Ctrl0Mask)
	}
	if mask := ops.HostMMIORegAccessMask(RegCtrl0, true); mask != 0 {
		t.Fatalf("write mask for RegCtrl0 = %#x, want 0", mask)
	}
	if mask := ops.HostMMIORegAccessMask(RegReadMptc, true); mask != ReadMptcMask {
		t.Fatalf("write mask for RegReadMptc = %#x, want %#x", mask, ReadMptcMask)
	}
	if mask := ops.HostMMIORegAccessMask(RegVersion, false); mask != 0 {
		t.Fatalf("read mask for RegVersion = %#x, want 0 (not host-accessible here)", mask)
	}
}

func TestV9InitSkipsVersionReadAndAssignsContext(t *testing.T) {
	w := regio.NewSimWindow(0x300)
	w.Store32(RegNumContext, 4)

	st := &State{}
	if err := (V9{}).Init(w, st); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if st.Version != Version9 {
		t.Fatalf("Version = %d, want %d", st.Version, Version9)
	}
	if st.ContextCfgValidVid == 0 {
		t.Fatal("ContextCfgValidVid left zero after v9 init")
	}
}

func TestV9SetControlRegsOrderAndValues(t *testing.T) {
	w := regio.NewSimWindow(0x300)
	(V9{}).SetControlRegs(w, &State{Version: Version9})

	if got := w.Load32(RegV9CtrlErrRespTPerVidSet); got != AllVidsBitmap {
		t.Fatalf("RegV9CtrlErrRespTPerVidSet = %#x, want %#x", got, AllVidsBitmap)
	}
	if got := w.Load32(RegInterruptEnablePerVidSet); got != AllVidsBitmap {
		t.Fatalf("RegInterruptEnablePerVidSet = %#x, want %#x", got, AllVidsBitmap)
	}
	if got := w.Load32(RegCtrl0); got != 0 {
		t.Fatalf("RegCtrl0 = %#x, want 0", got)
	}
	if got := w.Load32(RegV9CtrlProtEnPerVidSet); got != AllVidsBitmap {
		t.Fatalf("RegV9CtrlProtEnPerVidSet = %#x, want %#x", got, AllVidsBitmap)
	}
	if got := w.Load32(RegV9CfgMptwAttribute); got != 0 {
		t.Fatalf("RegV9CfgMptwAttribute = %#x, want 0", got)
	}
}

func TestV9HostMMIORegAccessMaskRangedPtlbInfo(t *testing.T) {
	ops := V9{}
	off := RegV9PmmuPtlbInfo(3)
	if mask := ops.HostMMIORegAccessMask(off, false); mask != V9ReadPmmuPtlbInfoMask {
		t.Fatalf("mask for PmmuPtlbInfo(3) = %#x, want %#x", mask, V9ReadPmmuPtlbInfoMask)
	}
	if mask := ops.HostMMIORegAccessMask(off, true); mask != 0 {
		t.Fatalf("write mask for PmmuPtlbInfo(3) = %#x, want 0", mask)
	}

	past := RegV9PmmuPtlbInfo(V9MaxPtlbNum)
	if mask := ops.HostMMIORegAccessMask(past, false); mask != 0 {
		t.Fatalf("mask past PmmuPtlbInfo range = %#x, want 0", mask)
	}
}

func TestV9HostMMIORegAccessMaskRangedStlbInfo(t *testing.T) {
	ops := V9{}
	off := RegV9StlbInfo(0)
	if mask := ops.HostMMIORegAccessMask(off, false); mask != V9ReadSltbInfoMask {
		t.Fatalf("mask for StlbInfo(0) = %#x, want %#x", mask, V9ReadSltbInfoMask)
	}
}

func TestV9HostMMIORegAccessMaskUnknownOffset(t *testing.T) {
	if mask := (V9{}).HostMMIORegAccessMask(0xdead, false); mask != 0 {
		t.Fatalf("mask for unknown offset = %#x, want 0", mask)
	}
}
