package swmpt

import (
	"testing"

	"github.com/google/s2mpu/internal/mpt"
	"github.com/google/s2mpu/internal/regio"
	"github.com/google/s2mpu/internal/regops"
)

func newMpt(nrGigabytes int) *mpt.Mpt {
	m := mpt.NewMpt(regops.Version2, nrGigabytes)
	for gb := range m.Fmpt {
		m.Fmpt[gb] = mpt.Fmpt{Smpt: mpt.SmptHandle(0x1000 + gb*SmptSizeBytes), Gran1G: true, Prot: mpt.ProtRW}
	}
	return m
}

func windowFor(maxGigabytes int) *regio.SimWindow {
	return regio.NewSimWindow(regops.L1EntryRegionEnd(maxGigabytes) + 0x100)
}

func TestInitWithProtSetsUniformBlockAll(t *testing.T) {
	ops := New(2)
	w := windowFor(2)
	if err := ops.InitWithProt(w, mpt.ProtNone); err != nil {
		t.Fatalf("InitWithProt: %v", err)
	}
	for vid := 0; vid < regops.NrVids; vid++ {
		attr := w.Load32(regops.L1EntryAttr(vid, 0, 2))
		if attr&0x3 != uint32(mpt.ProtNone) {
			t.Fatalf("vid %d gb 0 attr = %#x, want prot bits NONE", vid, attr)
		}
	}
}

func TestInitWithMptWritesEveryRegion(t *testing.T) {
	ops := New(2)
	m := newMpt(2)
	w := windowFor(2)
	if err := ops.InitWithMpt(w, m); err != nil {
		t.Fatalf("InitWithMpt: %v", err)
	}
	for gb := 0; gb < 2; gb++ {
		for vid := 0; vid < regops.NrVids; vid++ {
			attr := w.Load32(regops.L1EntryAttr(vid, gb, 2))
			if attr&uint32(mpt.ProtRW) != uint32(mpt.ProtRW) {
				t.Fatalf("vid %d gb %d attr = %#x, want RW bits set", vid, gb, attr)
			}
		}
	}
}

func TestPrepareRangeFullGiBStaysUniform(t *testing.T) {
	ops := New(2)
	m := newMpt(2)

	if err := ops.PrepareRange(m, 0, (1<<30)-1, mpt.ProtR); err != nil {
		t.Fatalf("PrepareRange: %v", err)
	}
	if !m.Fmpt[0].Gran1G || m.Fmpt[0].Prot != mpt.ProtR {
		t.Fatalf("region 0 = %+v, want gran_1g R", m.Fmpt[0])
	}
}

func TestPrepareRangePartialGiBExpandsToGranules(t *testing.T) {
	ops := New(1)
	m := newMpt(1)

	first := uint64(0x1000)
	last := first + SmptGran - 1
	if err := ops.PrepareRange(m, first, last, mpt.ProtR); err != nil {
		t.Fatalf("PrepareRange: %v", err)
	}
	if m.Fmpt[0].Gran1G {
		t.Fatal("region 0 still gran_1g after partial-range prepare")
	}
	if got := ops.GranuleProt(m, first); got != mpt.ProtR {
		t.Fatalf("GranuleProt(first) = %v, want R", got)
	}
	// Granules outside the prepared range keep the region's prior
	// uniform permission (RW, from newMpt).
	if got := ops.GranuleProt(m, first+SmptGran); got != mpt.ProtRW {
		t.Fatalf("GranuleProt(first+gran) = %v, want RW (untouched)", got)
	}
}

func TestPrepareRangeIdempotent(t *testing.T) {
	ops := New(1)
	m := newMpt(1)
	first, last := uint64(0x1000), uint64(0x1000+SmptGran-1)

	if err := ops.PrepareRange(m, first, last, mpt.ProtR); err != nil {
		t.Fatalf("first PrepareRange: %v", err)
	}
	after1 := ops.GranuleProt(m, first)

	if err := ops.PrepareRange(m, first, last, mpt.ProtR); err != nil {
		t.Fatalf("second PrepareRange: %v", err)
	}
	after2 := ops.GranuleProt(m, first)

	if after1 != after2 {
		t.Fatalf("PrepareRange not idempotent: %v then %v", after1, after2)
	}
}

func TestPrepareRangeRoundTrip(t *testing.T) {
	ops := New(1)
	m := newMpt(1)
	s, e := uint64(0), uint64((1<<30)-1)

	if err := ops.PrepareRange(m, s, e, mpt.ProtRW); err != nil {
		t.Fatalf("PrepareRange RW: %v", err)
	}
	if err := ops.PrepareRange(m, s, e, mpt.ProtNone); err != nil {
		t.Fatalf("PrepareRange NONE: %v", err)
	}
	if m.Fmpt[0].Prot != mpt.ProtNone {
		t.Fatalf("region 0 prot = %v, want NONE after round trip", m.Fmpt[0].Prot)
	}
}

func TestApplyRangeOutOfBounds(t *testing.T) {
	ops := New(2)
	m := newMpt(2)
	w := windowFor(2)
	if err := ops.ApplyRange(w, m, 1, 2); err == nil {
		t.Fatal("expected error for GiB range exceeding MPT bounds")
	}
}
