// Package s2mpu is the hypervisor-resident driver for a Stage-2 Memory
// Protection Unit: a hardware block sitting between DMA-capable
// devices and system memory that enforces per-transaction read/write
// permissions on physical addresses, indexed by a device-supplied
// Virtual Identifier. It translates a host-kernel-provided stage-2
// identity mapping into hardware Memory Protection Tables so that a
// compromised host OS cannot use DMA to bypass hypervisor memory
// protections.
//
// Driver exposes the S2MPU vtable the IOMMU framework dispatches to;
// SyncDevice exposes the much smaller SysMMU-Sync vtable for the child
// devices that drain in-flight DMA during an invalidation barrier.
package s2mpu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/s2mpu/internal/devtree"
	"github.com/google/s2mpu/internal/donate"
	"github.com/google/s2mpu/internal/idmap"
	"github.com/google/s2mpu/internal/invalidate"
	"github.com/google/s2mpu/internal/mpt"
	"github.com/google/s2mpu/internal/mpt/swmpt"
	"github.com/google/s2mpu/internal/regio"
	"github.com/google/s2mpu/internal/regops"
	"github.com/google/s2mpu/internal/trap"
)

// Error taxonomy (spec §7).
var (
	// ErrInvalidArgument covers malformed input: bad size, misaligned
	// SMPT, unsupported version at per-device init, bad child ops.
	ErrInvalidArgument = errors.New("s2mpu: invalid argument")

	// ErrNoDevice is returned when the hardware VERSION is not one this
	// driver supports at driver-level init.
	ErrNoDevice = errors.New("s2mpu: unsupported device version")

	// ErrDonationFailed wraps a failure from the memory-donation layer,
	// propagated from init after rolling back any partial donation.
	ErrDonationFailed = errors.New("s2mpu: SMPT page donation failed")

	// ErrAlreadyInitialized is returned by Init on a second call; the
	// driver's global state transitions "uninitialized" -> "initialized"
	// exactly once (spec §9 "Global state").
	ErrAlreadyInitialized = errors.New("s2mpu: already initialized")

	// ErrNotInitialized is returned by any lifecycle operation called
	// before Init has succeeded.
	ErrNotInitialized = errors.New("s2mpu: not initialized")
)

const pageSize = 4096

// mptWireHeaderSize and mptWireRegionSize describe the host-supplied
// Mpt descriptor's byte layout: a 4-byte version, 4 bytes of padding,
// then one 16-byte record per GiB region (an 8-byte SMPT physical
// address, a 4-byte attribute word, 4 bytes of padding). The exact
// encoding is this driver's own convention for the otherwise-opaque
// "host-controlled memory containing an Mpt" spec §6 describes.
const (
	mptWireHeaderSize = 8
	mptWireRegionSize = 16
)

// ExpectedMptSize returns sizeof(Mpt) for a descriptor covering
// nrGigabytes regions — the size init requires data to match exactly.
func ExpectedMptSize(nrGigabytes int) int {
	return mptWireHeaderSize + nrGigabytes*mptWireRegionSize
}

// Config selects the driver's fixed parameters for this platform.
// NrGigabytes is NR_GIGABYTES: the driver never addresses more than
// NrGigabytes * 1GiB of physical memory.
type Config struct {
	NrGigabytes int
	Donor       donate.Donor
	Logger      *slog.Logger
}

// Driver is the S2MPU vtable (spec §6 "IOMMU framework vtable"):
// init, validate, validate_child, resume, suspend,
// host_stage2_idmap_{prepare,apply,complete}, host_dabt_handler,
// data_size. host_mpt, reg_ops and mpt_ops are shared by every device
// this driver manages (spec §9 "Global state"); reg_ops and mpt_ops are
// immutable after Init, and host_mpt is mutated by
// HostStage2IdmapPrepare.
type Driver struct {
	nrGigabytes int
	donor       donate.Donor
	log         *slog.Logger

	mu          sync.Mutex
	initialized bool
	hostMpt     *mpt.Mpt
	regOps      regops.RegOps
	mptOps      mpt.Ops

	devMu    sync.Mutex
	devState map[devtree.Index]*regops.State
}

// NewDriver constructs an uninitialized Driver. Call Init once before
// any other operation.
func NewDriver(cfg Config) *Driver {
	donor := cfg.Donor
	if donor == nil {
		donor = donate.NewPagePool()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Driver{
		nrGigabytes: cfg.NrGigabytes,
		donor:       donor,
		log:         log,
		devState:    make(map[devtree.Index]*regops.State),
	}
}

// SyncDevice is the SysMMU-Sync vtable (spec §4.4): validate only.
type SyncDevice struct{}

// Validate checks a SysMMU-Sync device's window length and parent kind
// (spec §4.4 sysmmu_sync_validate).
func (SyncDevice) Validate(tree *devtree.Tree, idx devtree.Index) error {
	if err := tree.ValidateSysMMUSync(idx, invalidate.SysMMUSyncMMIOSize); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return nil
}

// Init is the one-shot driver-level bring-up (spec §4.4 "init(data,
// size)"): data must be copied before validation to defeat TOCTOU,
// size must equal ExpectedMptSize(NrGigabytes), the version selects
// RegOps, and every region's SMPT buffer is donated to the hypervisor
// with rollback on partial failure.
func (d *Driver) Init(data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.initialized {
		return ErrAlreadyInitialized
	}

	// Copy before validating: data is host-controlled and must not be
	// re-read after the size/alignment checks below (spec §6, §9 TOCTOU).
	local := append([]byte(nil), data...)

	want := ExpectedMptSize(d.nrGigabytes)
	if len(local) != want {
		return fmt.Errorf("%w: size %d, want %d", ErrInvalidArgument, len(local), want)
	}

	version := binary.LittleEndian.Uint32(local[0:4])
	regOps, err := selectRegOps(version)
	if err != nil {
		return err
	}
	mptOps := swmpt.New(d.nrGigabytes)

	// The attribute word that follows each SMPT pointer in the wire
	// format is reserved for future host-specified initial state; init
	// always installs RW regardless, per spec §4.4.
	type region struct {
		pa uint64
	}
	regions := make([]region, d.nrGigabytes)
	for gb := 0; gb < d.nrGigabytes; gb++ {
		off := mptWireHeaderSize + gb*mptWireRegionSize
		regions[gb] = region{
			pa: binary.LittleEndian.Uint64(local[off : off+8]),
		}
	}

	smptSize := mptOps.SmptSize()
	var claimed []uint64
	rollback := func() {
		for _, pa := range claimed {
			if rerr := d.donor.DonateHypToHost(pa, smptSize/pageSize); rerr != nil && d.log != nil {
				d.log.Warn("donation rollback failed", "pa", pa, "err", rerr)
			}
		}
	}

	m := mpt.NewMpt(version, d.nrGigabytes)
	for gb, r := range regions {
		if r.pa%uint64(smptSize) != 0 {
			rollback()
			m.Reset()
			return fmt.Errorf("%w: SMPT buffer for region %d not aligned to %d bytes", ErrInvalidArgument, gb, smptSize)
		}
		if err := d.donor.DonateHostToHyp(r.pa, smptSize/pageSize); err != nil {
			rollback()
			m.Reset()
			return fmt.Errorf("%w: %v", ErrDonationFailed, err)
		}
		claimed = append(claimed, r.pa)
		m.Fmpt[gb] = mpt.Fmpt{Smpt: mpt.SmptHandle(r.pa), Gran1G: true, Prot: mpt.ProtRW}
	}

	d.hostMpt = m
	d.regOps = regOps
	d.mptOps = mptOps
	d.initialized = true
	return nil
}

func selectRegOps(version uint32) (regops.RegOps, error) {
	switch version & regops.VersionCheckMask {
	case regops.Version1, regops.Version2:
		return regops.V1V2{}, nil
	case regops.Version9:
		return regops.V9{}, nil
	default:
		return nil, fmt.Errorf("%w: version %#x", ErrNoDevice, version)
	}
}

// Validate checks an S2MPU device's window length (spec §4.4).
func (d *Driver) Validate(tree *devtree.Tree, idx devtree.Index) error {
	d.mu.Lock()
	version, maxGigabytes := d.versionLocked(), d.nrGigabytes
	d.mu.Unlock()

	if err := tree.Validate(idx, regops.MMIOSize(version, maxGigabytes)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return nil
}

// ValidateChild checks that child is a SysMMU-Sync device before dev
// accepts it as a child (spec §4.4 validate_child).
func (d *Driver) ValidateChild(tree *devtree.Tree, parent, child devtree.Index) error {
	if err := tree.ValidateChild(parent, child); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return nil
}

func (d *Driver) versionLocked() uint32 {
	if d.hostMpt == nil {
		return 0
	}
	return d.hostMpt.Version
}

// stateFor returns the per-device cached version/context-assignment
// data (spec §3 Device.data), creating it on first use.
func (d *Driver) stateFor(idx devtree.Index) *regops.State {
	d.devMu.Lock()
	defer d.devMu.Unlock()
	st, ok := d.devState[idx]
	if !ok {
		st = &regops.State{}
		d.devState[idx] = st
	}
	return st
}

// initialize runs the shared reg_ops.init -> push -> invalidate_all ->
// set_control_regs sequence both Resume and Suspend are defined in
// terms of (spec §4.4 resume/suspend, §5 ordering rule (b): "MPT
// encoding before set_control_regs"). A per-device reg_ops.init failure
// is returned wrapped in ErrInvalidArgument.
func (d *Driver) initialize(dev regio.Window, children []regio.Window, st *regops.State, push func() error) error {
	if err := d.regOps.Init(dev, st); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if err := push(); err != nil {
		return err
	}
	waitStatus := st.Version&regops.VersionCheckMask == regops.Version2 || st.Version&regops.VersionCheckMask == regops.Version9
	invalidate.InvalidateAll(dev, children, waitStatus, d.log)
	d.regOps.SetControlRegs(dev, st)
	return nil
}

// Resume is initialize_with_mpt(dev, host_mpt): forces the host to
// observe the shared MPT before any DMA can pass (spec §4.4 resume).
func (d *Driver) Resume(idx devtree.Index, dev regio.Window, children []regio.Window) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return ErrNotInitialized
	}
	st := d.stateFor(idx)
	return d.initialize(dev, children, st, func() error {
		return d.mptOps.InitWithMpt(dev, d.hostMpt)
	})
}

// Suspend is initialize_with_prot(dev, NONE): re-blocks the device
// before the host powers it down, so a lying host still sees a safe
// default (spec §4.4 suspend).
func (d *Driver) Suspend(idx devtree.Index, dev regio.Window, children []regio.Window) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return ErrNotInitialized
	}
	st := d.stateFor(idx)
	return d.initialize(dev, children, st, func() error {
		return d.mptOps.InitWithProt(dev, mpt.ProtNone)
	})
}

// HostStage2IdmapPrepare mutates only the shared in-memory host_mpt
// for [start, end) (spec §4.3 "Prepare"). The returned Range must be
// passed unchanged to Apply and Complete for the same update.
func (d *Driver) HostStage2IdmapPrepare(start, end uint64, prot mpt.Prot) (idmap.Range, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return idmap.Range{}, ErrNotInitialized
	}
	r := idmap.ToValidRange(start, end, d.nrGigabytes)
	if err := idmap.Prepare(d.mptOps, d.hostMpt, r, prot); err != nil {
		return idmap.Range{}, err
	}
	return r, nil
}

// HostStage2IdmapApply pushes r's already-prepared delta to one device
// and kicks (but does not wait for) invalidation (spec §4.3 "Apply").
func (d *Driver) HostStage2IdmapApply(dev regio.Window, children []regio.Window, r idmap.Range) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return ErrNotInitialized
	}
	return idmap.Apply(dev, children, d.mptOps, d.hostMpt, r)
}

// HostStage2IdmapComplete blocks until the device observes the new MPT
// for all new transactions (spec §4.3 "Complete").
func (d *Driver) HostStage2IdmapComplete(idx devtree.Index, dev regio.Window, children []regio.Window, r idmap.Range) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return ErrNotInitialized
	}
	st := d.stateFor(idx)
	waitStatus := st.Version&regops.VersionCheckMask == regops.Version2 || st.Version&regops.VersionCheckMask == regops.Version9
	idmap.Complete(dev, children, r, waitStatus, d.log)
	return nil
}

// HostDabtHandler applies the masked load/store trap sequence for one
// host access to dev's MMIO window (spec §4.5).
func (d *Driver) HostDabtHandler(dev regio.Window, off uint64, esr trap.ESR, regs *[31]uint64) bool {
	d.mu.Lock()
	regOps := d.regOps
	maxGigabytes := d.nrGigabytes
	initialized := d.initialized
	d.mu.Unlock()
	if !initialized {
		return false
	}

	h := trap.Handler{RegOps: regOps, MaxGigabytes: maxGigabytes}
	return h.Handle(dev, off, esr, regs)
}

// DataSize returns sizeof(Mpt) for this driver's configured
// NrGigabytes — the size the host must supply to Init (spec §6
// "data_size").
func (d *Driver) DataSize() int {
	return ExpectedMptSize(d.nrGigabytes)
}
