// Package donate models the hypervisor's memory-donation facility
// (spec §1: donate_host_to_hyp / donate_hyp_to_host), out of scope for
// this driver but consumed by init's SMPT page claim/rollback sequence
// (spec §4.4). PagePool is an in-process simulator standing in for the
// real donation hypercall, sufficient to exercise the rollback path.
package donate

import (
	"errors"
	"fmt"
	"sync"
)

// ErrAlreadyDonated is returned when a physical address range is
// donated twice without an intervening return.
var ErrAlreadyDonated = errors.New("donate: range already donated to hyp")

// ErrNotDonated is returned when donate_hyp_to_host is called on a
// range the pool does not believe it owns.
var ErrNotDonated = errors.New("donate: range not owned by hyp")

// Donor is the capability interface init uses to claim and release
// SMPT pages (spec §4.4 init: "donate_host_to_hyp(pa, smpt_size /
// PAGE_SIZE)"; on failure, "roll back by calling donate_hyp_to_host
// for every already-claimed region").
type Donor interface {
	DonateHostToHyp(pa uint64, pages int) error
	DonateHypToHost(pa uint64, pages int) error
}

// PagePool is a process-local Donor simulating the hypervisor's
// donation ledger: it tracks which physical page ranges are currently
// owned by the hyp side, without modeling real memory or page tables.
type PagePool struct {
	mu    sync.Mutex
	owned map[uint64]int // pa -> page count
}

var _ Donor = (*PagePool)(nil)

func NewPagePool() *PagePool {
	return &PagePool{owned: make(map[uint64]int)}
}

func (p *PagePool) DonateHostToHyp(pa uint64, pages int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.owned[pa]; ok {
		return fmt.Errorf("%w: pa=%#x", ErrAlreadyDonated, pa)
	}
	p.owned[pa] = pages
	return nil
}

func (p *PagePool) DonateHypToHost(pa uint64, pages int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	got, ok := p.owned[pa]
	if !ok {
		return fmt.Errorf("%w: pa=%#x", ErrNotDonated, pa)
	}
	if got != pages {
		return fmt.Errorf("donate: pa=%#x donated with %d pages, returned with %d", pa, got, pages)
	}
	delete(p.owned, pa)
	return nil
}

// Owns reports whether pa is currently donated to the hyp side. Tests
// use this to assert rollback fully released every claimed region.
func (p *PagePool) Owns(pa uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.owned[pa]
	return ok
}

// Len returns the number of currently-owned ranges.
func (p *PagePool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.owned)
}

// FailAt wraps a Donor so that DonateHostToHyp fails for one specific
// physical address, simulating the misaligned-SMPT-buffer scenario in
// spec §8 scenario 6 ("the 3rd SMPT buffer is misaligned") at the
// donation boundary so init's rollback path can be exercised without
// depending on alignment-check plumbing.
type FailAt struct {
	Donor
	FailPA uint64
}

func (f FailAt) DonateHostToHyp(pa uint64, pages int) error {
	if pa == f.FailPA {
		return fmt.Errorf("donate: simulated donation failure at pa=%#x", pa)
	}
	return f.Donor.DonateHostToHyp(pa, pages)
}
