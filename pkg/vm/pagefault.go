package vm

import (
	"github.com/elkvm/elkvm/pkg/guest"
	"github.com/elkvm/elkvm/pkg/kvm"
	"github.com/elkvm/elkvm/pkg/pager"
	"github.com/elkvm/elkvm/pkg/region"
)

// stackGrowthLimit caps how far below the current stack bottom a
// single fault is allowed to extend it; anything past that is treated
// as a genuine segfault rather than a legitimate deeper call stack.
const stackGrowthLimit = guest.PageSize

// handlePageFault consults CR2 and either grows the stack by one page
// or reports a fatal fault, deciding the region split the Pager
// itself has no way to make since it knows nothing about region
// purposes.
func (v *VM) handlePageFault() error {
	cr2, err := v.vcpu.GetControlRegister(kvm.CR2)
	if err != nil {
		return err
	}
	fault := guest.Ptr(cr2)

	if v.stackBottom == 0 || !v.isStackGrowthCandidate(fault) {
		return ErrGuestFatal
	}
	return v.growStack(fault)
}

// isStackGrowthCandidate reports whether fault lies within one page
// below the current stack bottom: the only window treated as a
// legitimate deeper call stack instead of an outright segfault.
func (v *VM) isStackGrowthCandidate(fault guest.Ptr) bool {
	if fault >= v.stackBottom {
		return false
	}
	return v.stackBottom-fault <= stackGrowthLimit
}

func (v *VM) growStack(fault guest.Ptr) error {
	newBase := guest.Ptr(guest.PageBegin(uint64(fault)))

	r, err := v.regions.AllocateRegion(guest.PageSize, region.PurposeStack)
	if err != nil {
		return err
	}
	r.GuestBase = newBase

	if err := v.pager.MapRegion(r.HostBase, newBase, 1, pager.Opts{Write: true}); err != nil {
		return err
	}

	v.stackBottom = newBase
	log.WithField("fault", fault).Debug("vm: grew guest stack by one page")
	return nil
}
