package vmm

import (
	"ferros/kernel"
	"ferros/kernel/cpu"
	"ferros/kernel/irq"
	"ferros/kernel/kfmt"
	"ferros/kernel/mm"
)

// Page fault error code bits pushed by the CPU.
const (
	faultPresent   = 1 << 0
	faultWrite     = 1 << 1
	faultUser      = 1 << 2
	faultRsvdBit   = 1 << 3
	faultInstFetch = 1 << 4
)

var (
	// readCR2Fn is used by tests to override calls to cpu.ReadCR2 which
	// would fault if executed in user-mode.
	readCR2Fn = cpu.ReadCR2

	errProtectionFault = &kernel.Error{Module: "vmm", Message: "page protection violation"}
	errFatalFault      = &kernel.Error{Module: "vmm", Message: "unrecoverable page fault"}
)

// InstallFaultHandlers registers this directory's page fault handler with
// the exception dispatcher.
func (pdt *PageDirectoryTable) InstallFaultHandlers() {
	irq.HandleException(irq.PageFaultException, pdt.pageFaultHandler)
}

// pageFaultHandler backs faults on not-present pages with freshly allocated
// frames. Everything else indicates a kernel bug and is fatal: protection
// violations are reported with a register dump while reserved-bit and
// instruction-fetch faults carry no usable context beyond the fault address.
func (pdt *PageDirectoryTable) pageFaultHandler(regs *irq.Registers) {
	faultAddr := readCR2Fn()

	switch {
	case regs.ErrorCode&faultPresent == 0:
		pdt.backFaultingPage(faultAddr)
	case regs.ErrorCode&(faultRsvdBit|faultInstFetch) != 0:
		kfmt.Printf("[vmm] fatal page fault at 0x%x (error code %x)\n", uint64(faultAddr), regs.ErrorCode)
		kfmt.Panic(errFatalFault)
	default:
		kfmt.Printf("[vmm] protection violation at 0x%x (error code %x)\n", uint64(faultAddr), regs.ErrorCode)
		regs.DumpTo(kfmt.GetOutputSink())
		kfmt.Panic(errProtectionFault)
	}
}

// backFaultingPage maps a new writable frame at the page containing
// faultAddr. Allocation failures while servicing a fault leave the faulting
// code with no page to resume into and are fatal.
func (pdt *PageDirectoryTable) backFaultingPage(faultAddr uintptr) {
	frame, err := mm.AllocFrame()
	if err != nil {
		kfmt.Printf("[vmm] unable to back page at 0x%x: %s\n", uint64(faultAddr), err.Error())
		kfmt.Panic(err)
	}

	if err = pdt.Map(mm.PageFromAddress(faultAddr), frame, FlagRW); err != nil {
		kfmt.Panic(err)
	}
}
