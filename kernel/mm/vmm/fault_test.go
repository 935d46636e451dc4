package vmm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"ferros/kernel"
	"ferros/kernel/cpu"
	"ferros/kernel/irq"
	"ferros/kernel/mm"
)

func TestPageFaultOnNotPresentPage(t *testing.T) {
	defer func() {
		readCR2Fn = cpu.ReadCR2
		mm.SetFrameAllocator(nil)
	}()

	pdt := testPDT(t)

	var (
		faultAddr = uintptr(0x41000010)
		frame     = mm.Frame(42)
	)

	readCR2Fn = func() uintptr { return faultAddr }
	mm.SetFrameAllocator(func() (mm.Frame, *kernel.Error) {
		return frame, nil
	})

	pdt.pageFaultHandler(&irq.Registers{ErrorCode: faultWrite})

	physAddr, err := pdt.Translate(faultAddr)
	if err != nil {
		t.Fatal(err)
	}

	if exp := frame.Address() + (faultAddr & uintptr(mm.PageSize-1)); physAddr != exp {
		t.Fatalf("expected faulting address to be backed by 0x%x; got 0x%x", exp, physAddr)
	}
}

func TestPageFaultWithFailingAllocator(t *testing.T) {
	defer func() {
		readCR2Fn = cpu.ReadCR2
		mm.SetFrameAllocator(nil)
	}()

	pdt := testPDT(t)

	readCR2Fn = func() uintptr { return 0x41000000 }
	mm.SetFrameAllocator(func() (mm.Frame, *kernel.Error) {
		return mm.InvalidFrame, &kernel.Error{Module: "test", Message: "out of memory"}
	})

	require.Panics(t, func() {
		pdt.pageFaultHandler(&irq.Registers{ErrorCode: 0})
	})
}

func TestPageFaultOnProtectionViolation(t *testing.T) {
	defer func() {
		readCR2Fn = cpu.ReadCR2
	}()

	pdt := testPDT(t)
	readCR2Fn = func() uintptr { return mm.KernelPageOffset }

	require.Panics(t, func() {
		pdt.pageFaultHandler(&irq.Registers{ErrorCode: faultPresent | faultWrite})
	})
}

func TestPageFaultOnReservedBitViolation(t *testing.T) {
	defer func() {
		readCR2Fn = cpu.ReadCR2
	}()

	pdt := testPDT(t)
	readCR2Fn = func() uintptr { return mm.KernelPageOffset }

	require.Panics(t, func() {
		pdt.pageFaultHandler(&irq.Registers{ErrorCode: faultPresent | faultRsvdBit})
	})
}

func TestInstallFaultHandlers(t *testing.T) {
	defer func() {
		readCR2Fn = cpu.ReadCR2
		mm.SetFrameAllocator(nil)
	}()

	pdt := testPDT(t)
	pdt.InstallFaultHandlers()

	faultAddr := uintptr(0x42000000)
	readCR2Fn = func() uintptr { return faultAddr }
	mm.SetFrameAllocator(func() (mm.Frame, *kernel.Error) {
		return mm.Frame(7), nil
	})

	// Dispatching the exception must route it to the registered handler
	irq.Dispatch(irq.PageFaultException, &irq.Registers{ErrorCode: 0})

	physAddr, err := pdt.Translate(faultAddr)
	if err != nil {
		t.Fatal(err)
	}

	if exp := mm.Frame(7).Address(); physAddr != exp {
		t.Fatalf("expected faulting address to be backed by 0x%x; got 0x%x", exp, physAddr)
	}
}
