// Package kmain hosts the kernel state object and the boot sequence that
// brings up the memory management subsystems in dependency order.
package kmain

import (
	"io"

	"ferros/device"
	"ferros/device/serial"
	"ferros/kernel"
	"ferros/kernel/irq"
	"ferros/kernel/kfmt"
	"ferros/kernel/mm"
	"ferros/kernel/mm/heap"
	"ferros/kernel/mm/pmm"
	"ferros/kernel/mm/vmm"
	"ferros/multiboot"
)

// pagingReserveBytes is the size of the physical block handed to the paging
// layer: one page for the directory followed by the 1024 page tables.
const pagingReserveBytes = uintptr(1025) << mm.PageShift

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

	// The following functions are used by tests to interpose on the
	// steps that touch privileged CPU state.
	activatePDTFn = (*vmm.PageDirectoryTable).Activate
	enableIrqFn   = irq.Enable
	probeFns      = serial.HWProbes
)

// Kernel owns the memory management state: the physical frame allocator, the
// page directory and the two heap arenas. All subsystem singletons the
// kernel runs with live in this object; the only package-level registrations
// performed by Init are the mm frame allocator hooks that connect the paging
// layer back to the frame allocator.
type Kernel struct {
	frameAllocator pmm.BitmapAllocator
	pdt            vmm.PageDirectoryTable

	kernelHeap  heap.Allocator
	virtualHeap heap.Allocator

	// activeDrivers tracks the successfully initialized device drivers.
	activeDrivers []device.Driver
}

// Init brings up the memory subsystems: parse the boot loader's memory map,
// initialize the frame allocator, build the page directory, install the page
// fault handlers, switch on paging, attach the heap arenas and finally probe
// the device drivers and unmask interrupts.
//
// kernelStart and kernelEnd delimit the kernel image in physical memory;
// pagingPhys locates the block reserved by the boot layer for the paging
// structures.
func (k *Kernel) Init(multibootInfoPtr, kernelStart, kernelEnd, pagingPhys uintptr) *kernel.Error {
	multiboot.SetInfoPtr(multibootInfoPtr)

	if loaderName := multiboot.GetBootLoaderName(); loaderName != "" {
		kfmt.Printf("[kmain] loaded by %s\n", loaderName)
	}

	k.frameAllocator.ProcessMemoryMap()
	err := k.frameAllocator.Init(kernelStart, kernelEnd, pmm.MemoryRegion{
		Start: uint64(pagingPhys),
		Size:  uint64(pagingReserveBytes),
	})
	if err != nil {
		return err
	}

	mm.SetFrameAllocator(k.frameAllocator.AllocFrame)
	mm.SetFrameReclaimer(k.frameAllocator.DeallocFrame)

	if err = k.pdt.Init(pagingPhys, pagingPhys+uintptr(mm.PageSize)); err != nil {
		return err
	}
	k.pdt.InstallFaultHandlers()
	activatePDTFn(&k.pdt)

	if err = k.kernelHeap.Init("kmalloc", heap.KernelHeapBase, heap.KernelHeapSize, &k.pdt); err != nil {
		return err
	}
	if err = k.virtualHeap.Init("vmalloc", heap.VirtualHeapBase, heap.VirtualHeapSize, &k.pdt); err != nil {
		return err
	}

	k.detectHardware()
	enableIrqFn()

	kfmt.Printf("[kmain] memory subsystem ready\n")
	return nil
}

// Kmalloc reserves size bytes on the kernel heap and returns their virtual
// address.
func (k *Kernel) Kmalloc(size uintptr) (uintptr, *kernel.Error) {
	return k.kernelHeap.Alloc(size)
}

// Kfree releases a block previously returned by Kmalloc. Corrupted or
// already free blocks indicate a kernel bug and are fatal.
func (k *Kernel) Kfree(ptr uintptr) {
	if err := k.kernelHeap.Free(ptr); err != nil {
		kfmt.Panic(err)
	}
}

// Ksize returns the usable size of a block previously returned by Kmalloc.
func (k *Kernel) Ksize(ptr uintptr) uintptr {
	size, err := k.kernelHeap.BlockSize(ptr)
	if err != nil {
		kfmt.Panic(err)
	}

	return size
}

// Vmalloc reserves size bytes on the virtual heap and returns their virtual
// address.
func (k *Kernel) Vmalloc(size uintptr) (uintptr, *kernel.Error) {
	return k.virtualHeap.Alloc(size)
}

// Vfree releases a block previously returned by Vmalloc. Corrupted or
// already free blocks indicate a kernel bug and are fatal.
func (k *Kernel) Vfree(ptr uintptr) {
	if err := k.virtualHeap.Free(ptr); err != nil {
		kfmt.Panic(err)
	}
}

// Translate returns the physical address backing a virtual address.
func (k *Kernel) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	return k.pdt.Translate(virtAddr)
}

// detectHardware probes for supported devices and initializes their
// drivers. The first initialized driver that implements io.Writer becomes
// the kfmt output sink, which also drains any buffered early boot output.
func (k *Kernel) detectHardware() {
	for _, probe := range probeFns() {
		drv := probe()
		if drv == nil {
			continue
		}

		major, minor, patch := drv.DriverVersion()
		if err := drv.DriverInit(kfmt.GetOutputSink()); err != nil {
			kfmt.Printf("[kmain] %s(%d.%d.%d) init failed: %s\n", drv.DriverName(), major, minor, patch, err.Message)
			continue
		}

		if w, isWriter := drv.(io.Writer); isWriter && kfmt.GetOutputSink() == nil {
			kfmt.SetOutputSink(w)
		}

		kfmt.Printf("[kmain] %s(%d.%d.%d) initialized\n", drv.DriverName(), major, minor, patch)
		k.activeDrivers = append(k.activeDrivers, drv)
	}
}

// Kmain is the only Go symbol that is visible (exported) to the rt0
// initialization code, which invokes it after setting up a minimal stack.
// The rt0 code passes the address of the multiboot info payload provided by
// the boot loader, the physical bounds of the kernel image and the physical
// address of the block reserved for the paging structures.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the
// CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd, pagingPhys uintptr) {
	var k Kernel
	if err := k.Init(multibootInfoPtr, kernelStart, kernelEnd, pagingPhys); err != nil {
		kfmt.Panic(err)
	}

	kfmt.Panic(errKmainReturned)
}
