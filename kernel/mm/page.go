// Package mm declares the shared physical/virtual page abstractions and the
// frame allocator hook that connects the paging layer and the page-fault
// handler to the physical memory manager.
package mm

import (
	"math"

	"ferros/kernel"
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when they fail to
	// reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint32)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns a pointer to the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns a Frame that corresponds to the given physical
// address. This function can handle both page-aligned and not aligned
// addresses. In the latter case, the input address will be rounded down to
// the frame that contains it.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(PageSize - 1)) >> PageShift)
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns a pointer to the virtual memory address pointed to by this Page.
func (p Page) Address() uintptr {
	return uintptr(p << PageShift)
}

// PageFromAddress returns a Page that corresponds to the given virtual
// address. This function can handle both page-aligned and not aligned virtual
// addresses. In the latter case, the input address will be rounded down to
// the page that contains it.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(PageSize - 1)) >> PageShift)
}

var (
	// frameAllocator points to a frame allocator function registered
	// using SetFrameAllocator.
	frameAllocator FrameAllocatorFn

	// frameReclaimer points to a frame release function registered using
	// SetFrameReclaimer.
	frameReclaimer FrameReclaimerFn

	errNoFrameAllocator = &kernel.Error{Module: "mm", Message: "no frame allocator registered"}
)

// FrameAllocatorFn is a function that can allocate physical frames.
type FrameAllocatorFn func() (Frame, *kernel.Error)

// FrameReclaimerFn is a function that releases a previously allocated frame
// back to the physical allocator.
type FrameReclaimerFn func(Frame) *kernel.Error

// SetFrameAllocator registers a frame allocator function that will be used by
// the vmm code when new physical frames need to be allocated.
func SetFrameAllocator(allocFn FrameAllocatorFn) { frameAllocator = allocFn }

// SetFrameReclaimer registers a function that the vmm code uses to return
// frames to the physical allocator when pages are unmapped.
func SetFrameReclaimer(reclaimFn FrameReclaimerFn) { frameReclaimer = reclaimFn }

// AllocFrame allocates a new physical frame using the currently registered
// frame allocator.
func AllocFrame() (Frame, *kernel.Error) {
	if frameAllocator == nil {
		return InvalidFrame, errNoFrameAllocator
	}
	return frameAllocator()
}

// ReclaimFrame returns a frame to the currently registered frame reclaimer.
// Unmapping pages during early boot, before an allocator is registered, is
// a no-op.
func ReclaimFrame(frame Frame) *kernel.Error {
	if frameReclaimer == nil {
		return nil
	}
	return frameReclaimer(frame)
}
