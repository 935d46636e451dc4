// Package pmm implements a physical frame allocator that tracks frame
// reservations with a bitmap covering the memory regions reported by the
// boot loader.
package pmm

import (
	"io"

	"ferros/kernel"
	"ferros/kernel/kfmt"
	"ferros/kernel/mm"
	"ferros/kernel/sync"
	"ferros/multiboot"
)

const (
	// maxRegions caps the number of usable memory regions the allocator
	// records. Region descriptors live in a fixed array so that region
	// bookkeeping never needs the heap the allocator itself bootstraps.
	maxRegions = 10

	fullWord       = uint32(0xffffffff)
	pageSizeMinus1 = uint64(mm.PageSize - 1)
)

var (
	// ErrOutOfMemory is returned by AllocFrame when all managed frames
	// are reserved.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	// ErrFrameNotManaged is returned by DeallocFrame for frames that do
	// not belong to any usable memory region.
	ErrFrameNotManaged = &kernel.Error{Module: "pmm", Message: "frame not part of a managed memory region"}

	errNoUsableMemory = &kernel.Error{Module: "pmm", Message: "no usable memory regions reported by the boot loader"}

	// visitMemRegionsFn is used by tests to mock calls to the multiboot
	// package.
	visitMemRegionsFn = multiboot.VisitMemRegions
)

// MemoryRegion describes a contiguous physical memory region.
type MemoryRegion struct {
	Start uint64
	Size  uint64
}

type markAs bool

const (
	markFree     markAs = true
	markReserved markAs = false
)

// BitmapAllocator implements a first-fit physical frame allocator. Each bit
// in the bitmap corresponds to a 4kb frame; a set bit indicates that the
// frame is reserved.
type BitmapAllocator struct {
	lock sync.Spinlock

	// regions tracks the usable memory regions reported by the boot
	// loader. DeallocFrame only accepts frames that fall inside one of
	// these regions.
	regions     [maxRegions]MemoryRegion
	regionCount int

	// totalMemory is the address one past the end of the highest
	// reported region, usable or not.
	totalMemory uint64

	bitmap     []uint32
	usedBlocks uint32
	maxBlocks  uint32
}

// ProcessMemoryMap scans the memory region information provided by the boot
// loader, records the usable regions and prints out the system's memory map.
// It must be invoked exactly once, before Init.
func (alloc *BitmapAllocator) ProcessMemoryMap() {
	kfmt.Printf("[pmm] system memory map:\n")

	visitMemRegionsFn(func(region *multiboot.MemoryMapEntry) bool {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if regionEnd := region.PhysAddress + region.Length; regionEnd > alloc.totalMemory {
			alloc.totalMemory = regionEnd
		}

		if region.Type != multiboot.MemAvailable || alloc.regionCount == maxRegions {
			return true
		}

		alloc.regions[alloc.regionCount] = MemoryRegion{Start: region.PhysAddress, Size: region.Length}
		alloc.regionCount++
		return true
	})

	kfmt.Printf("[pmm] tracking %d usable regions, %d kb total\n", uint64(alloc.regionCount), alloc.totalMemory>>10)
}

// Init carves the frame bitmap out of the memory that follows the kernel
// image and populates it in two passes: every frame starts out reserved, the
// usable regions recorded by ProcessMemoryMap are then freed and finally the
// kernel image, the bitmap itself and any caller-supplied regions (page
// tables, boot structures) are reserved again.
func (alloc *BitmapAllocator) Init(kernelStart, kernelEnd uintptr, reserved ...MemoryRegion) *kernel.Error {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	// The bitmap uses 32-bit words; round the frame count down so the
	// last word is fully populated.
	alloc.maxBlocks = uint32(alloc.totalMemory>>mm.PageShift) &^ 31
	if alloc.regionCount == 0 || alloc.maxBlocks == 0 {
		return errNoUsableMemory
	}

	alloc.bitmap = make([]uint32, alloc.maxBlocks>>5)
	for wordIndex := range alloc.bitmap {
		alloc.bitmap[wordIndex] = fullWord
	}
	alloc.usedBlocks = alloc.maxBlocks

	for regionIndex := 0; regionIndex < alloc.regionCount; regionIndex++ {
		alloc.markRegion(alloc.regions[regionIndex].Start, alloc.regions[regionIndex].Size, markFree)
	}

	// The kernel image and the frames backing the bitmap must never be
	// handed out.
	bitmapBytes := uint64(len(alloc.bitmap)) << 2
	alloc.markRegion(uint64(kernelStart), uint64(kernelEnd-kernelStart), markReserved)
	alloc.markRegion(uint64(kernelEnd), bitmapBytes, markReserved)

	for _, region := range reserved {
		alloc.markRegion(region.Start, region.Size, markReserved)
	}

	kfmt.Printf("[pmm] bitmap covers %d frames (%d reserved)\n", uint64(alloc.maxBlocks), uint64(alloc.usedBlocks))
	return nil
}

// markRegion flags all frames covered by the region as free or reserved.
// Region bounds may not be page-aligned; freed regions shrink to the frames
// they fully contain while reserved regions grow to every frame they touch.
func (alloc *BitmapAllocator) markRegion(start, length uint64, flag markAs) {
	var startFrame, endFrame uint64
	if flag == markFree {
		startFrame = ((start + pageSizeMinus1) &^ pageSizeMinus1) >> mm.PageShift
		endFrame = ((start + length) &^ pageSizeMinus1) >> mm.PageShift
	} else {
		startFrame = (start &^ pageSizeMinus1) >> mm.PageShift
		endFrame = ((start + length + pageSizeMinus1) &^ pageSizeMinus1) >> mm.PageShift
	}

	for frame := startFrame; frame < endFrame && frame < uint64(alloc.maxBlocks); frame++ {
		if flag == markFree {
			alloc.clearBit(uint32(frame))
		} else {
			alloc.setBit(uint32(frame))
		}
	}
}

// setBit reserves a frame. Reserving an already reserved frame leaves the
// used block counter untouched so that it always matches the bitmap
// population count.
func (alloc *BitmapAllocator) setBit(frame uint32) {
	wordIndex, mask := frame>>5, uint32(1)<<(frame&31)
	if alloc.bitmap[wordIndex]&mask == 0 {
		alloc.bitmap[wordIndex] |= mask
		alloc.usedBlocks++
	}
}

// clearBit releases a frame; releasing a free frame is a no-op.
func (alloc *BitmapAllocator) clearBit(frame uint32) {
	wordIndex, mask := frame>>5, uint32(1)<<(frame&31)
	if alloc.bitmap[wordIndex]&mask != 0 {
		alloc.bitmap[wordIndex] &^= mask
		alloc.usedBlocks--
	}
}

// AllocFrame reserves and returns the first free frame tracked by the
// bitmap. It returns ErrOutOfMemory when all managed frames are reserved.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	if alloc.usedBlocks >= alloc.maxBlocks {
		return mm.InvalidFrame, ErrOutOfMemory
	}

	for wordIndex, word := range alloc.bitmap {
		if word == fullWord {
			continue
		}

		for bit := uint32(0); bit < 32; bit++ {
			mask := uint32(1) << bit
			if word&mask != 0 {
				continue
			}

			alloc.bitmap[wordIndex] |= mask
			alloc.usedBlocks++
			return mm.Frame(uint32(wordIndex)<<5 + bit), nil
		}
	}

	return mm.InvalidFrame, ErrOutOfMemory
}

// DeallocFrame releases a previously allocated frame. Frames outside the
// usable memory regions recorded by ProcessMemoryMap cannot be released;
// releasing an already free frame is a no-op.
func (alloc *BitmapAllocator) DeallocFrame(frame mm.Frame) *kernel.Error {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	if uint32(frame) >= alloc.maxBlocks || !alloc.managed(uint64(frame.Address())) {
		return ErrFrameNotManaged
	}

	alloc.clearBit(uint32(frame))
	return nil
}

// managed returns true if addr falls inside one of the usable memory regions
// recorded by ProcessMemoryMap.
func (alloc *BitmapAllocator) managed(addr uint64) bool {
	for regionIndex := 0; regionIndex < alloc.regionCount; regionIndex++ {
		region := &alloc.regions[regionIndex]
		if addr >= region.Start && addr < region.Start+region.Size {
			return true
		}
	}

	return false
}

// TotalMemory returns the address one past the end of the highest memory
// region reported by the boot loader.
func (alloc *BitmapAllocator) TotalMemory() uint64 {
	return alloc.totalMemory
}

// DumpBitmap writes the frame bitmap to w, one character per frame, '1' for
// reserved frames and '0' for free ones.
func (alloc *BitmapAllocator) DumpBitmap(w io.Writer) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	var buf [32]byte
	for _, word := range alloc.bitmap {
		for bit := 0; bit < 32; bit++ {
			if word&(uint32(1)<<bit) != 0 {
				buf[bit] = '1'
			} else {
				buf[bit] = '0'
			}
		}
		w.Write(buf[:])
	}
}
