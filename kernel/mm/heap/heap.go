// Package heap implements the kernel's free-list byte allocators. An
// Allocator manages a fixed reserved window of the virtual address space and
// commits physical frames to it on demand; block metadata lives inside the
// arena itself as headers encoded at fixed offsets in front of each payload.
//
// The kernel runs two instances: the kernel heap for small object
// allocations and the virtual heap for bulkier buffers, over disjoint
// reserved windows.
package heap

import (
	"encoding/binary"
	"io"

	"ferros/kernel"
	"ferros/kernel/kfmt"
	"ferros/kernel/mm"
	"ferros/kernel/mm/vmm"
	"ferros/kernel/sync"
)

const (
	// KernelHeapBase and KernelHeapSize describe the reserved window of
	// the kernel heap, right above the linearly mapped kernel image.
	KernelHeapBase = uintptr(0xC0800000)
	KernelHeapSize = uintptr(16 << 20)

	// VirtualHeapBase and VirtualHeapSize describe the reserved window
	// of the virtual heap.
	VirtualHeapBase = uintptr(0xD0000000)
	VirtualHeapSize = uintptr(64 << 20)

	// headerSize is the number of bytes that precede each payload. The
	// header encodes, at fixed little-endian offsets: the arena offset
	// of the previous block (4 bytes), the offset of the next block (4
	// bytes), the block size including the header (4 bytes), a sentinel
	// (2 bytes), the used flag (1 byte) and one byte of padding.
	headerSize = uintptr(16)

	// minBlockSize is the block size granularity. Every block size is a
	// multiple of it, which also keeps every header aligned to it.
	minBlockSize = uintptr(32)

	// maxAllocationSize caps a single allocation to one page table's
	// worth of pages minus the header.
	maxAllocationSize = uintptr(mm.PageSize)*1024 - headerSize

	prevFieldOffset  = uintptr(0)
	nextFieldOffset  = uintptr(4)
	sizeFieldOffset  = uintptr(8)
	magicFieldOffset = uintptr(12)
	usedFieldOffset  = uintptr(14)

	// headerMagic is the corruption sentinel stamped into every header.
	headerMagic = uint16(0xcafe)

	// nilOffset marks the absence of a predecessor block.
	nilOffset = uint32(0xffffffff)
)

var (
	// ErrOutOfMemory is returned by Alloc when no free block can satisfy
	// the request and the arena cannot grow any further.
	ErrOutOfMemory = &kernel.Error{Module: "heap", Message: "out of memory"}

	// ErrZeroAllocation is returned by Alloc for zero-byte requests.
	ErrZeroAllocation = &kernel.Error{Module: "heap", Message: "attempted to allocate zero bytes"}

	// ErrAllocationTooLarge is returned by Alloc for requests above the
	// per-call ceiling.
	ErrAllocationTooLarge = &kernel.Error{Module: "heap", Message: "allocation size exceeds the per-call limit"}

	// ErrHeapCorrupted is returned for pointers that do not carry a
	// valid block header. Callers treat it as fatal.
	ErrHeapCorrupted = &kernel.Error{Module: "heap", Message: "heap block header corrupted"}

	// ErrDoubleFree is returned when freeing a block that is already
	// free. Callers treat it as fatal.
	ErrDoubleFree = &kernel.Error{Module: "heap", Message: "block is already free"}

	errMisalignedArena = &kernel.Error{Module: "heap", Message: "arena base and size must be page-aligned"}
)

// Allocator is a first-fit free-list allocator over a fixed reserved arena.
// The committed break starts at one page and moves in page steps as
// allocations reach past it; freed tail space is handed back to the physical
// allocator. The zero value is unusable; Init attaches the arena.
type Allocator struct {
	lock sync.Spinlock

	// name prefixes this instance's log output.
	name string

	base  uintptr
	arena []byte

	// brkOffset is the committed break: the number of arena bytes backed
	// by physical frames. Always a multiple of the page size.
	brkOffset uintptr

	pdt *vmm.PageDirectoryTable
}

// Init attaches the allocator to the reserved address window starting at
// base and commits the first page, which hosts the header of the single free
// block that initially spans the entire arena.
func (alloc *Allocator) Init(name string, base, reserveBytes uintptr, pdt *vmm.PageDirectoryTable) *kernel.Error {
	if base&(mm.PageSize-1) != 0 || reserveBytes == 0 || reserveBytes&(mm.PageSize-1) != 0 {
		return errMisalignedArena
	}

	alloc.name = name
	alloc.base = base
	alloc.arena = make([]byte, reserveBytes)
	alloc.brkOffset = 0
	alloc.pdt = pdt

	if err := alloc.growBreak(headerSize); err != nil {
		return err
	}
	alloc.writeHeader(0, nilOffset, uint32(reserveBytes), uint32(reserveBytes), false)

	kfmt.Printf("[%s] arena at 0x%x, reserved %d kb\n", name, uint64(base), uint64(reserveBytes>>10))
	return nil
}

// Alloc reserves size bytes on the heap and returns their virtual address.
// The block size is the request plus the header, rounded up to the block
// granularity; strictly larger free blocks are split and the remainder keeps
// a free header of its own.
func (alloc *Allocator) Alloc(size uintptr) (uintptr, *kernel.Error) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	if size == 0 {
		return 0, ErrZeroAllocation
	}

	// Reject oversized requests before the header and granularity
	// arithmetic below so that neither addition can wrap.
	if size > maxAllocationSize {
		return 0, ErrAllocationTooLarge
	}

	need := size + headerSize
	if rem := need % minBlockSize; rem != 0 {
		need += minBlockSize - rem
	}
	if need > maxAllocationSize {
		return 0, ErrAllocationTooLarge
	}

	arenaEnd := uintptr(len(alloc.arena))
	for off := uintptr(0); off < arenaEnd; {
		blockSize := uintptr(alloc.blockSize(off))
		if blockSize == 0 {
			return 0, ErrHeapCorrupted
		}

		if alloc.blockUsed(off) || blockSize < need {
			off += blockSize
			continue
		}

		// Commit frames through the end of the carved region and, when
		// splitting, through the remainder header that follows it.
		commitLimit := off + need
		if blockSize != need {
			commitLimit += headerSize
		}
		if commitLimit > alloc.brkOffset {
			if err := alloc.growBreak(commitLimit); err != nil {
				return 0, err
			}
		}

		prev := alloc.blockPrev(off)
		if blockSize != need {
			alloc.writeHeader(off+need, uint32(off), uint32(off+blockSize), uint32(blockSize-need), false)
			if successor := off + blockSize; successor < arenaEnd {
				alloc.setBlockPrev(successor, uint32(off+need))
			}
		}
		alloc.writeHeader(off, prev, uint32(off+need), uint32(need), true)

		return alloc.base + off + headerSize, nil
	}

	return 0, ErrOutOfMemory
}

// Free releases a block previously returned by Alloc. Freed blocks are
// eagerly coalesced with their structural neighbors so that no two adjacent
// free blocks survive the call; committed pages past a free tail block are
// handed back to the physical allocator.
func (alloc *Allocator) Free(ptr uintptr) *kernel.Error {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	off, err := alloc.blockOffsetFor(ptr)
	if err != nil {
		return err
	}
	if !alloc.blockUsed(off) {
		return ErrDoubleFree
	}
	alloc.setBlockUsed(off, false)

	arenaEnd := uintptr(len(alloc.arena))
	if successor := off + uintptr(alloc.blockSize(off)); successor < arenaEnd && !alloc.blockUsed(successor) {
		alloc.mergeWithSuccessor(off)
	}
	if prev := alloc.blockPrev(off); prev != nilOffset && !alloc.blockUsed(uintptr(prev)) {
		alloc.mergeWithSuccessor(uintptr(prev))
		off = uintptr(prev)
	}

	if off+uintptr(alloc.blockSize(off)) == arenaEnd {
		return alloc.shrinkBreak(off + headerSize)
	}
	return nil
}

// BlockSize returns the usable payload size recorded for an allocated block.
// It is at least as large as the size originally requested.
func (alloc *Allocator) BlockSize(ptr uintptr) (uintptr, *kernel.Error) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	off, err := alloc.blockOffsetFor(ptr)
	if err != nil {
		return 0, err
	}
	if !alloc.blockUsed(off) {
		return 0, ErrHeapCorrupted
	}

	return uintptr(alloc.blockSize(off)) - headerSize, nil
}

// DumpBlocks writes the committed part of the arena to w, one character per
// block granularity slot: 'U'/'F' marks the first slot of a used/free block
// and 'u'/'f' its continuation slots.
func (alloc *Allocator) DumpBlocks(w io.Writer) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	var marker [1]byte
	for off := uintptr(0); off < alloc.brkOffset; {
		blockSize := uintptr(alloc.blockSize(off))
		if blockSize == 0 {
			return
		}

		first, rest := byte('F'), byte('f')
		if alloc.blockUsed(off) {
			first, rest = 'U', 'u'
		}

		visible := blockSize
		if off+visible > alloc.brkOffset {
			visible = alloc.brkOffset - off
		}

		marker[0] = first
		for slot := uintptr(0); slot < visible/minBlockSize; slot++ {
			w.Write(marker[:])
			marker[0] = rest
		}

		off += blockSize
	}
}

// mergeWithSuccessor folds the block that structurally follows off into the
// block at off.
func (alloc *Allocator) mergeWithSuccessor(off uintptr) {
	var (
		successor = off + uintptr(alloc.blockSize(off))
		newSize   = alloc.blockSize(off) + alloc.blockSize(successor)
		tail      = successor + uintptr(alloc.blockSize(successor))
	)

	alloc.writeHeader(off, alloc.blockPrev(off), uint32(tail), newSize, alloc.blockUsed(off))
	if tail < uintptr(len(alloc.arena)) {
		alloc.setBlockPrev(tail, uint32(off))
	}
}

// blockOffsetFor validates that ptr was handed out by this allocator and
// returns the arena offset of its block header.
func (alloc *Allocator) blockOffsetFor(ptr uintptr) (uintptr, *kernel.Error) {
	if ptr < alloc.base+headerSize || ptr >= alloc.base+uintptr(len(alloc.arena)) {
		return 0, ErrHeapCorrupted
	}

	off := ptr - alloc.base - headerSize
	if off%minBlockSize != 0 || off+headerSize > alloc.brkOffset {
		return 0, ErrHeapCorrupted
	}
	if alloc.blockMagic(off) != headerMagic {
		return 0, ErrHeapCorrupted
	}

	return off, nil
}

// growBreak commits pages until at least limit arena bytes are backed by
// physical frames.
func (alloc *Allocator) growBreak(limit uintptr) *kernel.Error {
	if limit > uintptr(len(alloc.arena)) {
		return ErrOutOfMemory
	}

	for alloc.brkOffset < limit {
		frame, err := mm.AllocFrame()
		if err != nil {
			return err
		}

		if err = alloc.pdt.Map(mm.PageFromAddress(alloc.base+alloc.brkOffset), frame, vmm.FlagRW); err != nil {
			// The frame never became reachable; hand it back.
			mm.ReclaimFrame(frame)
			return err
		}

		alloc.brkOffset += mm.PageSize
	}

	return nil
}

// shrinkBreak releases committed pages above limit back to the physical
// allocator. The page containing limit-1 stays committed.
func (alloc *Allocator) shrinkBreak(limit uintptr) *kernel.Error {
	limit = (limit + mm.PageSize - 1) & ^(mm.PageSize - 1)

	for alloc.brkOffset > limit {
		alloc.brkOffset -= mm.PageSize
		if err := alloc.pdt.Unmap(mm.PageFromAddress(alloc.base + alloc.brkOffset)); err != nil {
			return err
		}
	}

	return nil
}

func (alloc *Allocator) blockPrev(off uintptr) uint32 {
	return binary.LittleEndian.Uint32(alloc.arena[off+prevFieldOffset:])
}

func (alloc *Allocator) setBlockPrev(off uintptr, prev uint32) {
	binary.LittleEndian.PutUint32(alloc.arena[off+prevFieldOffset:], prev)
}

func (alloc *Allocator) blockSize(off uintptr) uint32 {
	return binary.LittleEndian.Uint32(alloc.arena[off+sizeFieldOffset:])
}

func (alloc *Allocator) blockMagic(off uintptr) uint16 {
	return binary.LittleEndian.Uint16(alloc.arena[off+magicFieldOffset:])
}

func (alloc *Allocator) blockUsed(off uintptr) bool {
	return alloc.arena[off+usedFieldOffset] != 0
}

func (alloc *Allocator) setBlockUsed(off uintptr, used bool) {
	if used {
		alloc.arena[off+usedFieldOffset] = 1
	} else {
		alloc.arena[off+usedFieldOffset] = 0
	}
}

func (alloc *Allocator) writeHeader(off uintptr, prev, next, size uint32, used bool) {
	binary.LittleEndian.PutUint32(alloc.arena[off+prevFieldOffset:], prev)
	binary.LittleEndian.PutUint32(alloc.arena[off+nextFieldOffset:], next)
	binary.LittleEndian.PutUint32(alloc.arena[off+sizeFieldOffset:], size)
	binary.LittleEndian.PutUint16(alloc.arena[off+magicFieldOffset:], headerMagic)
	alloc.setBlockUsed(off, used)
	alloc.arena[off+usedFieldOffset+1] = 0
}
