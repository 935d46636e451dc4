package vmm

import (
	"ferros/kernel"
	"ferros/kernel/mm"
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrInvalidFrame is returned when trying to map a physical frame
	// whose address cannot be encoded in a page table entry.
	ErrInvalidFrame = &kernel.Error{Module: "vmm", Message: "physical frame address cannot be encoded in a page table entry"}
)

// ptePhysPageMask masks the frame address bits of a page table entry.
const ptePhysPageMask = uint32(0xfffff000)

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uint32

const (
	// FlagPresent marks the entry as backed by a physical frame.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW allows writes through this entry.
	FlagRW

	// FlagUserAccess allows ring-3 code to access the page.
	FlagUserAccess

	// FlagWriteThrough enables write-through caching for the page.
	FlagWriteThrough

	// FlagCacheDisable bypasses the cache for the page.
	FlagCacheDisable

	// FlagAccessed is set by the MMU when the page is read.
	FlagAccessed

	// FlagDirty is set by the MMU when the page is written.
	FlagDirty

	// FlagHugePage marks a directory entry that maps a 4mb page directly.
	FlagHugePage

	// FlagGlobal excludes the entry from TLB flushes on address space
	// switches.
	FlagGlobal
)

// PageTableEntry encodes a physical frame address together with a set of
// flags in a single 32-bit word, mirroring the format the MMU walks.
type PageTableEntry uint32

// HasFlags returns true if this entry has all the input flags set.
func (pte PageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uint32(pte) & uint32(flags)) == uint32(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte PageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uint32(pte) & uint32(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *PageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = PageTableEntry(uint32(*pte) | uint32(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *PageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = PageTableEntry(uint32(*pte) &^ uint32(flags))
}

// Frame returns the physical page frame that this page table entry points to.
func (pte PageTableEntry) Frame() mm.Frame {
	return mm.Frame((uint32(pte) & ptePhysPageMask) >> mm.PageShift)
}

// SetFrame updates the page table entry to point to the given physical frame.
func (pte *PageTableEntry) SetFrame(frame mm.Frame) {
	*pte = PageTableEntry((uint32(*pte) &^ ptePhysPageMask) | uint32(frame.Address()))
}
