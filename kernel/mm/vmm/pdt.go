// Package vmm implements the two-level paging structures used by the 386
// MMU: a page directory whose 1024 entries point at 1024 pre-reserved page
// tables, each mapping 4mb of the virtual address space. The directory and
// the tables are kept as explicit in-memory structures so the mapping logic
// can be exercised without touching the MMU; the privileged instructions
// that load and flush the hardware state are reached through function
// variables backed by the cpu package.
package vmm

import (
	"ferros/kernel"
	"ferros/kernel/cpu"
	"ferros/kernel/kfmt"
	"ferros/kernel/mm"
)

const (
	// tableEntries is the number of entries in the page directory and in
	// each page table.
	tableEntries = 1024

	// kernelTableIndex is the first directory slot reserved for the
	// kernel higher half (mm.KernelPageOffset >> 22). Entries below it
	// carry the user-access flag.
	kernelTableIndex = int(mm.KernelPageOffset >> 22)

	// kernelImageMapBytes is the amount of physical memory that gets
	// linearly mapped into the higher half so that the kernel image and
	// the early boot structures remain addressable once paging is on.
	kernelImageMapBytes = uintptr(8 << 20)

	// maxEncodableFrame is the highest frame index a 32-bit page table
	// entry can encode.
	maxEncodableFrame = mm.Frame(1<<20 - 1)
)

var (
	// The following functions are used by tests to override calls into
	// the cpu package which would fault if executed in user-mode.
	flushTLBEntryFn = cpu.FlushTLBEntry
	switchPDTFn     = cpu.SwitchPDT
	enablePagingFn  = cpu.EnablePaging

	errMisalignedTables = &kernel.Error{Module: "vmm", Message: "page directory and page table addresses must be page-aligned"}
)

// PageTable describes one second-level table mapping 4mb of the virtual
// address space.
type PageTable [tableEntries]PageTableEntry

// PageDirectoryTable describes the top-most table in the two-level paging
// scheme together with the contiguous block of page tables its entries point
// to. The zero value is unusable; Init attaches the tables and establishes
// the kernel higher-half mapping, Activate loads the directory into the MMU.
type PageDirectoryTable struct {
	dir    PageTable
	tables *[tableEntries]PageTable

	// dirPhys and tablesPhys are the physical addresses loaded into CR3
	// and encoded into the directory entries respectively.
	dirPhys    uintptr
	tablesPhys uintptr

	active bool
}

// Init wires every directory entry to its pre-reserved page table and then
// linearly maps the kernel's physical footprint into the higher half. The
// supplied addresses locate the directory and the contiguous table block in
// physical memory; both must be page-aligned.
func (pdt *PageDirectoryTable) Init(dirPhys, tablesPhys uintptr) *kernel.Error {
	if dirPhys&uintptr(mm.PageSize-1) != 0 || tablesPhys&uintptr(mm.PageSize-1) != 0 {
		return errMisalignedTables
	}

	pdt.dirPhys = dirPhys
	pdt.tablesPhys = tablesPhys
	pdt.tables = new([tableEntries]PageTable)

	for dirIndex := 0; dirIndex < tableEntries; dirIndex++ {
		entry := &pdt.dir[dirIndex]
		*entry = 0
		entry.SetFrame(mm.FrameFromAddress(tablesPhys + uintptr(dirIndex)<<mm.PageShift))
		entry.SetFlags(FlagPresent | FlagRW)
		if dirIndex < kernelTableIndex {
			entry.SetFlags(FlagUserAccess)
		}
	}

	pdt.kernelMapping()
	return nil
}

// kernelMapping points the start of the kernel higher half at physical
// address zero so that once paging is enabled every physical address below
// kernelImageMapBytes remains reachable at mm.KernelPageOffset plus the
// address. The entries are written directly; the directory is not active yet
// so there are no TLB entries to flush.
func (pdt *PageDirectoryTable) kernelMapping() {
	for offset := uintptr(0); offset < kernelImageMapBytes; offset += uintptr(mm.PageSize) {
		entry := pdt.entryFor(mm.KernelPageOffset + offset)
		*entry = 0
		entry.SetFrame(mm.FrameFromAddress(offset))
		entry.SetFlags(FlagPresent | FlagRW)
	}
}

// entryFor returns the page table entry that maps the page containing
// virtAddr.
func (pdt *PageDirectoryTable) entryFor(virtAddr uintptr) *PageTableEntry {
	return &pdt.tables[virtAddr>>22][(virtAddr>>mm.PageShift)&(tableEntries-1)]
}

// Map establishes a mapping between a virtual page and a physical memory
// frame. The entry is flagged as present in addition to the supplied flags.
// Mappings below the kernel split additionally get the user-access flag on
// their directory entry; that flag is applied by Init and needs no per-page
// handling here.
func (pdt *PageDirectoryTable) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if frame > maxEncodableFrame {
		return ErrInvalidFrame
	}

	entry := pdt.entryFor(page.Address())
	*entry = 0
	entry.SetFrame(frame)
	entry.SetFlags(FlagPresent | flags)

	if pdt.active {
		flushTLBEntryFn(page.Address())
	}

	return nil
}

// Unmap removes a mapping previously installed via a call to Map and returns
// the backing frame to the physical allocator.
func (pdt *PageDirectoryTable) Unmap(page mm.Page) *kernel.Error {
	entry := pdt.entryFor(page.Address())
	if !entry.HasFlags(FlagPresent) {
		return ErrInvalidMapping
	}

	frame := entry.Frame()
	entry.ClearFlags(FlagPresent)

	if err := mm.ReclaimFrame(frame); err != nil {
		return err
	}

	if pdt.active {
		flushTLBEntryFn(page.Address())
	}

	return nil
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (pdt *PageDirectoryTable) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	entry := pdt.entryFor(virtAddr)
	if !entry.HasFlags(FlagPresent) {
		return 0, ErrInvalidMapping
	}

	// The physical address is the frame address plus the page offset
	// bits of the virtual address.
	return entry.Frame().Address() + (virtAddr & uintptr(mm.PageSize-1)), nil
}

// Activate loads the directory into CR3 and turns on the paging bit in CR0.
// The directory must already map the currently executing code; the kernel
// higher-half mapping established by Init satisfies this.
func (pdt *PageDirectoryTable) Activate() {
	switchPDTFn(pdt.dirPhys)
	enablePagingFn()
	pdt.active = true

	kfmt.Printf("[vmm] paging enabled, page directory at 0x%x\n", uint64(pdt.dirPhys))
}
