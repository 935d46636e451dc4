//go:build 386

package cpu

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt disables interrupts and stops instruction execution.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the page directory register to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page
// directory.
func ActivePDT() uintptr

// EnablePaging sets the paging bit in CR0. The page directory loaded via
// SwitchPDT must already map the code currently executing or the next
// instruction fetch will triple-fault the CPU.
func EnablePaging()

// ReadCR2 returns the linear address that caused the last page fault.
func ReadCR2() uintptr

// PortWriteByte writes a uint8 value to the requested port.
func PortWriteByte(port uint16, val uint8)

// PortReadByte reads a uint8 value from the requested port.
func PortReadByte(port uint16) uint8
