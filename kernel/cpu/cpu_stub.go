//go:build !386

// Privileged instruction stubs for non-386 targets. They allow the memory
// management packages to be unit-tested on a host OS; tests interpose on the
// function vars that point here and never reach the stubs themselves.
package cpu

func unsupported() {
	panic("cpu: privileged instructions require a 386 target")
}

// EnableInterrupts enables interrupt handling.
func EnableInterrupts() { unsupported() }

// DisableInterrupts disables interrupt handling.
func DisableInterrupts() { unsupported() }

// Halt disables interrupts and stops instruction execution.
func Halt() { unsupported() }

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr) { unsupported() }

// SwitchPDT sets the page directory register to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr) { unsupported() }

// ActivePDT returns the physical address of the currently active page
// directory.
func ActivePDT() uintptr { unsupported(); return 0 }

// EnablePaging sets the paging bit in CR0. The page directory loaded via
// SwitchPDT must already map the code currently executing or the next
// instruction fetch will triple-fault the CPU.
func EnablePaging() { unsupported() }

// ReadCR2 returns the linear address that caused the last page fault.
func ReadCR2() uintptr { unsupported(); return 0 }

// PortWriteByte writes a uint8 value to the requested port.
func PortWriteByte(port uint16, val uint8) { unsupported() }

// PortReadByte reads a uint8 value from the requested port.
func PortReadByte(port uint16) uint8 { unsupported(); return 0 }
