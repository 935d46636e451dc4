// Package irq provides the glue between the CPU exception gates and the rest
// of the kernel. The descriptor table setup and the PIC remapping live in the
// boot layer; this package only models the surface the memory manager
// consumes: a handler registry for exceptions and the interrupt masking
// bracket that implements the kernel's single critical section.
package irq

import (
	"io"

	"ferros/kernel"
	"ferros/kernel/cpu"
	"ferros/kernel/kfmt"
)

// ExceptionNum describes an exception vector number.
type ExceptionNum uint8

const (
	// DivideByZero is raised by DIV/IDIV instructions with a zero divisor.
	DivideByZero = ExceptionNum(0)

	// DoubleFault is raised when an exception occurs while the CPU is
	// already dispatching an exception.
	DoubleFault = ExceptionNum(8)

	// GPFException is raised on a segment-related protection violation.
	GPFException = ExceptionNum(13)

	// PageFaultException is raised when accessing a page whose translation
	// entry is not present or whose protection bits forbid the access.
	PageFaultException = ExceptionNum(14)
)

// Registers contains a snapshot of the register values when an interrupt
// occurred together with the exception error code pushed by the CPU.
type Registers struct {
	EDI uint32
	ESI uint32
	EBP uint32
	ESP uint32
	EBX uint32
	EDX uint32
	ECX uint32
	EAX uint32

	// ErrorCode holds the exception error code or zero for exceptions
	// that do not push one.
	ErrorCode uint32

	EIP    uint32
	CS     uint32
	EFlags uint32
}

// DumpTo outputs the register snapshot to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "EAX = %8x EBX = %8x\n", r.EAX, r.EBX)
	kfmt.Fprintf(w, "ECX = %8x EDX = %8x\n", r.ECX, r.EDX)
	kfmt.Fprintf(w, "ESI = %8x EDI = %8x\n", r.ESI, r.EDI)
	kfmt.Fprintf(w, "EBP = %8x ESP = %8x\n", r.EBP, r.ESP)
	kfmt.Fprintf(w, "EIP = %8x CS  = %8x\n", r.EIP, r.CS)
	kfmt.Fprintf(w, "EFL = %8x\n", r.EFlags)
}

// HandlerFn is invoked with the register snapshot captured by the exception
// gate stub.
type HandlerFn func(*Registers)

var (
	handlers [256]HandlerFn

	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn  = cpu.EnableInterrupts

	errUnhandledException = &kernel.Error{Module: "irq", Message: "unhandled exception"}
)

// HandleException registers a handler for the given exception number,
// replacing any previously registered handler.
func HandleException(num ExceptionNum, handler HandlerFn) {
	handlers[num] = handler
}

// Dispatch routes the exception described by regs to its registered handler.
// It is invoked by the assembly gate stubs with interrupts implicitly
// serialized by the CPU. Exceptions with no registered handler indicate a
// kernel bug and are fatal.
func Dispatch(num ExceptionNum, regs *Registers) {
	if handler := handlers[num]; handler != nil {
		handler(regs)
		return
	}

	kfmt.Printf("[irq] unhandled exception %d\n", uint8(num))
	regs.DumpTo(kfmt.GetOutputSink())
	kfmt.Panic(errUnhandledException)
}

// Disable masks maskable interrupts. The boot code runs with interrupts
// masked until the memory subsystems are up; past that point the allocator
// structures are guarded by their own spinlocks rather than by masking.
func Disable() {
	disableInterruptsFn()
}

// Enable unmasks maskable interrupts, leaving the critical section.
func Enable() {
	enableInterruptsFn()
}
