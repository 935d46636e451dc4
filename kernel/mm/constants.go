package mm

const (
	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right
	// by PageShift) and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// KernelPageOffset is the virtual address where the kernel higher
	// half begins. Virtual addresses below it belong to user space.
	KernelPageOffset = uintptr(0xC0000000)
)
