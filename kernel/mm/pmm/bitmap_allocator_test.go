package pmm

import (
	"bytes"
	"math/bits"
	"testing"

	"github.com/stretchr/testify/require"

	"ferros/kernel/mm"
	"ferros/multiboot"
)

func TestProcessMemoryMap(t *testing.T) {
	defer func() {
		visitMemRegionsFn = multiboot.VisitMemRegions
	}()

	var alloc BitmapAllocator
	stubMemRegions(
		multiboot.MemoryMapEntry{PhysAddress: 0, Length: 0x9fc00, Type: multiboot.MemAvailable},
		multiboot.MemoryMapEntry{PhysAddress: 0x9fc00, Length: 0x400, Type: multiboot.MemReserved},
		multiboot.MemoryMapEntry{PhysAddress: 0x100000, Length: 0x700000, Type: multiboot.MemAvailable},
	)

	alloc.ProcessMemoryMap()

	if exp := 2; alloc.regionCount != exp {
		t.Fatalf("expected allocator to record %d usable regions; got %d", exp, alloc.regionCount)
	}

	if exp := uint64(0x800000); alloc.totalMemory != exp {
		t.Fatalf("expected total memory to be %d; got %d", exp, alloc.totalMemory)
	}

	if alloc.regions[1].Start != 0x100000 || alloc.regions[1].Size != 0x700000 {
		t.Fatalf("unexpected contents for region 1: %+v", alloc.regions[1])
	}
}

func TestProcessMemoryMapRegionLimit(t *testing.T) {
	defer func() {
		visitMemRegionsFn = multiboot.VisitMemRegions
	}()

	var (
		alloc   BitmapAllocator
		entries []multiboot.MemoryMapEntry
	)

	for i := 0; i < maxRegions+2; i++ {
		entries = append(entries, multiboot.MemoryMapEntry{
			PhysAddress: uint64(i) << 20,
			Length:      1 << 20,
			Type:        multiboot.MemAvailable,
		})
	}
	stubMemRegions(entries...)

	alloc.ProcessMemoryMap()

	// Overflowing regions are dropped but still count towards the total
	if exp := maxRegions; alloc.regionCount != exp {
		t.Fatalf("expected allocator to record at most %d regions; got %d", exp, alloc.regionCount)
	}

	if exp := uint64(maxRegions+2) << 20; alloc.totalMemory != exp {
		t.Fatalf("expected total memory to be %d; got %d", exp, alloc.totalMemory)
	}
}

func TestInitReservations(t *testing.T) {
	alloc := testAllocator(t)

	// 2048 frames tracked; the usable regions free frames [0, 159) and
	// [256, 2048), the kernel image re-reserves [256, 512) and the
	// bitmap placed at the end of the image re-reserves frame 512.
	if exp := uint32(2048); alloc.maxBlocks != exp {
		t.Fatalf("expected allocator to track %d frames; got %d", exp, alloc.maxBlocks)
	}

	if exp := uint32(2048 - 159 - 1792 + 256 + 1); alloc.usedBlocks != exp {
		t.Fatalf("expected %d reserved frames after init; got %d", exp, alloc.usedBlocks)
	}

	requireBitmapInvariant(t, alloc)

	specs := []struct {
		frame       uint32
		expReserved bool
	}{
		{0, false},
		{158, false},
		{159, true},  // partial page at the end of the low region
		{255, true},  // hole between the usable regions
		{256, true},  // kernel image start
		{511, true},  // kernel image end
		{512, true},  // bitmap backing frame
		{513, false}, // first frame past the bitmap
		{2047, false},
	}

	for specIndex, spec := range specs {
		mask := uint32(1) << (spec.frame & 31)
		if got := alloc.bitmap[spec.frame>>5]&mask != 0; got != spec.expReserved {
			t.Errorf("[spec %d] expected reserved(%d) to be %t; got %t", specIndex, spec.frame, spec.expReserved, got)
		}
	}
}

func TestInitWithoutUsableRegions(t *testing.T) {
	defer func() {
		visitMemRegionsFn = multiboot.VisitMemRegions
	}()

	var alloc BitmapAllocator
	stubMemRegions(
		multiboot.MemoryMapEntry{PhysAddress: 0, Length: 0x100000, Type: multiboot.MemReserved},
	)
	alloc.ProcessMemoryMap()

	if err := alloc.Init(0x100000, 0x200000); err != errNoUsableMemory {
		t.Fatalf("expected to get errNoUsableMemory; got %v", err)
	}
}

func TestAllocFrame(t *testing.T) {
	alloc := testAllocator(t)

	seen := make(map[mm.Frame]bool)
	for i := 0; i < 64; i++ {
		frame, err := alloc.AllocFrame()
		if err != nil {
			t.Fatal(err)
		}

		require.False(t, seen[frame], "frame %d handed out twice", frame)
		require.Zero(t, frame.Address()&(mm.PageSize-1))
		seen[frame] = true
	}

	// The low region provides the first 159 free frames in ascending order
	require.True(t, seen[mm.Frame(0)])
	require.True(t, seen[mm.Frame(63)])
	requireBitmapInvariant(t, alloc)
}

func TestAllocFrameExhaustion(t *testing.T) {
	alloc := exhaustibleAllocator(t)

	for i := 0; i < 4; i++ {
		frame, err := alloc.AllocFrame()
		if err != nil {
			t.Fatalf("[alloc %d] %v", i, err)
		}

		if exp := mm.Frame(i); frame != exp {
			t.Fatalf("[alloc %d] expected frame %d; got %d", i, exp, frame)
		}
	}

	if _, err := alloc.AllocFrame(); err != ErrOutOfMemory {
		t.Fatalf("expected to get ErrOutOfMemory; got %v", err)
	}

	requireBitmapInvariant(t, alloc)
}

func TestDeallocFrame(t *testing.T) {
	alloc := testAllocator(t)

	frame, err := alloc.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}

	if err = alloc.DeallocFrame(frame); err != nil {
		t.Fatal(err)
	}

	// The freed frame is the lowest free frame again
	reused, err := alloc.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}

	if reused != frame {
		t.Fatalf("expected allocator to reuse frame %d; got %d", frame, reused)
	}
}

func TestDeallocFrameNotManaged(t *testing.T) {
	alloc := testAllocator(t)

	specs := []mm.Frame{
		mm.FrameFromAddress(0xa0000),   // past the end of the low usable region
		mm.FrameFromAddress(0xff000),   // hole between the regions
		mm.FrameFromAddress(0x1000000), // past the end of tracked memory
	}

	for specIndex, frame := range specs {
		if err := alloc.DeallocFrame(frame); err != ErrFrameNotManaged {
			t.Errorf("[spec %d] expected to get ErrFrameNotManaged; got %v", specIndex, err)
		}
	}
}

func TestDeallocFrameTwice(t *testing.T) {
	alloc := testAllocator(t)

	frame, err := alloc.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}

	usedBefore := alloc.usedBlocks
	if err = alloc.DeallocFrame(frame); err != nil {
		t.Fatal(err)
	}

	// Releasing the same frame again must not drive the used counter
	// below the bitmap population count.
	if err = alloc.DeallocFrame(frame); err != nil {
		t.Fatal(err)
	}

	if exp := usedBefore - 1; alloc.usedBlocks != exp {
		t.Fatalf("expected %d reserved frames after double release; got %d", exp, alloc.usedBlocks)
	}

	requireBitmapInvariant(t, alloc)
}

func TestDumpBitmap(t *testing.T) {
	alloc := exhaustibleAllocator(t)

	if _, err := alloc.AllocFrame(); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	alloc.DumpBitmap(&buf)

	exp := "1000" + "1111111111111111111111111111"
	if got := buf.String(); got != exp {
		t.Fatalf("expected bitmap dump:\n%s\ngot:\n%s", exp, got)
	}
}

// testAllocator returns an allocator primed with a memory map modeled after a
// small PC: a usable low region, a reserved hole and a usable high region
// hosting a 1mb kernel image with the bitmap right behind it.
func testAllocator(t *testing.T) *BitmapAllocator {
	defer func() {
		visitMemRegionsFn = multiboot.VisitMemRegions
	}()

	var alloc BitmapAllocator
	stubMemRegions(
		multiboot.MemoryMapEntry{PhysAddress: 0, Length: 0x9fc00, Type: multiboot.MemAvailable},
		multiboot.MemoryMapEntry{PhysAddress: 0x9fc00, Length: 0x400, Type: multiboot.MemReserved},
		multiboot.MemoryMapEntry{PhysAddress: 0x100000, Length: 0x700000, Type: multiboot.MemAvailable},
	)

	alloc.ProcessMemoryMap()
	if err := alloc.Init(0x100000, 0x200000); err != nil {
		t.Fatal(err)
	}

	return &alloc
}

// exhaustibleAllocator returns an allocator with exactly 4 free frames.
func exhaustibleAllocator(t *testing.T) *BitmapAllocator {
	defer func() {
		visitMemRegionsFn = multiboot.VisitMemRegions
	}()

	var alloc BitmapAllocator
	stubMemRegions(
		multiboot.MemoryMapEntry{PhysAddress: 0, Length: 0x20000, Type: multiboot.MemAvailable},
	)

	alloc.ProcessMemoryMap()
	if err := alloc.Init(0x4000, 0x20000); err != nil {
		t.Fatal(err)
	}

	return &alloc
}

func stubMemRegions(entries ...multiboot.MemoryMapEntry) {
	visitMemRegionsFn = func(visitor multiboot.MemRegionVisitor) {
		for entryIndex := range entries {
			if !visitor(&entries[entryIndex]) {
				return
			}
		}
	}
}

// requireBitmapInvariant checks that the used block counter matches the
// bitmap population count.
func requireBitmapInvariant(t *testing.T, alloc *BitmapAllocator) {
	t.Helper()

	var popCount uint32
	for _, word := range alloc.bitmap {
		popCount += uint32(bits.OnesCount32(word))
	}

	require.Equal(t, popCount, alloc.usedBlocks, "used block counter diverged from bitmap population count")
}
