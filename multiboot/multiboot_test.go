package multiboot

import (
	"bytes"
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestFindTagByType(t *testing.T) {
	infoBlock := newInfoBlock().
		withCmdLine("console=serial").
		withBootLoaderName("test loader").
		withMemRegion(0, 0x9fc00, MemAvailable).
		build()
	SetInfoPtr(uintptr(unsafe.Pointer(&infoBlock[0])))

	specs := []struct {
		tagType tagType
		expSize uint32
	}{
		{tagBootCmdLine, uint32(len("console=serial") + 1)},
		{tagBootLoaderName, uint32(len("test loader") + 1)},
		{tagMemoryMap, 8 + 24},
	}

	for specIndex, spec := range specs {
		_, size := findTagByType(spec.tagType)

		if size != spec.expSize {
			t.Errorf("[spec %d] expected tag size for tag type %d to be %d; got %d", specIndex, spec.tagType, spec.expSize, size)
		}
	}
}

func TestFindTagByTypeWithMissingTag(t *testing.T) {
	infoBlock := newInfoBlock().build()
	SetInfoPtr(uintptr(unsafe.Pointer(&infoBlock[0])))

	if offset, size := findTagByType(tagModules); offset != 0 || size != 0 {
		t.Fatalf("expected findTagByType to return (0,0) for missing tag; got (%d, %d)", offset, size)
	}
}

func TestVisitMemRegions(t *testing.T) {
	infoBlock := newInfoBlock().
		withMemRegion(0, 0x9fc00, MemAvailable).
		withMemRegion(0x9fc00, 0x400, MemReserved).
		withMemRegion(0x100000, 0x7ee0000, MemAvailable).
		withMemRegion(0x7fe0000, 0x20000, 0xbad). // unknown type
		build()
	SetInfoPtr(uintptr(unsafe.Pointer(&infoBlock[0])))

	var got []MemoryMapEntry
	VisitMemRegions(func(entry *MemoryMapEntry) bool {
		got = append(got, *entry)
		return true
	})

	require.Len(t, got, 4)
	require.Equal(t, uint64(0x9fc00), got[0].Length)
	require.Equal(t, MemAvailable, got[0].Type)
	require.Equal(t, uint64(0x100000), got[2].PhysAddress)
	require.Equal(t, MemAvailable, got[2].Type)

	// Unknown types must be reported as reserved
	require.Equal(t, MemReserved, got[3].Type)
}

func TestVisitMemRegionsAbort(t *testing.T) {
	infoBlock := newInfoBlock().
		withMemRegion(0, 0x9fc00, MemAvailable).
		withMemRegion(0x100000, 0x7ee0000, MemAvailable).
		build()
	SetInfoPtr(uintptr(unsafe.Pointer(&infoBlock[0])))

	var visitCount int
	VisitMemRegions(func(entry *MemoryMapEntry) bool {
		visitCount++
		return false
	})

	require.Equal(t, 1, visitCount)
}

func TestVisitMemRegionsWithMissingTag(t *testing.T) {
	infoBlock := newInfoBlock().build()
	SetInfoPtr(uintptr(unsafe.Pointer(&infoBlock[0])))

	VisitMemRegions(func(entry *MemoryMapEntry) bool {
		t.Fatal("expected visitor not to be invoked when no memory map tag is present")
		return true
	})
}

func TestGetBootLoaderName(t *testing.T) {
	infoBlock := newInfoBlock().withBootLoaderName("GRUB 2.06").build()
	SetInfoPtr(uintptr(unsafe.Pointer(&infoBlock[0])))

	require.Equal(t, "GRUB 2.06", GetBootLoaderName())

	emptyBlock := newInfoBlock().build()
	SetInfoPtr(uintptr(unsafe.Pointer(&emptyBlock[0])))

	require.Equal(t, "", GetBootLoaderName())
}

func TestGetBootCmdLine(t *testing.T) {
	infoBlock := newInfoBlock().withCmdLine("console=serial nosmp").build()
	SetInfoPtr(uintptr(unsafe.Pointer(&infoBlock[0])))

	kv := GetBootCmdLine()
	require.Equal(t, "serial", kv["console"])
	require.Equal(t, "nosmp", kv["nosmp"])

	// Repeated calls reuse the parsed map
	require.Equal(t, len(kv), len(GetBootCmdLine()))
}

// infoBlockBuilder assembles a syntactically valid multiboot info block that
// the package functions can walk with their regular pointer arithmetic.
type infoBlockBuilder struct {
	tags       bytes.Buffer
	memEntries bytes.Buffer
}

func newInfoBlock() *infoBlockBuilder {
	return &infoBlockBuilder{}
}

func (b *infoBlockBuilder) withCmdLine(cmdLine string) *infoBlockBuilder {
	b.appendTag(tagBootCmdLine, append([]byte(cmdLine), 0))
	return b
}

func (b *infoBlockBuilder) withBootLoaderName(name string) *infoBlockBuilder {
	b.appendTag(tagBootLoaderName, append([]byte(name), 0))
	return b
}

func (b *infoBlockBuilder) withMemRegion(physAddr, length uint64, memType MemoryEntryType) *infoBlockBuilder {
	binary.Write(&b.memEntries, binary.LittleEndian, physAddr)
	binary.Write(&b.memEntries, binary.LittleEndian, length)
	binary.Write(&b.memEntries, binary.LittleEndian, uint32(memType))
	binary.Write(&b.memEntries, binary.LittleEndian, uint32(0)) // reserved
	return b
}

func (b *infoBlockBuilder) appendTag(tag tagType, payload []byte) {
	binary.Write(&b.tags, binary.LittleEndian, uint32(tag))
	binary.Write(&b.tags, binary.LittleEndian, uint32(8+len(payload)))
	b.tags.Write(payload)
	for b.tags.Len()%8 != 0 {
		b.tags.WriteByte(0)
	}
}

func (b *infoBlockBuilder) build() []byte {
	var block bytes.Buffer

	// info header: total size + reserved dword; patched below
	binary.Write(&block, binary.LittleEndian, uint32(0))
	binary.Write(&block, binary.LittleEndian, uint32(0))

	block.Write(b.tags.Bytes())

	if b.memEntries.Len() != 0 {
		binary.Write(&block, binary.LittleEndian, uint32(tagMemoryMap))
		binary.Write(&block, binary.LittleEndian, uint32(8+8+b.memEntries.Len()))
		binary.Write(&block, binary.LittleEndian, uint32(24)) // entry size
		binary.Write(&block, binary.LittleEndian, uint32(0))  // entry version
		block.Write(b.memEntries.Bytes())
		for block.Len()%8 != 0 {
			block.WriteByte(0)
		}
	}

	// end tag
	binary.Write(&block, binary.LittleEndian, uint32(tagMbSectionEnd))
	binary.Write(&block, binary.LittleEndian, uint32(8))

	out := block.Bytes()
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(out)))
	return out
}
