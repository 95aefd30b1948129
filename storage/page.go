package storage

import "encoding/binary"

// PageKind identifies what a page holds.
type PageKind byte

const (
	PageKindHeader   PageKind = 0
	PageKindRecord   PageKind = 1
	PageKindIndex    PageKind = 2
	PageKindFree     PageKind = 3
	PageKindOverflow PageKind = 4
)

// PageHeaderSize is the 32-byte per-page header from spec.md §6:
// kind(1), reserved(3), lsn(8), slot_count(2), free_bytes(2),
// first_free_offset(2), page_checksum(4), reserved(10).
const PageHeaderSize = 32

const (
	pgOffKind      = 0
	pgOffLSN       = 4
	pgOffSlotCount = 12
	pgOffFreeBytes = 14
	pgOffHeapTop   = 16
	pgOffChecksum  = 18
	// bytes [22:32) reserved
)

// SlotEntrySize is the size in bytes of one slot-directory entry:
// offset(2), length(2), flags(1).
const SlotEntrySize = 5

// Slot flags.
const (
	SlotFlagFree     byte = 0x01
	SlotFlagOverflow byte = 0x02
)

// Page is one fixed-size page of the data file: a 32-byte header, a
// slot directory growing upward from the header, and a payload heap
// growing downward from the end of the page. The gap between them is
// the page's free space (§4.4).
type Page struct {
	Data   []byte
	PageID uint64
}

// NewPage allocates a zeroed page of the given size and initializes its
// header. The heap top starts at the end of the page (empty heap).
func NewPage(size int, kind PageKind, pageID uint64) *Page {
	p := &Page{Data: make([]byte, size), PageID: pageID}
	p.SetKind(kind)
	p.setHeapTop(uint16(size))
	p.setFreeBytes(uint16(size - PageHeaderSize))
	return p
}

func (p *Page) Kind() PageKind     { return PageKind(p.Data[pgOffKind]) }
func (p *Page) SetKind(k PageKind) { p.Data[pgOffKind] = byte(k) }
func (p *Page) LSN() uint64        { return binary.LittleEndian.Uint64(p.Data[pgOffLSN:]) }
func (p *Page) SetLSN(lsn uint64)  { binary.LittleEndian.PutUint64(p.Data[pgOffLSN:], lsn) }
func (p *Page) SlotCount() uint16  { return binary.LittleEndian.Uint16(p.Data[pgOffSlotCount:]) }
func (p *Page) FreeBytes() uint16  { return binary.LittleEndian.Uint16(p.Data[pgOffFreeBytes:]) }

func (p *Page) setSlotCount(n uint16) {
	binary.LittleEndian.PutUint16(p.Data[pgOffSlotCount:], n)
}
func (p *Page) setFreeBytes(n uint16) {
	binary.LittleEndian.PutUint16(p.Data[pgOffFreeBytes:], n)
}

// heapTop is the lowest byte offset currently occupied by the payload
// heap (spec.md's "first_free_offset", read here as the heap's high
// boundary working down from page_end).
func (p *Page) heapTop() uint16 { return binary.LittleEndian.Uint16(p.Data[pgOffHeapTop:]) }
func (p *Page) setHeapTop(off uint16) {
	binary.LittleEndian.PutUint16(p.Data[pgOffHeapTop:], off)
}

// Checksum returns the stored checksum (recomputed by Seal before a
// page is written out).
func (p *Page) Checksum() uint32 { return binary.LittleEndian.Uint32(p.Data[pgOffChecksum:]) }

// Seal recomputes the page checksum over every byte but the checksum
// field itself. Must be called before a page is handed to the pager
// for a write.
func (p *Page) Seal() {
	binary.LittleEndian.PutUint32(p.Data[pgOffChecksum:], 0)
	sum := crc64Checksum(p.Data)
	binary.LittleEndian.PutUint32(p.Data[pgOffChecksum:], uint32(sum))
}

// Verify recomputes the checksum and compares it to the stored value.
func (p *Page) Verify() bool {
	stored := p.Checksum()
	var saved [4]byte
	copy(saved[:], p.Data[pgOffChecksum:pgOffChecksum+4])
	binary.LittleEndian.PutUint32(p.Data[pgOffChecksum:], 0)
	sum := uint32(crc64Checksum(p.Data))
	copy(p.Data[pgOffChecksum:], saved[:])
	return sum == stored
}

func (p *Page) slotOffset(idx uint16) int {
	return PageHeaderSize + int(idx)*SlotEntrySize
}

type slotDirEntry struct {
	offset uint16
	length uint16
	flags  byte
}

func (p *Page) readSlotDir(idx uint16) slotDirEntry {
	off := p.slotOffset(idx)
	return slotDirEntry{
		offset: binary.LittleEndian.Uint16(p.Data[off:]),
		length: binary.LittleEndian.Uint16(p.Data[off+2:]),
		flags:  p.Data[off+4],
	}
}

func (p *Page) writeSlotDir(idx uint16, e slotDirEntry) {
	off := p.slotOffset(idx)
	binary.LittleEndian.PutUint16(p.Data[off:], e.offset)
	binary.LittleEndian.PutUint16(p.Data[off+2:], e.length)
	p.Data[off+4] = e.flags
}

// Allocate appends a new slot holding payload and returns its slot
// index, or ok=false if the page does not have enough contiguous free
// space for both a new directory entry and the payload.
func (p *Page) Allocate(payload []byte, flags byte) (slotIdx uint16, ok bool) {
	needed := SlotEntrySize + len(payload)
	if int(p.FreeBytes()) < needed {
		return 0, false
	}
	newHeapTop := int(p.heapTop()) - len(payload)
	if newHeapTop < p.slotOffset(p.SlotCount()+1) {
		return 0, false
	}
	copy(p.Data[newHeapTop:], payload)
	idx := p.SlotCount()
	p.writeSlotDir(idx, slotDirEntry{offset: uint16(newHeapTop), length: uint16(len(payload)), flags: flags})
	p.setSlotCount(idx + 1)
	p.setHeapTop(uint16(newHeapTop))
	p.setFreeBytes(p.FreeBytes() - uint16(needed))
	return idx, true
}

// Read returns the payload bytes stored at slotIdx and whether the slot
// is live (not free).
func (p *Page) Read(slotIdx uint16) (data []byte, free bool, overflow bool, ok bool) {
	if slotIdx >= p.SlotCount() {
		return nil, false, false, false
	}
	e := p.readSlotDir(slotIdx)
	out := make([]byte, e.length)
	copy(out, p.Data[e.offset:int(e.offset)+int(e.length)])
	return out, e.flags&SlotFlagFree != 0, e.flags&SlotFlagOverflow != 0, true
}

// Free marks a slot as free and credits its space back to free_bytes.
// The slot entry itself is kept (so slot indices stay stable, per
// spec.md's RecordPointer stability requirement) but its payload bytes
// are no longer reachable until the page is compacted.
func (p *Page) Free(slotIdx uint16) bool {
	if slotIdx >= p.SlotCount() {
		return false
	}
	e := p.readSlotDir(slotIdx)
	if e.flags&SlotFlagFree != 0 {
		return true
	}
	e.flags |= SlotFlagFree
	p.writeSlotDir(slotIdx, e)
	p.setFreeBytes(p.FreeBytes() + e.length)
	return true
}

// UpdateInPlace overwrites the payload of slotIdx when newData is no
// longer than the slot's current capacity. Returns false if the slot
// cannot hold newData, in which case the caller must free the slot and
// allocate a fresh one (§4.4 update semantics).
func (p *Page) UpdateInPlace(slotIdx uint16, newData []byte) bool {
	if slotIdx >= p.SlotCount() {
		return false
	}
	e := p.readSlotDir(slotIdx)
	if e.flags&SlotFlagFree != 0 || len(newData) > int(e.length) {
		return false
	}
	reclaimed := int(e.length) - len(newData)
	copy(p.Data[e.offset:], newData)
	e.length = uint16(len(newData))
	p.writeSlotDir(slotIdx, e)
	p.setFreeBytes(p.FreeBytes() + uint16(reclaimed))
	return true
}

// FragmentationPercent is the share of the page's usable space that is
// wasted by freed-but-uncollected slots, used by compaction (§4.4) to
// decide whether a page is worth rewriting.
func (p *Page) FragmentationPercent() int {
	usable := len(p.Data) - PageHeaderSize
	if usable <= 0 {
		return 0
	}
	wasted := 0
	for i := uint16(0); i < p.SlotCount(); i++ {
		e := p.readSlotDir(i)
		if e.flags&SlotFlagFree != 0 {
			wasted += int(e.length) + SlotEntrySize
		}
	}
	return wasted * 100 / usable
}

// LiveSlots returns the indexes of every non-free slot in directory
// order, used by compaction to rebuild a page from scratch.
func (p *Page) LiveSlots() []uint16 {
	var out []uint16
	for i := uint16(0); i < p.SlotCount(); i++ {
		e := p.readSlotDir(i)
		if e.flags&SlotFlagFree == 0 {
			out = append(out, i)
		}
	}
	return out
}
