package mempool

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/mempool/memutils"
)

// EntryStatus is the tag at the start of every entry header. Any value other than the three
// below means the header was overwritten.
type EntryStatus uint32

const (
	// EntryFree marks a slot that is on its pool's free list
	EntryFree EntryStatus = 0xdeadbeef
	// EntryTaken marks a slot that has been handed out to a caller
	EntryTaken EntryStatus = 0xfeedcafe
	// EntryNotPoolMember marks a block that was served from the heap after its pool ran out
	// of slots
	EntryNotPoolMember EntryStatus = 0xfadeface
)

var entryStatusMapping = make(map[EntryStatus]string)

func (s EntryStatus) String() string {
	name, ok := entryStatusMapping[s]
	if !ok {
		return fmt.Sprintf("EntryStatus(%#x)", uint32(s))
	}
	return name
}

func init() {
	entryStatusMapping[EntryFree] = "EntryFree"
	entryStatusMapping[EntryTaken] = "EntryTaken"
	entryStatusMapping[EntryNotPoolMember] = "EntryNotPoolMember"
}

const (
	// HeaderSize is the number of bytes every entry carries in front of the memory handed to
	// the caller. An entry's extended size is its payload size plus HeaderSize.
	HeaderSize = 12

	// linkSize is the smallest payload a slot may have: while the slot is free, its first
	// linkSize bytes hold the free list link
	linkSize = 8

	statusOffset    = 0
	ownerOffset     = 4
	blockSizeOffset = 8
)

// entryHeader is a HeaderSize-byte view over the front of a slot or heap block
type entryHeader []byte

func (h entryHeader) status() EntryStatus {
	return EntryStatus(binary.LittleEndian.Uint32(h[statusOffset:]))
}

func (h entryHeader) setStatus(status EntryStatus) {
	binary.LittleEndian.PutUint32(h[statusOffset:], uint32(status))
}

func (h entryHeader) owner() uint32 {
	return binary.LittleEndian.Uint32(h[ownerOffset:])
}

func (h entryHeader) blockSize() int {
	return int(binary.LittleEndian.Uint32(h[blockSizeOffset:]))
}

func (h entryHeader) write(status EntryStatus, owner uint32, blockSize int) {
	binary.LittleEndian.PutUint32(h[statusOffset:], uint32(status))
	binary.LittleEndian.PutUint32(h[ownerOffset:], owner)
	binary.LittleEndian.PutUint32(h[blockSizeOffset:], uint32(blockSize))
}

// block widens the header view to the whole blockSize-byte entry it sits in front of
func (h entryHeader) block(blockSize int) []byte {
	return unsafe.Slice(unsafe.SliceData(h), blockSize)
}

// payload returns the caller-visible part of a blockSize-byte entry
func (h entryHeader) payload(blockSize int) []byte {
	return h.block(blockSize)[HeaderSize:blockSize:blockSize]
}

// headerOf locates the header that sits directly in front of an entry handed out by a pool.
// entry must not be empty.
func headerOf(entry []byte) entryHeader {
	data := unsafe.Add(unsafe.Pointer(unsafe.SliceData(entry)), -HeaderSize)
	return entryHeader(unsafe.Slice((*byte)(data), HeaderSize))
}

func readLink(payload []byte) uint64 {
	return binary.LittleEndian.Uint64(payload)
}

func writeLink(payload []byte, link uint64) {
	binary.LittleEndian.PutUint64(payload, link)
}

// extendedSize raises elementSize to the minimum slot payload and adds the header
func extendedSize(elementSize int) int {
	if elementSize < linkSize {
		elementSize = linkSize
	}
	return elementSize + HeaderSize
}

// corruptionf builds the value every detected-corruption panic carries
func corruptionf(format string, args ...any) error {
	return errors.Mark(errors.Newf("memory corruption detected: "+format, args...), memutils.ErrCorruption)
}
