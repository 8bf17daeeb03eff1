// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bucket is the general purpose allocator layered on the buddy page
// allocator. Requests are rounded up to power-of-two size classes; each
// class keeps a free list threaded through the free blocks themselves.
// Every live block is preceded by a small header recording its class,
// alignment pad, a magic byte and the owner it was charged to.
//
// Memory handed to a class is never returned to the page allocator.
package bucket

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"

	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/log"

	"github.com/nerdsane/rumpcore/pkg/buddy"
	"github.com/nerdsane/rumpcore/pkg/halt"
)

const (
	// MinShift is log2 of the smallest class size.
	MinShift = 5

	// MinAlign is the alignment applied when a smaller one is requested.
	MinAlign = 16

	// HeaderSize is the size of the header preceding each block.
	HeaderSize = 8

	magic = 0xef

	// nilAddr terminates free lists; block addresses are at least
	// 32-byte aligned so it can never be a block.
	nilAddr = ^buddy.Addr(0)
)

// Header byte offsets.
const (
	hdrMagic = 0
	hdrClass = 1
	hdrOwner = 2
	hdrPad   = 4 // uint32
)

// Owner is the accounting category an allocation is charged to.
type Owner uint8

const (
	// OwnerWired is memory used by the substrate itself, such as thread
	// TLS areas.
	OwnerWired Owner = iota + 1

	// OwnerKernel is memory used by the embedded kernel.
	OwnerKernel

	// OwnerUser is memory used by the application.
	OwnerUser

	numOwners = int(OwnerUser) + 1
)

// String implements fmt.Stringer.
func (o Owner) String() string {
	switch o {
	case OwnerWired:
		return "wired"
	case OwnerKernel:
		return "kernel"
	case OwnerUser:
		return "user"
	default:
		return fmt.Sprintf("owner(%d)", uint8(o))
	}
}

// PageSource is the page allocator the bucket allocator draws from.
type PageSource interface {
	Alloc(order int) (buddy.Addr, bool)
	Allocated(addr buddy.Addr) bool
	Bytes(addr buddy.Addr, n uint64) []byte
	PageSize() uint64
	OrderFor(n uint64) int
	MaxOrder() int
}

// Config configures an Allocator.
type Config struct {
	// StrictMagic halts on a corrupt or foreign header. When false the
	// free is logged and ignored.
	StrictMagic bool
}

// DefaultConfig returns the production configuration.
func DefaultConfig() Config {
	return Config{StrictMagic: true}
}

// OwnerStats is the accounting for one owner.
type OwnerStats struct {
	Allocs    uint64 `json:"allocs"`
	Frees     uint64 `json:"frees"`
	BytesLive uint64 `json:"bytes_live"`
}

// Stats is a snapshot of allocator accounting.
type Stats struct {
	Owners       map[string]OwnerStats `json:"owners"`
	PagesClaimed uint64                `json:"pages_claimed"`
	// FreeBlocks[c] is the number of free blocks of class c.
	FreeBlocks []int `json:"free_blocks"`
}

// Allocator is a bucket allocator. Like the page allocator below it, it is
// only safe to use from the single running thread.
type Allocator struct {
	cfg   Config
	pages PageSource

	// head[c] is the first free block of class c.
	head      []buddy.Addr
	freeCount []int

	owners       [numOwners]OwnerStats
	pagesClaimed uint64
}

// New returns an allocator drawing from pages.
func New(cfg Config, pages PageSource) *Allocator {
	maxShift := bits.Len64(pages.PageSize()) - 1 + pages.MaxOrder()
	n := maxShift - MinShift + 1
	a := &Allocator{
		cfg:       cfg,
		pages:     pages,
		head:      make([]buddy.Addr, n),
		freeCount: make([]int, n),
	}
	for i := range a.head {
		a.head[i] = nilAddr
	}
	return a
}

// ClassSize returns the block size of class c.
func ClassSize(c int) uint64 {
	return 1 << uint(c+MinShift)
}

// Alloc returns size bytes aligned to align and charged to owner. align
// must be a power of two; values below MinAlign are raised to it.
func (a *Allocator) Alloc(size uint64, align uint64, owner Owner) (buddy.Addr, error) {
	if align < MinAlign {
		align = MinAlign
	}
	if align&(align-1) != 0 {
		return 0, fmt.Errorf("bucket: alignment %d is not a power of two: %w", align, linuxerr.EINVAL)
	}
	if owner == 0 || int(owner) >= numOwners {
		return 0, fmt.Errorf("bucket: invalid owner %d: %w", owner, linuxerr.EINVAL)
	}
	if size == 0 {
		size = 1
	}

	lead := roundUp(HeaderSize, align)
	if lead-HeaderSize > math.MaxUint32 {
		return 0, fmt.Errorf("bucket: alignment %d too large: %w", align, linuxerr.EINVAL)
	}
	total := size + lead
	if total < size {
		return 0, linuxerr.ENOMEM
	}
	class := classFor(total)
	if class >= len(a.head) {
		return 0, linuxerr.ENOMEM
	}

	if a.head[class] == nilAddr {
		if err := a.refill(class); err != nil {
			return 0, err
		}
	}
	blk := a.head[class]
	a.head[class] = a.loadNext(blk)
	a.freeCount[class]--

	// Blocks are aligned to their class size, and the class is always
	// larger than align, so this is blk+lead.
	ptr := buddy.Addr(roundUp(uint64(blk)+HeaderSize, align))
	pad := uint64(ptr) - uint64(blk) - HeaderSize

	hdr := a.pages.Bytes(ptr-HeaderSize, HeaderSize)
	hdr[hdrMagic] = magic
	hdr[hdrClass] = uint8(class)
	binary.LittleEndian.PutUint32(hdr[hdrPad:], uint32(pad))
	hdr[hdrOwner] = uint8(owner)

	st := &a.owners[owner]
	st.Allocs++
	st.BytesLive += ClassSize(class)
	return ptr, nil
}

// Calloc allocates n*size zeroed bytes.
func (a *Allocator) Calloc(n, size, align uint64, owner Owner) (buddy.Addr, error) {
	if n != 0 && size > ^uint64(0)/n {
		return 0, linuxerr.ENOMEM
	}
	ptr, err := a.Alloc(n*size, align, owner)
	if err != nil {
		return 0, err
	}
	clear(a.pages.Bytes(ptr, n*size))
	return ptr, nil
}

// Free releases ptr, which must have been allocated for owner.
func (a *Allocator) Free(ptr buddy.Addr, owner Owner) {
	class, pad, ok := a.header(ptr)
	if !ok {
		if a.cfg.StrictMagic {
			halt.Haltf("bucket: free of %#x: corrupt header or foreign pointer", ptr)
		}
		log.Warningf("bucket: ignoring free of %#x: corrupt header or foreign pointer", ptr)
		return
	}
	hdr := a.pages.Bytes(ptr-HeaderSize, HeaderSize)
	if got := Owner(hdr[hdrOwner]); got != owner {
		halt.Haltf("bucket: free of %#x by %v, allocated by %v", ptr, owner, got)
	}
	hdr[hdrMagic] = 0

	st := &a.owners[owner]
	st.Frees++
	st.BytesLive -= ClassSize(class)

	blk := ptr - buddy.Addr(pad) - HeaderSize
	a.storeNext(blk, a.head[class])
	a.head[class] = blk
	a.freeCount[class]++
}

// Realloc resizes ptr to newSize. The same pointer comes back when the
// current class already fits; blocks are never shrunk in place.
func (a *Allocator) Realloc(ptr buddy.Addr, newSize uint64, owner Owner) (buddy.Addr, error) {
	if ptr == 0 {
		return a.Alloc(newSize, MinAlign, owner)
	}
	usable := a.UsableSize(ptr)
	if newSize <= usable {
		return ptr, nil
	}
	_, pad, _ := a.header(ptr)
	// Keep the original alignment.
	align := uint64(MinAlign)
	for align < pad+HeaderSize {
		align <<= 1
	}
	np, err := a.Alloc(newSize, align, owner)
	if err != nil {
		return 0, err
	}
	copy(a.pages.Bytes(np, usable), a.pages.Bytes(ptr, usable))
	a.Free(ptr, owner)
	return np, nil
}

// UsableSize returns the number of bytes usable at ptr. A corrupt header
// halts.
func (a *Allocator) UsableSize(ptr buddy.Addr) uint64 {
	class, pad, ok := a.header(ptr)
	if !ok {
		halt.Haltf("bucket: size of %#x: corrupt header or foreign pointer", ptr)
	}
	return ClassSize(class) - pad - HeaderSize
}

// Bytes returns n bytes of memory at ptr.
func (a *Allocator) Bytes(ptr buddy.Addr, n uint64) []byte {
	return a.pages.Bytes(ptr, n)
}

// Stats returns a snapshot of the accounting.
func (a *Allocator) Stats() Stats {
	st := Stats{
		Owners:       make(map[string]OwnerStats),
		PagesClaimed: a.pagesClaimed,
		FreeBlocks:   make([]int, len(a.freeCount)),
	}
	copy(st.FreeBlocks, a.freeCount)
	for o := OwnerWired; int(o) < numOwners; o++ {
		st.Owners[o.String()] = a.owners[o]
	}
	return st
}

// OwnerStats returns the accounting for one owner.
func (a *Allocator) OwnerStats(o Owner) OwnerStats {
	if o == 0 || int(o) >= numOwners {
		return OwnerStats{}
	}
	return a.owners[o]
}

// refill carves a fresh page, or a larger buddy block, into class blocks.
func (a *Allocator) refill(class int) error {
	sz := ClassSize(class)
	order, nblks := 0, uint64(1)
	if sz < a.pages.PageSize() {
		nblks = a.pages.PageSize() / sz
	} else {
		order = a.pages.OrderFor(sz)
	}
	base, ok := a.pages.Alloc(order)
	if !ok {
		if log.IsLogging(log.Debug) {
			log.Debugf("bucket: no pages for class %d (order %d)", class, order)
		}
		return linuxerr.ENOMEM
	}
	a.pagesClaimed += 1 << uint(order)

	for i := nblks; i > 0; i-- {
		blk := base + buddy.Addr((i-1)*sz)
		a.storeNext(blk, a.head[class])
		a.head[class] = blk
	}
	a.freeCount[class] += int(nblks)
	return nil
}

// header validates and decodes the header in front of ptr.
func (a *Allocator) header(ptr buddy.Addr) (class int, pad uint64, ok bool) {
	if ptr < HeaderSize || !a.pages.Allocated(ptr-HeaderSize) || !a.pages.Allocated(ptr) {
		return 0, 0, false
	}
	hdr := a.pages.Bytes(ptr-HeaderSize, HeaderSize)
	if hdr[hdrMagic] != magic {
		return 0, 0, false
	}
	class = int(hdr[hdrClass])
	pad = uint64(binary.LittleEndian.Uint32(hdr[hdrPad:]))
	if class >= len(a.head) || pad+HeaderSize >= ClassSize(class) {
		return 0, 0, false
	}
	// Blocks are aligned to their class size.
	if blk := uint64(ptr) - pad - HeaderSize; blk%ClassSize(class) != 0 {
		return 0, 0, false
	}
	return class, pad, true
}

func (a *Allocator) loadNext(blk buddy.Addr) buddy.Addr {
	return buddy.Addr(binary.LittleEndian.Uint64(a.pages.Bytes(blk, 8)))
}

func (a *Allocator) storeNext(blk, next buddy.Addr) {
	binary.LittleEndian.PutUint64(a.pages.Bytes(blk, 8), uint64(next))
}

// classFor returns the smallest class holding n bytes.
func classFor(n uint64) int {
	if n <= 1<<MinShift {
		return 0
	}
	return bits.Len64(n-1) - MinShift
}

func roundUp(x, align uint64) uint64 {
	return (x + align - 1) &^ (align - 1)
}
