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

// Package buddy implements the binary buddy page allocator that owns the
// unikernel's flat memory region.
//
// Free chunks are kept on per-order intrusive lists. Every free chunk
// records its order twice, once against its first page (header) and once
// against its last page (trailer), so that a buddy on either side can be
// validated and unlinked in O(1). A bitmap holds one bit per page, set
// while the page is allocated.
//
// The allocator never blocks and is not locked: it relies on the single
// execution context of the scheduler. Calling it from an interrupt handler
// while a foreground allocation is in progress is not allowed.
package buddy

import (
	"fmt"
	"math/bits"

	"gvisor.dev/gvisor/pkg/bitmap"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/ilist"
	"gvisor.dev/gvisor/pkg/log"

	"github.com/nerdsane/rumpcore/pkg/halt"
)

// Addr is an address inside the managed region.
type Addr uint64

const (
	// DefaultPageShift gives 4 KiB pages.
	DefaultPageShift = 12

	// DefaultMaxOrder is the largest block order kept on a free list.
	DefaultMaxOrder = 18

	noOrder = -1
)

// Config configures an Allocator.
type Config struct {
	// PageShift is log2 of the page size.
	PageShift uint

	// MaxOrder is the largest order; blocks never coalesce past it.
	MaxOrder int
}

// DefaultConfig returns 4 KiB pages and DefaultMaxOrder.
func DefaultConfig() Config {
	return Config{
		PageShift: DefaultPageShift,
		MaxOrder:  DefaultMaxOrder,
	}
}

// chunk is the side-table descriptor of a free chunk starting at page.
type chunk struct {
	ilist.Entry

	page  uint32
	order int
}

// Allocator is a binary buddy allocator.
type Allocator struct {
	cfg      Config
	pageSize uint64

	initialized bool

	// base is the address of page 0.
	base   Addr
	npages uint32

	// mem backs the region.
	mem []byte

	// allocated has a bit per page, set while allocated.
	allocated bitmap.Bitmap

	// chunks is indexed by page; only entries for chunk heads are linked.
	chunks []chunk

	// headOrder[p] is the order of the free chunk starting at p, or noOrder.
	headOrder []int8
	// tailOrder[p] is the order of the free chunk ending at p, or noOrder.
	tailOrder []int8

	free      []ilist.List
	freeCount []int
	freePages uint64
}

// New returns an uninitialized allocator.
func New(cfg Config) *Allocator {
	if cfg.PageShift == 0 {
		cfg.PageShift = DefaultPageShift
	}
	if cfg.MaxOrder <= 0 {
		cfg.MaxOrder = DefaultMaxOrder
	}
	return &Allocator{
		cfg:       cfg,
		pageSize:  1 << cfg.PageShift,
		free:      make([]ilist.List, cfg.MaxOrder+1),
		freeCount: make([]int, cfg.MaxOrder+1),
	}
}

// Init takes ownership of [base, base+size). Partial pages at either end
// are dropped, and the rest is cut into maximal aligned power-of-two
// chunks. Calling Init twice halts.
func (a *Allocator) Init(base Addr, size uint64) error {
	if a.initialized {
		halt.Haltf("buddy: Init called twice")
	}

	start := roundUp(uint64(base), a.pageSize)
	end := roundDown(uint64(base)+size, a.pageSize)
	if end <= start {
		return fmt.Errorf("buddy: region %#x+%#x holds no whole page: %w", base, size, linuxerr.EINVAL)
	}

	a.base = Addr(start)
	a.npages = uint32((end - start) / a.pageSize)
	a.mem = make([]byte, end-start)
	a.allocated = bitmap.New(a.npages)
	a.chunks = make([]chunk, a.npages)
	a.headOrder = make([]int8, a.npages)
	a.tailOrder = make([]int8, a.npages)
	for i := range a.headOrder {
		a.headOrder[i] = noOrder
		a.tailOrder[i] = noOrder
	}
	a.initialized = true

	for cur := start; cur < end; {
		order := 0
		for order < a.cfg.MaxOrder {
			sz := a.pageSize << uint(order+1)
			if cur%sz != 0 || cur+sz > end {
				break
			}
			order++
		}
		a.link(a.pageOf(Addr(cur)), order)
		a.freePages += 1 << uint(order)
		cur += a.pageSize << uint(order)
	}

	log.Infof("buddy: managing %d pages at %#x, max order %d", a.npages, a.base, a.cfg.MaxOrder)
	return nil
}

// PageSize returns the page size in bytes.
func (a *Allocator) PageSize() uint64 {
	return a.pageSize
}

// MaxOrder returns the largest supported order.
func (a *Allocator) MaxOrder() int {
	return a.cfg.MaxOrder
}

// Base returns the address of the first managed page.
func (a *Allocator) Base() Addr {
	return a.base
}

// NumPages returns the number of managed pages.
func (a *Allocator) NumPages() uint32 {
	return a.npages
}

// OrderFor returns the smallest order whose block holds n bytes. The
// result may exceed MaxOrder, in which case Alloc fails.
func (a *Allocator) OrderFor(n uint64) int {
	if n <= a.pageSize {
		return 0
	}
	pages := (n-1)/a.pageSize + 1
	return bits.Len64(pages - 1)
}

// Alloc returns a block of 2^order pages. It returns false when no free
// block is large enough; callers must not expect a retry to succeed.
func (a *Allocator) Alloc(order int) (Addr, bool) {
	if !a.initialized || order < 0 || order > a.cfg.MaxOrder {
		return 0, false
	}

	i := order
	for i <= a.cfg.MaxOrder && a.free[i].Empty() {
		i++
	}
	if i > a.cfg.MaxOrder {
		if log.IsLogging(log.Debug) {
			log.Debugf("buddy: out of memory for order %d (%d pages free)", order, a.freePages)
		}
		return 0, false
	}

	c := a.free[i].Front().(*chunk)
	page := c.page
	a.unlink(c)

	// Keep the low half, hand the upper halves down.
	for i > order {
		i--
		a.link(page+1<<uint(i), i)
	}

	n := uint32(1) << uint(order)
	for p := page; p < page+n; p++ {
		a.allocated.Add(p)
	}
	a.freePages -= uint64(n)
	return a.addrOf(page), true
}

// Free returns a block previously obtained from Alloc with the same order
// and coalesces it with free buddies. Freeing a block that is not fully
// allocated halts.
func (a *Allocator) Free(addr Addr, order int) {
	if order < 0 || order > a.cfg.MaxOrder {
		halt.Haltf("buddy: free of %#x with invalid order %d", addr, order)
	}
	if !a.contains(addr, order) || uint64(addr)%(a.pageSize<<uint(order)) != 0 {
		halt.Haltf("buddy: free of %#x order %d outside region or misaligned", addr, order)
	}

	page := a.pageOf(addr)
	n := uint32(1) << uint(order)
	for p := page; p < page+n; p++ {
		if !a.isAllocated(p) {
			halt.Haltf("buddy: double free of page %#x", a.addrOf(p))
		}
		a.allocated.Remove(p)
	}
	a.freePages += uint64(n)

	for order < a.cfg.MaxOrder {
		buddy := Addr(uint64(addr) ^ (a.pageSize << uint(order)))
		if !a.contains(buddy, order) {
			break
		}
		bp := a.pageOf(buddy)
		last := bp + 1<<uint(order) - 1
		// A matching header alone could belong to a larger free chunk that
		// starts at the same page; the trailer rules that out.
		if a.isAllocated(bp) || int(a.headOrder[bp]) != order || int(a.tailOrder[last]) != order {
			break
		}
		a.unlink(&a.chunks[bp])
		if buddy < addr {
			addr = buddy
		}
		order++
	}
	a.link(a.pageOf(addr), order)
}

// Bytes returns the n bytes of the region starting at addr.
func (a *Allocator) Bytes(addr Addr, n uint64) []byte {
	if addr < a.base {
		halt.Haltf("buddy: address %#x below region", addr)
	}
	off := uint64(addr - a.base)
	if off+n > uint64(len(a.mem)) || off+n < off {
		halt.Haltf("buddy: range %#x+%#x outside region", addr, n)
	}
	return a.mem[off : off+n : off+n]
}

// Allocated reports whether the page containing addr is allocated.
func (a *Allocator) Allocated(addr Addr) bool {
	if !a.initialized || addr < a.base {
		return false
	}
	page := uint64(addr-a.base) / a.pageSize
	if page >= uint64(a.npages) {
		return false
	}
	return a.isAllocated(uint32(page))
}

// Stats describes the allocator occupancy.
type Stats struct {
	TotalPages uint64 `json:"total_pages"`
	FreePages  uint64 `json:"free_pages"`
	// FreeChunks[o] is the length of the order-o free list.
	FreeChunks []int `json:"free_chunks"`
}

// Stats returns the current occupancy.
func (a *Allocator) Stats() Stats {
	fc := make([]int, len(a.freeCount))
	copy(fc, a.freeCount)
	return Stats{
		TotalPages: uint64(a.npages),
		FreePages:  a.freePages,
		FreeChunks: fc,
	}
}

// FreeChunk is one entry of a free list.
type FreeChunk struct {
	Addr  Addr `json:"addr"`
	Order int  `json:"order"`
}

// FreeLists returns the free lists in list order, indexed by order.
func (a *Allocator) FreeLists() [][]FreeChunk {
	out := make([][]FreeChunk, len(a.free))
	for o := range a.free {
		for e := a.free[o].Front(); e != nil; e = e.Next() {
			c := e.(*chunk)
			out[o] = append(out[o], FreeChunk{Addr: a.addrOf(c.page), Order: c.order})
		}
	}
	return out
}

// CheckInvariants verifies that a page is marked allocated exactly when no
// free chunk covers it, and that headers and trailers agree with the lists.
func (a *Allocator) CheckInvariants() error {
	covered := make([]bool, a.npages)
	var free uint64
	for o := range a.free {
		count := 0
		for e := a.free[o].Front(); e != nil; e = e.Next() {
			c := e.(*chunk)
			count++
			if c.order != o {
				return fmt.Errorf("chunk at page %d has order %d on list %d", c.page, c.order, o)
			}
			n := uint32(1) << uint(o)
			if c.page+n > a.npages {
				return fmt.Errorf("chunk at page %d order %d overruns region", c.page, o)
			}
			if int(a.headOrder[c.page]) != o || int(a.tailOrder[c.page+n-1]) != o {
				return fmt.Errorf("chunk at page %d order %d: header %d trailer %d", c.page, o, a.headOrder[c.page], a.tailOrder[c.page+n-1])
			}
			for p := c.page; p < c.page+n; p++ {
				if covered[p] {
					return fmt.Errorf("page %d on two free chunks", p)
				}
				covered[p] = true
			}
			free += uint64(n)
		}
		if count != a.freeCount[o] {
			return fmt.Errorf("order %d: list length %d, count %d", o, count, a.freeCount[o])
		}
	}
	for p := uint32(0); p < a.npages; p++ {
		if a.isAllocated(p) == covered[p] {
			return fmt.Errorf("page %d: allocated=%v but on free list=%v", p, a.isAllocated(p), covered[p])
		}
	}
	if free != a.freePages {
		return fmt.Errorf("free pages %d, counter %d", free, a.freePages)
	}
	return nil
}

func (a *Allocator) link(page uint32, order int) {
	c := &a.chunks[page]
	c.page = page
	c.order = order
	a.headOrder[page] = int8(order)
	a.tailOrder[page+1<<uint(order)-1] = int8(order)
	a.free[order].PushFront(c)
	a.freeCount[order]++
}

func (a *Allocator) unlink(c *chunk) {
	a.free[c.order].Remove(c)
	a.freeCount[c.order]--
	a.headOrder[c.page] = noOrder
	a.tailOrder[c.page+1<<uint(c.order)-1] = noOrder
}

// contains reports whether the whole order-sized block at addr is managed.
func (a *Allocator) contains(addr Addr, order int) bool {
	if !a.initialized || addr < a.base {
		return false
	}
	off := uint64(addr - a.base)
	return off%a.pageSize == 0 && off/a.pageSize+(1<<uint(order)) <= uint64(a.npages)
}

// isAllocated reports whether page p is marked in the allocation bitmap.
func (a *Allocator) isAllocated(p uint32) bool {
	v, err := a.allocated.FirstOne(p)
	return err == nil && v == p
}

func (a *Allocator) pageOf(addr Addr) uint32 {
	return uint32(uint64(addr-a.base) / a.pageSize)
}

func (a *Allocator) addrOf(page uint32) Addr {
	return a.base + Addr(uint64(page)*a.pageSize)
}

func roundUp(x, align uint64) uint64 {
	return (x + align - 1) &^ (align - 1)
}

func roundDown(x, align uint64) uint64 {
	return x &^ (align - 1)
}
