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

package bucket

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"gvisor.dev/gvisor/pkg/errors/linuxerr"

	"github.com/nerdsane/rumpcore/pkg/buddy"
	"github.com/nerdsane/rumpcore/pkg/halt"
	"github.com/nerdsane/rumpcore/pkg/rand"
)

func newTestAllocator(t *testing.T, pages uint64, cfg Config) (*Allocator, *buddy.Allocator) {
	t.Helper()
	pa := buddy.New(buddy.Config{PageShift: buddy.DefaultPageShift, MaxOrder: 8})
	if err := pa.Init(0x200000, pages<<buddy.DefaultPageShift); err != nil {
		t.Fatalf("buddy Init failed: %v", err)
	}
	return New(cfg, pa), pa
}

func TestAlloc64Align16(t *testing.T) {
	a, _ := newTestAllocator(t, 16, DefaultConfig())

	p, err := a.Alloc(64, 16, OwnerKernel)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if p%16 != 0 {
		t.Errorf("pointer %#x is not 16-byte aligned", p)
	}
	hdr := a.Bytes(p-HeaderSize, HeaderSize)
	if hdr[hdrMagic] != magic {
		t.Errorf("header magic = %#x, want %#x", hdr[hdrMagic], magic)
	}
	if Owner(hdr[hdrOwner]) != OwnerKernel {
		t.Errorf("header owner = %v, want kernel", Owner(hdr[hdrOwner]))
	}

	a.Free(p, OwnerKernel)
	q, err := a.Alloc(64, 16, OwnerKernel)
	if err != nil {
		t.Fatalf("second Alloc failed: %v", err)
	}
	if q != p {
		t.Errorf("freed block not reused: got %#x, want %#x", q, p)
	}
}

func TestAlignments(t *testing.T) {
	a, _ := newTestAllocator(t, 64, DefaultConfig())
	for _, align := range []uint64{1, 8, 16, 32, 64, 256, 1024, 4096} {
		for _, size := range []uint64{1, 24, 100, 1000, 5000} {
			p, err := a.Alloc(size, align, OwnerUser)
			if err != nil {
				t.Fatalf("Alloc(%d, %d) failed: %v", size, align, err)
			}
			want := align
			if want < MinAlign {
				want = MinAlign
			}
			if uint64(p)%want != 0 {
				t.Errorf("Alloc(%d, %d) = %#x, misaligned", size, align, p)
			}
			if u := a.UsableSize(p); u < size {
				t.Errorf("Alloc(%d, %d): usable %d < size", size, align, u)
			}
			a.Free(p, OwnerUser)
		}
	}
}

func TestLargeAlignmentStaysInsideBlock(t *testing.T) {
	a, _ := newTestAllocator(t, 256, DefaultConfig())
	for _, align := range []uint64{1 << 16, 1 << 17, 1 << 18} {
		p, err := a.Alloc(64, align, OwnerUser)
		if err != nil {
			t.Fatalf("Alloc(64, %#x) failed: %v", align, err)
		}
		if uint64(p)%align != 0 {
			t.Errorf("Alloc(64, %#x) = %#x, misaligned", align, p)
		}
		class := classFor(64 + align)
		blk := uint64(p) - align
		if blk%ClassSize(class) != 0 {
			t.Errorf("Alloc(64, %#x): block %#x not aligned to class size %#x", align, blk, ClassSize(class))
		}
		u := a.UsableSize(p)
		if u < 64 || uint64(p)+u != blk+ClassSize(class) {
			t.Errorf("Alloc(64, %#x): usable %d runs past block end %#x", align, u, blk+ClassSize(class))
		}
		q, err := a.Realloc(p, u, OwnerUser)
		if err != nil || q != p {
			t.Errorf("Realloc to usable size = %#x, %v, want %#x in place", q, err, p)
		}
		a.Free(p, OwnerUser)
	}
	if got := a.OwnerStats(OwnerUser).BytesLive; got != 0 {
		t.Errorf("BytesLive after frees = %d, want 0", got)
	}
	if _, err := a.Alloc(64, 1<<20, OwnerUser); !errors.Is(err, linuxerr.ENOMEM) {
		t.Errorf("Alloc beyond the largest class = %v, want ENOMEM", err)
	}
}

func TestBadAlignment(t *testing.T) {
	a, _ := newTestAllocator(t, 4, DefaultConfig())
	if _, err := a.Alloc(10, 48, OwnerUser); !errors.Is(err, linuxerr.EINVAL) {
		t.Errorf("Alloc with align 48 = %v, want EINVAL", err)
	}
	if _, err := a.Alloc(10, 16, Owner(0)); !errors.Is(err, linuxerr.EINVAL) {
		t.Errorf("Alloc with owner 0 = %v, want EINVAL", err)
	}
	if _, err := a.Alloc(10, 1<<40, OwnerUser); !errors.Is(err, linuxerr.EINVAL) {
		t.Errorf("Alloc with alignment 1<<40 = %v, want EINVAL", err)
	}
}

func TestExhaustion(t *testing.T) {
	a, _ := newTestAllocator(t, 2, DefaultConfig())

	var n int
	for {
		if _, err := a.Alloc(1000, 16, OwnerUser); err != nil {
			if !errors.Is(err, linuxerr.ENOMEM) {
				t.Fatalf("Alloc error = %v, want ENOMEM", err)
			}
			break
		}
		n++
	}
	// Two pages of 1 KiB blocks.
	if n != 8 {
		t.Errorf("allocated %d blocks, want 8", n)
	}
	if _, err := a.Alloc(1<<20, 16, OwnerUser); !errors.Is(err, linuxerr.ENOMEM) {
		t.Errorf("oversized Alloc = %v, want ENOMEM", err)
	}
}

func TestLargeAllocationUsesBuddyOrder(t *testing.T) {
	a, pa := newTestAllocator(t, 64, DefaultConfig())
	before := pa.Stats().FreePages

	p, err := a.Alloc(3*4096, 16, OwnerKernel)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	// 12 KiB plus header rounds to a 16 KiB class: an order-2 block.
	if got := before - pa.Stats().FreePages; got != 4 {
		t.Errorf("pages taken = %d, want 4", got)
	}
	a.Free(p, OwnerKernel)
	q, _ := a.Alloc(3*4096, 16, OwnerKernel)
	if q != p {
		t.Errorf("large block not reused: %#x vs %#x", q, p)
	}
}

func TestMagicCorruptionHalts(t *testing.T) {
	a, _ := newTestAllocator(t, 4, DefaultConfig())
	p, _ := a.Alloc(40, 16, OwnerUser)
	a.Bytes(p-HeaderSize, 1)[0] = 0

	if err := halt.Catch(func() { a.Free(p, OwnerUser) }); err == nil {
		t.Error("free with corrupt magic did not halt")
	}
}

func TestMagicCorruptionIgnoredWhenLenient(t *testing.T) {
	a, _ := newTestAllocator(t, 4, Config{StrictMagic: false})
	p, _ := a.Alloc(40, 16, OwnerUser)
	a.Bytes(p-HeaderSize, 1)[0] = 0

	if err := halt.Catch(func() { a.Free(p, OwnerUser) }); err != nil {
		t.Errorf("lenient free halted: %v", err)
	}
	if st := a.OwnerStats(OwnerUser); st.Frees != 0 {
		t.Errorf("ignored free was counted: %+v", st)
	}
}

func TestDoubleFreeHalts(t *testing.T) {
	a, _ := newTestAllocator(t, 4, DefaultConfig())
	p, _ := a.Alloc(40, 16, OwnerUser)
	a.Free(p, OwnerUser)
	if err := halt.Catch(func() { a.Free(p, OwnerUser) }); err == nil {
		t.Error("double free did not halt")
	}
}

func TestForeignPointerHalts(t *testing.T) {
	a, pa := newTestAllocator(t, 4, DefaultConfig())
	if err := halt.Catch(func() { a.Free(pa.Base()+0x100, OwnerUser) }); err == nil {
		t.Error("free of an unallocated address did not halt")
	}
}

func TestOwnerMismatchHalts(t *testing.T) {
	a, _ := newTestAllocator(t, 4, Config{StrictMagic: false})
	p, _ := a.Alloc(40, 16, OwnerKernel)
	if err := halt.Catch(func() { a.Free(p, OwnerUser) }); err == nil {
		t.Error("free with wrong owner did not halt")
	}
}

func TestReallocKeepsPointerWhenClassFits(t *testing.T) {
	a, _ := newTestAllocator(t, 8, DefaultConfig())
	p, _ := a.Alloc(40, 16, OwnerUser)
	copy(a.Bytes(p, 4), "abcd")

	q, err := a.Realloc(p, a.UsableSize(p), OwnerUser)
	if err != nil {
		t.Fatalf("Realloc failed: %v", err)
	}
	if q != p {
		t.Errorf("Realloc within class moved %#x to %#x", p, q)
	}
	q, _ = a.Realloc(p, 8, OwnerUser)
	if q != p {
		t.Errorf("shrinking Realloc moved %#x to %#x", p, q)
	}
}

func TestReallocGrowCopies(t *testing.T) {
	a, _ := newTestAllocator(t, 8, DefaultConfig())
	p, _ := a.Alloc(40, 64, OwnerUser)
	copy(a.Bytes(p, 40), bytes.Repeat([]byte{0x5a}, 40))

	q, err := a.Realloc(p, 500, OwnerUser)
	if err != nil {
		t.Fatalf("Realloc failed: %v", err)
	}
	if q == p {
		t.Fatal("growing Realloc returned the same pointer")
	}
	if q%64 != 0 {
		t.Errorf("Realloc lost alignment: %#x", q)
	}
	if !bytes.Equal(a.Bytes(q, 40), bytes.Repeat([]byte{0x5a}, 40)) {
		t.Error("Realloc did not copy contents")
	}
	if err := halt.Catch(func() { a.Free(p, OwnerUser) }); err == nil {
		t.Error("old pointer still valid after Realloc")
	}
}

func TestReallocNil(t *testing.T) {
	a, _ := newTestAllocator(t, 4, DefaultConfig())
	p, err := a.Realloc(0, 10, OwnerUser)
	if err != nil || p == 0 {
		t.Errorf("Realloc(0, 10) = %#x, %v", p, err)
	}
}

func TestCalloc(t *testing.T) {
	a, _ := newTestAllocator(t, 4, DefaultConfig())
	p, _ := a.Alloc(100, 16, OwnerUser)
	copy(a.Bytes(p, 100), bytes.Repeat([]byte{0xff}, 100))
	a.Free(p, OwnerUser)

	q, err := a.Calloc(10, 10, 16, OwnerUser)
	if err != nil {
		t.Fatalf("Calloc failed: %v", err)
	}
	if !bytes.Equal(a.Bytes(q, 100), make([]byte, 100)) {
		t.Error("Calloc memory is not zeroed")
	}
	if _, err := a.Calloc(^uint64(0), 2, 16, OwnerUser); !errors.Is(err, linuxerr.ENOMEM) {
		t.Errorf("overflowing Calloc = %v, want ENOMEM", err)
	}
}

func TestOwnerAccounting(t *testing.T) {
	a, _ := newTestAllocator(t, 8, DefaultConfig())
	p1, _ := a.Alloc(10, 16, OwnerKernel)
	p2, _ := a.Alloc(100, 16, OwnerKernel)
	_, _ = a.Alloc(10, 16, OwnerWired)
	a.Free(p1, OwnerKernel)

	st := a.OwnerStats(OwnerKernel)
	if st.Allocs != 2 || st.Frees != 1 {
		t.Errorf("kernel stats = %+v, want 2 allocs 1 free", st)
	}
	if st.BytesLive != ClassSize(classFor(100+16)) {
		t.Errorf("kernel live bytes = %d, want %d", st.BytesLive, ClassSize(classFor(116)))
	}
	if got := a.Stats().Owners["wired"].Allocs; got != 1 {
		t.Errorf("wired allocs = %d, want 1", got)
	}
	a.Free(p2, OwnerKernel)
}

func TestFreeListThreadedThroughMemory(t *testing.T) {
	a, _ := newTestAllocator(t, 4, DefaultConfig())
	p, _ := a.Alloc(16, 16, OwnerUser)
	q, _ := a.Alloc(16, 16, OwnerUser)
	a.Free(q, OwnerUser)
	a.Free(p, OwnerUser)

	blk := p - 16
	next := buddy.Addr(binary.LittleEndian.Uint64(a.Bytes(blk, 8)))
	if next != q-16 {
		t.Errorf("free list link = %#x, want %#x", next, q-16)
	}
}

func TestRandomChurn(t *testing.T) {
	a, pa := newTestAllocator(t, 128, DefaultConfig())
	rnd := rand.New(3)
	type block struct {
		p    buddy.Addr
		size uint64
		fill byte
	}
	var live []block
	for i := 0; i < 3000; i++ {
		if len(live) > 0 && rnd.Intn(3) == 0 {
			j := rnd.Intn(len(live))
			b := live[j]
			if !bytes.Equal(a.Bytes(b.p, b.size), bytes.Repeat([]byte{b.fill}, int(b.size))) {
				t.Fatalf("block %#x contents clobbered", b.p)
			}
			a.Free(b.p, OwnerUser)
			live = append(live[:j], live[j+1:]...)
			continue
		}
		size := uint64(1 + rnd.Intn(2000))
		align := uint64(1) << uint(rnd.Intn(8))
		p, err := a.Alloc(size, align, OwnerUser)
		if err != nil {
			continue
		}
		fill := byte(i)
		copy(a.Bytes(p, size), bytes.Repeat([]byte{fill}, int(size)))
		live = append(live, block{p, size, fill})
	}
	if err := pa.CheckInvariants(); err != nil {
		t.Errorf("page allocator invariants: %v", err)
	}
}
