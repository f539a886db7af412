// Copyright 2024 The KMA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rm

import (
	"math"
	"testing"
	"unsafe"

	"github.com/cznic/mathutil"

	"github.com/djl605/kma/pager"
)

// S1: a single allocate/deallocate pair leaves no pages outstanding.
func TestSeedS1(t *testing.T) {
	a := New()
	p := a.Allocate(100)
	if p == nil {
		t.Fatal("Allocate(100) = nil")
	}
	a.Deallocate(p, 100)
	if n := a.Pager().Outstanding(); n != 0 {
		t.Fatalf("Outstanding() = %d, want 0", n)
	}
}

// S2: a request of exactly PageSize can never fit once metadata is
// accounted for.
func TestSeedS2Oversize(t *testing.T) {
	a := New()
	if p := a.Allocate(pager.PageSize); p != nil {
		t.Fatalf("Allocate(PageSize) = %p, want nil", p)
	}
	if n := a.Pager().Outstanding(); n != 0 {
		t.Fatalf("oversize request acquired a page: Outstanding() = %d", n)
	}
}

// S3: two 4000-byte requests both succeed and never overlap.
func TestSeedS3TwoAllocations(t *testing.T) {
	a := New()
	x := a.Allocate(4000)
	y := a.Allocate(4000)
	if x == nil || y == nil {
		t.Fatal("allocation failed")
	}
	if x == y {
		t.Fatal("two live allocations returned the same pointer")
	}
	if rangesOverlap(x, 4000, y, 4000) {
		t.Fatal("live allocations overlap")
	}
}

// S5: ten same-size allocations, freed in reverse order, never leak a
// page.
func TestSeedS5StackDiscipline(t *testing.T) {
	a := New()
	var ptrs []unsafe.Pointer
	for i := 0; i < 10; i++ {
		p := a.Allocate(200)
		if p == nil {
			t.Fatalf("Allocate(200) #%d = nil", i)
		}
		ptrs = append(ptrs, p)
	}
	for i := len(ptrs) - 1; i >= 0; i-- {
		a.Deallocate(ptrs[i], 200)
	}
	if n := a.Pager().Outstanding(); n != 0 {
		t.Fatalf("Outstanding() = %d, want 0", n)
	}
}

// S6: freeing in a different order than allocation still converges to
// zero outstanding pages.
func TestSeedS6OutOfOrderFree(t *testing.T) {
	a := New()
	x := a.Allocate(100)
	y := a.Allocate(100)
	a.Deallocate(x, 100)
	z := a.Allocate(100)
	a.Deallocate(y, 100)
	a.Deallocate(z, 100)
	if n := a.Pager().Outstanding(); n != 0 {
		t.Fatalf("Outstanding() = %d, want 0", n)
	}
}

func rangesOverlap(a unsafe.Pointer, alen int, b unsafe.Pointer, blen int) bool {
	as, ae := uintptr(a), uintptr(a)+uintptr(alen)
	bs, be := uintptr(b), uintptr(b)+uintptr(blen)
	return as < be && bs < ae
}

// Property: after every Deallocate, no same-page adjacent pair of
// block headers is both unused.
func noAdjacentFreePair(t *testing.T, a *Allocator) {
	t.Helper()
	b := a.first
	for b != nil {
		if b.next != nil && samePage(b, b.next) && !b.used && !b.next.used {
			t.Fatalf("adjacent unused blocks at %p and %p", b, b.next)
		}
		b = b.next
	}
}

func TestRandomizedTraceNeverLeaksAndNeverLeavesAdjacentFree(t *testing.T) {
	rng, err := mathutil.NewFC32(1, math.MaxInt16, true)
	if err != nil {
		t.Fatal(err)
	}
	rng.Seed(7)

	a := New()
	type live struct {
		ptr  unsafe.Pointer
		size int
	}
	var alive []live
	const rounds = 4000
	for i := 0; i < rounds; i++ {
		if len(alive) > 0 && rng.Next()%3 == 0 {
			idx := int(rng.Next()) % len(alive)
			a.Deallocate(alive[idx].ptr, alive[idx].size)
			alive[idx] = alive[len(alive)-1]
			alive = alive[:len(alive)-1]
			noAdjacentFreePair(t, a)
			continue
		}
		size := int(rng.Next())%300 + 1
		p := a.Allocate(size)
		if p == nil {
			continue
		}
		alive = append(alive, live{p, size})
	}
	for _, l := range alive {
		a.Deallocate(l.ptr, l.size)
	}
	noAdjacentFreePair(t, a)
	if n := a.Pager().Outstanding(); n != 0 {
		t.Fatalf("Outstanding() = %d, want 0 after full drain", n)
	}
}

func TestContentsSurviveRoundTrip(t *testing.T) {
	a := New()
	p := a.Allocate(64)
	if p == nil {
		t.Fatal("Allocate(64) = nil")
	}
	buf := (*[64]byte)(p)
	for i := range buf {
		buf[i] = byte(i * 7)
	}
	for i := range buf {
		if buf[i] != byte(i*7) {
			t.Fatalf("byte %d corrupted before Deallocate", i)
		}
	}
	a.Deallocate(p, 64)
}
