// Copyright 2024 The KMA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kma

import (
	"math"
	"testing"
	"unsafe"

	"github.com/cznic/mathutil"
)

// TestAllocateReturnsUsableMemory exercises the package-level contract
// the way a caller actually uses it: Allocate, write through the
// pointer, read it back, Deallocate.
func TestAllocateReturnsUsableMemory(t *testing.T) {
	p := Allocate(128)
	if p == nil {
		t.Fatal("Allocate(128) = nil")
	}
	buf := (*[128]byte)(p)
	for i := range buf {
		buf[i] = byte(i)
	}
	for i := range buf {
		if buf[i] != byte(i) {
			t.Fatalf("byte %d corrupted", i)
		}
	}
	Deallocate(p, 128)
}

// TestConcurrentAllocationsDoNotOverlap allocates several live regions
// at once and checks none of them alias.
func TestConcurrentAllocationsDoNotOverlap(t *testing.T) {
	const n = 20
	const size = 64
	ptrs := make([]unsafe.Pointer, n)
	for i := range ptrs {
		p := Allocate(size)
		if p == nil {
			t.Fatalf("Allocate(%d) #%d = nil", size, i)
		}
		ptrs[i] = p
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if rangesOverlap(ptrs[i], size, ptrs[j], size) {
				t.Fatalf("allocations %d and %d overlap", i, j)
			}
		}
	}
	for _, p := range ptrs {
		Deallocate(p, size)
	}
}

// TestOutOfOrderFree frees a run of allocations in an order unrelated
// to the order they were requested in.
func TestOutOfOrderFree(t *testing.T) {
	a := Allocate(90)
	b := Allocate(90)
	c := Allocate(90)
	if a == nil || b == nil || c == nil {
		t.Fatal("allocation failed")
	}
	Deallocate(b, 90)
	Deallocate(a, 90)
	Deallocate(c, 90)
}

// TestRandomizedAllocateDeallocateTrace drives a seeded random mix of
// mixed-size Allocate/Deallocate calls against the public package-level
// contract, the same mathutil.NewFC32-seeded trace-generation idiom
// the teacher's all_test.go and the rm/bud packages' own randomized
// tests use, checking that no two simultaneously live allocations
// ever overlap.
func TestRandomizedAllocateDeallocateTrace(t *testing.T) {
	rng, err := mathutil.NewFC32(1, math.MaxInt16, true)
	if err != nil {
		t.Fatal(err)
	}
	rng.Seed(5)

	type live struct {
		ptr  unsafe.Pointer
		size int
	}
	var alive []live
	const rounds = 2000
	for i := 0; i < rounds; i++ {
		if len(alive) > 0 && rng.Next()%3 == 0 {
			idx := int(rng.Next()) % len(alive)
			Deallocate(alive[idx].ptr, alive[idx].size)
			alive[idx] = alive[len(alive)-1]
			alive = alive[:len(alive)-1]
			continue
		}
		size := int(rng.Next())%300 + 1
		p := Allocate(size)
		if p == nil {
			continue
		}
		for _, l := range alive {
			if rangesOverlap(p, size, l.ptr, l.size) {
				t.Fatalf("round %d: new allocation overlaps a live one", i)
			}
		}
		alive = append(alive, live{p, size})
	}
	for _, l := range alive {
		Deallocate(l.ptr, l.size)
	}
}

func rangesOverlap(a unsafe.Pointer, alen int, b unsafe.Pointer, blen int) bool {
	as, ae := uintptr(a), uintptr(a)+uintptr(alen)
	bs, be := uintptr(b), uintptr(b)+uintptr(blen)
	return as < be && bs < ae
}
