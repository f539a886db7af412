// Copyright 2024 The KMA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package rm implements a first-fit resource-map allocator over
// page-granular storage from the pager package.
//
// Each data page begins with a stored copy of its pager.PageHandle,
// followed by a sequence of Blocks. Each Block begins with a header
// {prev, next, used}: two links threading a single global
// doubly-linked list across every block on every page, plus a used
// flag. Within a page the list runs in ascending address order; pages
// are chained in the order they were acquired, not by address. A block's usable capacity is the
// distance from the byte after its header to either the next header
// on the same page or the end of the page, whichever comes first.
// Coalescing on free is restricted to same-page neighbors; the global
// list itself may be walked across page boundaries.
//
// Allocator's zero value is ready for use.
package rm

import (
	"unsafe"

	"github.com/djl605/kma/pager"
)

// blockHeader is the in-band metadata prefixing every block. Its Go
// layout (two 8-byte pointers plus a padded bool) is larger than the
// 12-byte packed header of the original C project; nothing in this
// package's behavior depends on the header's exact byte width, only
// on headerSize being computed consistently everywhere it is used.
type blockHeader struct {
	prev, next *blockHeader
	used       bool
}

var (
	headerSize = unsafe.Sizeof(blockHeader{})
	handleSize = unsafe.Sizeof(pager.PageHandle(nil))
	// maxAllocSize is the largest request a single page can ever
	// satisfy: the page minus the stored handle minus one header.
	maxAllocSize = pager.PageSize - int(headerSize) - int(handleSize)
)

// Allocator is a first-fit resource-map allocator. Its zero value is
// ready for use.
type Allocator struct {
	pager pager.Pager
	// first is the head of the global block list: the first block of
	// the first page ever acquired, or nil before any allocation has
	// happened. It plays the role of the original algorithm's
	// firstPage global, adapted to point at the block rather than
	// the page handle since Go pointer arithmetic makes recovering
	// one from the other equally cheap via pager.BaseOf.
	first *blockHeader
}

// New returns a ready-to-use Allocator. Equivalent to new(Allocator).
func New() *Allocator { return &Allocator{} }

// Pager exposes the underlying page provider, mainly so tests can
// assert on Outstanding() without the allocator needing its own
// page-accounting surface.
func (a *Allocator) Pager() *pager.Pager { return &a.pager }

func samePage(x, y *blockHeader) bool {
	return pager.BaseOf(unsafe.Pointer(x)) == pager.BaseOf(unsafe.Pointer(y))
}

func calcBlockSize(b *blockHeader) int {
	if b.next != nil && samePage(b, b.next) {
		return int(uintptr(unsafe.Pointer(b.next)) - uintptr(unsafe.Pointer(b)) - headerSize)
	}
	endOfPage := uintptr(pager.BaseOf(unsafe.Pointer(b))) + pager.PageSize
	return int(endOfPage - uintptr(unsafe.Pointer(b)) - headerSize)
}

func handleAt(base unsafe.Pointer) *pager.PageHandle {
	return (*pager.PageHandle)(base)
}

func firstBlockOf(base unsafe.Pointer) *blockHeader {
	return (*blockHeader)(unsafe.Pointer(uintptr(base) + handleSize))
}

// newPage acquires one page from the Pager, stamps its handle at
// offset 0 and returns the single unused block header that covers the
// rest of it.
func (a *Allocator) newPage() (*blockHeader, error) {
	handle, base, err := a.pager.AcquirePage()
	if err != nil {
		return nil, err
	}
	*handleAt(base) = handle
	head := firstBlockOf(base)
	head.prev = nil
	head.next = nil
	head.used = false
	return head, nil
}

// Allocate returns a pointer to a usable region of at least size
// bytes, or nil if the request cannot be served by any single page.
func (a *Allocator) Allocate(size int) (ret unsafe.Pointer) {
	if trace {
		defer func() { tracef("Allocate(%#x) -> %p", size, ret) }()
	}
	if size > maxAllocSize {
		return nil
	}

	if a.first == nil {
		first, err := a.newPage()
		if err != nil {
			return nil
		}
		a.first = first
	}

	block := a.first
	for block.used || calcBlockSize(block) < size {
		if block.next == nil {
			next, err := a.newPage()
			if err != nil {
				return nil
			}
			block.next = next
			next.prev = block
		}
		block = block.next
	}
	block.used = true

	newNext := (*blockHeader)(unsafe.Pointer(uintptr(unsafe.Pointer(block)) + headerSize + uintptr(size)))

	var available int
	if block.next != nil && samePage(block, block.next) {
		available = int(uintptr(unsafe.Pointer(block.next)) - uintptr(unsafe.Pointer(newNext)))
	} else {
		available = int(uintptr(pager.BaseOf(unsafe.Pointer(block))) + pager.PageSize - uintptr(unsafe.Pointer(newNext)))
	}

	if available > int(headerSize) {
		newNext.prev = block
		newNext.next = block.next
		newNext.used = false
		block.next = newNext
		if newNext.next != nil {
			newNext.next.prev = newNext
		}
	}

	return unsafe.Pointer(uintptr(unsafe.Pointer(block)) + headerSize)
}

// Deallocate restores the block at ptr to the allocator, coalescing
// with same-page neighbors. size is accepted for interface stability
// with the public kma contract but is otherwise unused: the block's
// extent is always recoverable from the list itself.
func (a *Allocator) Deallocate(ptr unsafe.Pointer, _ int) {
	if trace {
		tracef("Deallocate(%p)", ptr)
	}
	cur := (*blockHeader)(unsafe.Pointer(uintptr(ptr) - headerSize))

	prevFree := cur.prev != nil && samePage(cur, cur.prev) && !cur.prev.used
	nextFree := cur.next != nil && samePage(cur, cur.next) && !cur.next.used

	switch {
	case prevFree && nextFree:
		cur.prev.next = cur.next.next
		if cur.next.next != nil {
			cur.next.next.prev = cur.prev
		}
	case prevFree:
		cur.prev.next = cur.next
		if cur.next != nil {
			cur.next.prev = cur.prev
		}
	default:
		cur.used = false
		if nextFree {
			cur.next = cur.next.next
			if cur.next != nil {
				cur.next.prev = cur
			}
		}
	}

	base := pager.BaseOf(unsafe.Pointer(cur))
	pageHead := firstBlockOf(base)
	if calcBlockSize(pageHead) < maxAllocSize || pageHead.used {
		return
	}

	if pageHead == a.first {
		if pageHead.next == nil {
			a.first = nil
		} else {
			a.first = firstBlockOf(pager.BaseOf(unsafe.Pointer(pageHead.next)))
		}
	}
	if pageHead.prev != nil {
		pageHead.prev.next = pageHead.next
	}
	if pageHead.next != nil {
		pageHead.next.prev = pageHead.prev
	}

	handle := *handleAt(base)
	a.pager.ReleasePage(handle)
}
