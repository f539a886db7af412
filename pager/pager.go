// Copyright 2024 The KMA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pager implements the page provider boundary: acquiring and
// releasing page-granular, page-aligned regions of anonymous memory.
//
// A Pager hands out whole pages and never subdivides them; that is
// the job of the allocators built on top (see the rm and bud
// packages). The page returned to a caller is entirely theirs — the
// Pager keeps no header inside it, only an entry in its own
// bookkeeping map keyed by the page's base address, the same trick
// used by github.com/cznic/memory's Allocator.regs.
package pager

import (
	"errors"
	"unsafe"
)

// pageSizeLog is chosen to match spec.md's seed scenarios
// (PAGE_SIZE = 8192) rather than os.Getpagesize(); the allocators
// built on this package assume a fixed, compile-time-visible
// PageSize, not whatever the host OS page size happens to be.
const pageSizeLog = 13

// PageSize is the fixed size of every page this package hands out.
// It is a power of two, visible at compile time, matching spec.md §6.
const PageSize = 1 << pageSizeLog

const pageMask = PageSize - 1

// ErrNoMemory is returned by AcquirePage on Unix-like hosts when the
// host cannot satisfy an anonymous mapping request. On Windows the
// underlying syscall error is returned instead.
var ErrNoMemory = errors.New("pager: cannot acquire page")

// PageHandle is the opaque identity token used to release a page.
// For this Pager it is simply the page's base address recast as an
// untyped pointer: self-describing, exactly as spec.md §9 calls for,
// with no side table required to go from address to handle.
type PageHandle unsafe.Pointer

// Pager acquires and releases PageSize-aligned regions of memory. Its
// zero value is ready for use.
type Pager struct {
	live map[PageHandle]int // handle -> byte length, for accounting and double-release detection
}

// AcquirePage reserves one fresh page and returns its handle together
// with a pointer to its first byte. For this Pager the two are the
// same address; callers must not rely on that being true of every
// Pager implementation.
func (p *Pager) AcquirePage() (handle PageHandle, base unsafe.Pointer, err error) {
	if trace {
		defer func() {
			tracef("AcquirePage() -> %p, %v", base, err)
		}()
	}
	b, err := mmap(PageSize)
	if err != nil {
		return nil, nil, err
	}
	base = unsafe.Pointer(&b[0])
	if uintptr(base)&pageMask != 0 {
		panic("pager: mmap returned an unaligned page")
	}
	handle = PageHandle(base)
	if p.live == nil {
		p.live = map[PageHandle]int{}
	}
	p.live[handle] = len(b)
	return handle, base, nil
}

// ReleasePage returns a page previously obtained from AcquirePage. The
// caller must not dereference any pointer into the page afterwards.
func (p *Pager) ReleasePage(handle PageHandle) error {
	if trace {
		defer func() { tracef("ReleasePage(%p)", unsafe.Pointer(handle)) }()
	}
	size, ok := p.live[handle]
	if !ok {
		panic("pager: release of an unknown or already-released page")
	}
	delete(p.live, handle)
	return unmap(unsafe.Pointer(handle), size)
}

// Outstanding reports the number of pages currently held by the
// caller, net of AcquirePage/ReleasePage pairs. Used by tests to
// confirm spec.md §8 property 3 (page conservation).
func (p *Pager) Outstanding() int { return len(p.live) }

// BaseOf returns the base address of the page containing ptr. It is
// pure and constant-time, and defined for any pointer inside a live
// page, matching spec.md §6's base_of contract.
func BaseOf(ptr unsafe.Pointer) unsafe.Pointer {
	return unsafe.Pointer(uintptr(ptr) &^ uintptr(pageMask))
}
