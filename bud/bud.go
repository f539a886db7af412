// Copyright 2024 The KMA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bud implements a buddy allocator over page-granular storage
// from the pager package.
//
// Each data page is one buddy arena of PageSize. A block is a
// naturally aligned power-of-two sub-region carrying a tiny in-band
// header {size, used}; its buddy is found by toggling the bit of its
// offset corresponding to its size. Unlike the rm package, free-block
// bookkeeping cannot live inside the arenas themselves (it would be
// overwritten the moment a block is reused) so it lives out of band,
// on dedicated bookkeeping pages acquired from the same Pager. A
// "head" bookkeeping page carries the aggregate list heads/tails;
// when it empties out, the head identity migrates to whatever
// bookkeeping page still holds live entries (see onBookkeepingPageEmptied).
//
// Allocator's zero value is ready for use.
package bud

import (
	"unsafe"

	"github.com/cznic/mathutil"

	"github.com/djl605/kma/pager"
)

// inBandHeader is the two-field header living at the base of every
// block, free or allocated.
type inBandHeader struct {
	size uint16
	used bool
}

const headerSize = unsafe.Sizeof(inBandHeader{})

func headerAt(addr unsafe.Pointer) *inBandHeader { return (*inBandHeader)(addr) }
func getSize(addr unsafe.Pointer) int            { return int(headerAt(addr).size) }
func setSize(addr unsafe.Pointer, size int)       { headerAt(addr).size = uint16(size) }
func getUsed(addr unsafe.Pointer) bool            { return headerAt(addr).used }
func setUsed(addr unsafe.Pointer, used bool)      { headerAt(addr).used = used }

// buddyAddr returns the buddy of the block at addr with size size, or
// nil when size spans the whole page (a top-level block has no
// buddy).
func buddyAddr(addr unsafe.Pointer, size int) unsafe.Pointer {
	if size >= pager.PageSize {
		return nil
	}
	return unsafe.Pointer(uintptr(addr) ^ uintptr(size))
}

// buddyIsFree reports whether the block at addr is eligible to
// coalesce with a sibling of size size: unused, and not itself split
// into something smaller. A buddy's in-band size can never exceed
// size (it is either exactly size, unsplit, or some smaller power of
// two from an earlier split); checking equality rather than just the
// used bit is what original_source/kma_bud.c's Used() does via
// `block->info < size`, and is necessary because getUsed alone can't
// distinguish a whole free buddy from a free fragment left behind
// inside an already-split buddy.
func buddyIsFree(addr unsafe.Pointer, size int) bool {
	return addr != nil && !getUsed(addr) && getSize(addr) == size
}

// nextPowerOfTwo returns the smallest 2^k >= n, using mathutil.BitLen
// the same way the teacher's Malloc turns a rounded request size into
// a log2 size class.
func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << uint(mathutil.BitLen(n-1))
}

// pageEntry describes one data page acquired from the Pager.
type pageEntry struct {
	handle     pager.PageHandle
	base       unsafe.Pointer
	next, prev *pageEntry
	inUse      bool
}

// blockEntry describes one currently free block: while inUse is true
// it is live in the free-block list; once inUse is false it is a
// reusable bookkeeping slot, not a free block.
type blockEntry struct {
	addr       unsafe.Pointer
	size       int
	next, prev *blockEntry
	inUse      bool
}

// bookkeepingHeader prefixes every bookkeeping page. occupancy and
// handle describe that physical page; the four aggregate fields are
// meaningful only on the page currently reachable from Allocator.head
// — every other bookkeeping page leaves them zero.
type bookkeepingHeader struct {
	occupancy int
	handle    pager.PageHandle

	firstBlock, lastBlock *blockEntry
	firstPage, lastPage   *pageEntry
}

var (
	bookkeepingHeaderSize = unsafe.Sizeof(bookkeepingHeader{})
	pageEntrySize         = unsafe.Sizeof(pageEntry{})
	blockEntrySize        = unsafe.Sizeof(blockEntry{})
	pageEntriesPerPage    = (pager.PageSize - int(bookkeepingHeaderSize)) / int(pageEntrySize)
	blockEntriesPerPage   = (pager.PageSize - int(bookkeepingHeaderSize)) / int(blockEntrySize)
	maxEffectiveSize      = pager.PageSize
)

func bookkeepingHeaderOf(p unsafe.Pointer) *bookkeepingHeader {
	return (*bookkeepingHeader)(pager.BaseOf(p))
}

func pageSlotAt(base unsafe.Pointer, i int) *pageEntry {
	return (*pageEntry)(unsafe.Pointer(uintptr(base) + bookkeepingHeaderSize + uintptr(i)*pageEntrySize))
}

func blockSlotAt(base unsafe.Pointer, i int) *blockEntry {
	return (*blockEntry)(unsafe.Pointer(uintptr(base) + bookkeepingHeaderSize + uintptr(i)*blockEntrySize))
}

// initPageBookkeeping lays a fresh bookkeeping header at base and
// pre-links every PageEntry slot that fits after it into a chain,
// ready to be walked and filled in by appendPageEntry.
func initPageBookkeeping(handle pager.PageHandle, base unsafe.Pointer) *bookkeepingHeader {
	h := (*bookkeepingHeader)(base)
	*h = bookkeepingHeader{handle: handle}
	var prev *pageEntry
	for i := 0; i < pageEntriesPerPage; i++ {
		s := pageSlotAt(base, i)
		*s = pageEntry{prev: prev}
		if prev != nil {
			prev.next = s
		}
		prev = s
	}
	return h
}

func initBlockBookkeeping(handle pager.PageHandle, base unsafe.Pointer) *bookkeepingHeader {
	h := (*bookkeepingHeader)(base)
	*h = bookkeepingHeader{handle: handle}
	var prev *blockEntry
	for i := 0; i < blockEntriesPerPage; i++ {
		s := blockSlotAt(base, i)
		*s = blockEntry{prev: prev}
		if prev != nil {
			prev.next = s
		}
		prev = s
	}
	return h
}

// Allocator is a buddy allocator. Its zero value is ready for use.
type Allocator struct {
	pgr  pager.Pager
	head *bookkeepingHeader // nil before the first allocation
}

// New returns a ready-to-use Allocator. Equivalent to new(Allocator).
func New() *Allocator { return &Allocator{} }

// Pager exposes the underlying page provider for tests that want to
// assert on Outstanding() directly.
func (a *Allocator) Pager() *pager.Pager { return &a.pgr }

func (a *Allocator) newPageBookkeepingPage() (*bookkeepingHeader, error) {
	handle, base, err := a.pgr.AcquirePage()
	if err != nil {
		return nil, err
	}
	return initPageBookkeeping(handle, base), nil
}

func (a *Allocator) newBlockBookkeepingPage() (*bookkeepingHeader, error) {
	handle, base, err := a.pgr.AcquirePage()
	if err != nil {
		return nil, err
	}
	return initBlockBookkeeping(handle, base), nil
}

// ensureInit performs the one-time bootstrap: a head bookkeeping page
// (of PageEntry kind) carrying one PageEntry for the first data page,
// and a second bookkeeping page (of BlockEntry kind) carrying the one
// BlockEntry describing that whole page as free.
func (a *Allocator) ensureInit() error {
	if a.head != nil {
		return nil
	}

	headHandle, headBase, err := a.pgr.AcquirePage()
	if err != nil {
		return err
	}
	head := initPageBookkeeping(headHandle, headBase)

	dataHandle, dataBase, err := a.pgr.AcquirePage()
	if err != nil {
		a.pgr.ReleasePage(headHandle)
		return err
	}
	setSize(dataBase, pager.PageSize)
	setUsed(dataBase, false)

	pe := firstPageSlot(headBase)
	pe.handle = dataHandle
	pe.base = dataBase
	pe.inUse = true
	head.firstPage = pe
	head.lastPage = pe
	head.occupancy++

	blockHandle, blockBase, err := a.pgr.AcquirePage()
	if err != nil {
		a.pgr.ReleasePage(dataHandle)
		a.pgr.ReleasePage(headHandle)
		return err
	}
	bhdr := initBlockBookkeeping(blockHandle, blockBase)
	be := firstBlockSlot(blockBase)
	be.addr = dataBase
	be.size = pager.PageSize
	be.inUse = true
	bhdr.occupancy++
	head.firstBlock = be
	head.lastBlock = be

	a.head = head
	return nil
}

func firstPageSlot(base unsafe.Pointer) *pageEntry  { return pageSlotAt(base, 0) }
func firstBlockSlot(base unsafe.Pointer) *blockEntry { return blockSlotAt(base, 0) }

func (a *Allocator) appendPageEntry(handle pager.PageHandle, base unsafe.Pointer) (*pageEntry, error) {
	h := a.head
	var slot *pageEntry
	switch {
	case h.lastPage == nil:
		hdr, err := a.newPageBookkeepingPage()
		if err != nil {
			return nil, err
		}
		slot = firstPageSlot(unsafe.Pointer(hdr))
		h.firstPage = slot
		h.lastPage = slot
	case h.lastPage.next == nil:
		hdr, err := a.newPageBookkeepingPage()
		if err != nil {
			return nil, err
		}
		slot = firstPageSlot(unsafe.Pointer(hdr))
		slot.prev = h.lastPage
		h.lastPage.next = slot
		h.lastPage = slot
	default:
		slot = h.lastPage.next
		h.lastPage = slot
	}
	slot.handle = handle
	slot.base = base
	slot.inUse = true
	bookkeepingHeaderOf(unsafe.Pointer(slot)).occupancy++
	return slot, nil
}

func (a *Allocator) appendBlockEntry(addr unsafe.Pointer, size int) (*blockEntry, error) {
	h := a.head
	var slot *blockEntry
	switch {
	case h.lastBlock == nil:
		hdr, err := a.newBlockBookkeepingPage()
		if err != nil {
			return nil, err
		}
		slot = firstBlockSlot(unsafe.Pointer(hdr))
		h.firstBlock = slot
		h.lastBlock = slot
	case h.lastBlock.next == nil:
		hdr, err := a.newBlockBookkeepingPage()
		if err != nil {
			return nil, err
		}
		slot = firstBlockSlot(unsafe.Pointer(hdr))
		slot.prev = h.lastBlock
		h.lastBlock.next = slot
		h.lastBlock = slot
	default:
		slot = h.lastBlock.next
		h.lastBlock = slot
	}
	slot.addr = addr
	slot.size = size
	slot.inUse = true
	bookkeepingHeaderOf(unsafe.Pointer(slot)).occupancy++
	return slot, nil
}

// onBookkeepingPageEmptied runs once a bookkeeping page's own
// occupancy has reached zero: a non-head page is simply released; the
// head page instead migrates its aggregate fields to any bookkeeping
// page that still holds live entries before releasing itself, or
// clears the singleton if nothing is left anywhere.
func (a *Allocator) onBookkeepingPageEmptied(hdr *bookkeepingHeader) {
	if hdr != a.head {
		a.pgr.ReleasePage(hdr.handle)
		return
	}

	var newBase unsafe.Pointer
	switch {
	case hdr.firstBlock != nil:
		newBase = pager.BaseOf(unsafe.Pointer(hdr.firstBlock))
	case hdr.firstPage != nil:
		newBase = pager.BaseOf(unsafe.Pointer(hdr.firstPage))
	}
	if newBase == nil {
		a.pgr.ReleasePage(hdr.handle)
		a.head = nil
		return
	}

	newHead := (*bookkeepingHeader)(newBase)
	newHead.firstBlock, newHead.lastBlock = hdr.firstBlock, hdr.lastBlock
	newHead.firstPage, newHead.lastPage = hdr.firstPage, hdr.lastPage
	a.head = newHead
	a.pgr.ReleasePage(hdr.handle)
}

// unlinkBlockEntriesOnPage splices every (necessarily free-slot, never
// live) BlockEntry physically on base out of the trailing reusable
// region of the block list, so a subsequent append never walks into
// memory about to be released.
func (a *Allocator) unlinkBlockEntriesOnPage(base unsafe.Pointer) {
	if a.head == nil || a.head.lastBlock == nil {
		return
	}
	for e := a.head.lastBlock; e != nil; e = e.next {
		if pager.BaseOf(unsafe.Pointer(e)) == base {
			if e.prev != nil {
				e.prev.next = e.next
			}
			if e.next != nil {
				e.next.prev = e.prev
			}
		}
	}
}

func (a *Allocator) unlinkPageEntriesOnPage(base unsafe.Pointer) {
	if a.head == nil || a.head.lastPage == nil {
		return
	}
	for e := a.head.lastPage; e != nil; e = e.next {
		if pager.BaseOf(unsafe.Pointer(e)) == base {
			if e.prev != nil {
				e.prev.next = e.next
			}
			if e.next != nil {
				e.next.prev = e.prev
			}
		}
	}
}

// removeBlockEntry unlinks e from the live free-block list, marks it
// reusable, and splices it back in at the tail of the reusable
// region. If doing so empties e's own bookkeeping page, that page is
// reclaimed (and the head migrated first, if e's page was the head).
func (a *Allocator) removeBlockEntry(e *blockEntry) {
	h := a.head
	if e.prev == nil {
		if e.next != nil && e.next.inUse {
			h.firstBlock = e.next
		} else {
			h.firstBlock = nil
		}
	} else {
		e.prev.next = e.next
	}
	if e.next == nil || !e.next.inUse {
		h.lastBlock = e.prev
	}
	if e.next != nil {
		e.next.prev = e.prev
	}

	e.inUse = false
	if h.lastBlock != nil {
		e.next = h.lastBlock.next
		e.prev = h.lastBlock
		if e.next != nil {
			e.next.prev = e
		}
		h.lastBlock.next = e
	} else {
		e.next, e.prev = nil, nil
	}

	hdr := bookkeepingHeaderOf(unsafe.Pointer(e))
	hdr.occupancy--
	if hdr.occupancy == 0 {
		a.unlinkBlockEntriesOnPage(pager.BaseOf(unsafe.Pointer(hdr)))
		a.onBookkeepingPageEmptied(hdr)
	}
}

func (a *Allocator) removePageEntry(e *pageEntry) {
	h := a.head
	if e.prev == nil {
		if e.next != nil && e.next.inUse {
			h.firstPage = e.next
		} else {
			h.firstPage = nil
		}
	} else {
		e.prev.next = e.next
	}
	if e.next == nil || !e.next.inUse {
		h.lastPage = e.prev
	}
	if e.next != nil {
		e.next.prev = e.prev
	}

	e.inUse = false
	if h.lastPage != nil {
		e.next = h.lastPage.next
		e.prev = h.lastPage
		if e.next != nil {
			e.next.prev = e
		}
		h.lastPage.next = e
	} else {
		e.next, e.prev = nil, nil
	}

	hdr := bookkeepingHeaderOf(unsafe.Pointer(e))
	hdr.occupancy--
	if hdr.occupancy == 0 {
		a.unlinkPageEntriesOnPage(pager.BaseOf(unsafe.Pointer(hdr)))
		a.onBookkeepingPageEmptied(hdr)
	}
}

func (a *Allocator) findBlockEntryByAddr(addr unsafe.Pointer) *blockEntry {
	for e := a.head.firstBlock; e != nil && e.inUse; e = e.next {
		if e.addr == addr {
			return e
		}
	}
	return nil
}

func (a *Allocator) findPageEntryByBase(addr unsafe.Pointer) *pageEntry {
	for e := a.head.firstPage; e != nil && e.inUse; e = e.next {
		if e.base == addr {
			return e
		}
	}
	return nil
}

// addAllocedPage acquires one fresh data page and registers it as a
// single PageSize free block, returning that block's entry.
func (a *Allocator) addAllocedPage() (*blockEntry, error) {
	dataHandle, dataBase, err := a.pgr.AcquirePage()
	if err != nil {
		return nil, err
	}
	if _, err := a.appendPageEntry(dataHandle, dataBase); err != nil {
		a.pgr.ReleasePage(dataHandle)
		return nil, err
	}
	setSize(dataBase, pager.PageSize)
	setUsed(dataBase, false)
	return a.appendBlockEntry(dataBase, pager.PageSize)
}

// split halves e repeatedly down to target size, registering each
// freshly exposed buddy as a new free block, and returns e resized to
// target.
func (a *Allocator) split(e *blockEntry, target int) (*blockEntry, error) {
	for e.size > target {
		e.size >>= 1
		buddy := buddyAddr(e.addr, e.size)
		setSize(buddy, e.size)
		setUsed(buddy, false)
		if _, err := a.appendBlockEntry(buddy, e.size); err != nil {
			return nil, err
		}
	}
	setSize(e.addr, e.size)
	return e, nil
}

// Allocate returns a pointer to a usable region of at least size
// bytes, or nil if the request cannot be served by any single page.
func (a *Allocator) Allocate(size int) (ret unsafe.Pointer) {
	if trace {
		defer func() { tracef("Allocate(%#x) -> %p", size, ret) }()
	}
	if size < 0 {
		panic("bud: invalid allocate size")
	}

	effective := nextPowerOfTwo(size + int(headerSize))
	if effective > maxEffectiveSize {
		return nil
	}
	if err := a.ensureInit(); err != nil {
		return nil
	}

	var chosen *blockEntry
	for e := a.head.firstBlock; e != nil && e.inUse; e = e.next {
		if e.size == effective {
			chosen = e
			break
		}
		if e.size > effective && (chosen == nil || e.size < chosen.size) {
			chosen = e
		}
	}
	if chosen == nil {
		var err error
		chosen, err = a.addAllocedPage()
		if err != nil {
			return nil
		}
	}

	chosen, err := a.split(chosen, effective)
	if err != nil {
		return nil
	}

	addr := chosen.addr
	setUsed(addr, true)
	a.removeBlockEntry(chosen)
	return unsafe.Pointer(uintptr(addr) + headerSize)
}

func (a *Allocator) releaseDataPage(addr unsafe.Pointer) {
	pe := a.findPageEntryByBase(addr)
	if pe == nil {
		return
	}
	a.pgr.ReleasePage(pe.handle)
	a.removePageEntry(pe)
}

// Deallocate restores the block at ptr, coalescing with its buddy
// chain as far as possible. size is accepted for interface stability
// with the public kma contract but otherwise unused: the block's
// extent always comes back from its in-band header.
func (a *Allocator) Deallocate(ptr unsafe.Pointer, _ int) {
	if trace {
		tracef("Deallocate(%p)", ptr)
	}
	addr := unsafe.Pointer(uintptr(ptr) - headerSize)
	setUsed(addr, false)

	size := getSize(addr)
	buddy := buddyAddr(addr, size)
	coalesced := false

	for buddyIsFree(buddy, size) {
		if !coalesced {
			be := a.findBlockEntryByAddr(buddy)
			if be == nil {
				break
			}
			be.size <<= 1
			if uintptr(buddy) < uintptr(addr) {
				be.addr = buddy
			} else {
				be.addr = addr
			}
			setSize(be.addr, be.size)
			addr, size = be.addr, be.size
			buddy = buddyAddr(addr, size)
			coalesced = true
			continue
		}

		i := a.findBlockEntryByAddr(addr)
		j := a.findBlockEntryByAddr(buddy)
		if i == nil || j == nil {
			break
		}
		low, high := i, j
		if uintptr(j.addr) < uintptr(i.addr) {
			low, high = j, i
		}
		a.removeBlockEntry(high)
		low.size <<= 1
		setSize(low.addr, low.size)
		addr, size = low.addr, low.size
		buddy = buddyAddr(addr, size)
	}

	if !coalesced {
		a.appendBlockEntry(addr, size)
	}

	if buddy == nil {
		if be := a.findBlockEntryByAddr(addr); be != nil {
			a.removeBlockEntry(be)
		}
		a.releaseDataPage(addr)
	}
}
