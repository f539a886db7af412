// Copyright 2024 The KMA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package kma exposes a single fixed-page memory allocator behind one
// contract, with the actual algorithm picked at compile time: the
// default build uses the resource-map allocator in package rm; adding
// the kma_bud build tag swaps in the buddy allocator in package bud
// instead. Both variants page their backing storage through package
// pager.
//
// The two variants are never linked into the same binary: selecting
// between them is a source-level concern (the files in this package
// carrying the //go:build constraints), not a runtime one.
package kma

import "unsafe"

// Allocator is the contract both variants satisfy: allocate a region
// of at least size bytes, or free one previously returned by
// Allocate. size passed to Deallocate must match the size originally
// requested; both variants currently ignore it and recover the
// block's extent from their own metadata.
type Allocator interface {
	Allocate(size int) unsafe.Pointer
	Deallocate(ptr unsafe.Pointer, size int)
}

// global is the package-level allocator backing the Allocate and
// Deallocate functions, constructed by whichever *_variant.go file's
// build tag matches.
var global = newVariant()

// Allocate returns a pointer to a usable region of at least size
// bytes, or nil if no single page can satisfy the request.
func Allocate(size int) unsafe.Pointer { return global.Allocate(size) }

// Deallocate returns a region obtained from Allocate back to the
// allocator. size must match the value originally passed to
// Allocate.
func Deallocate(ptr unsafe.Pointer, size int) { global.Deallocate(ptr, size) }
