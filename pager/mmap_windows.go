// Copyright 2011 Evan Shaw. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE-MMAP-GO file.

// Modifications (c) 2024 The KMA Authors.

package pager

import (
	"errors"
	"os"
	"reflect"
	"syscall"
	"unsafe"
)

// mmap on Windows is a two-step process: CreateFileMapping gets a
// handle backed by the system paging file, MapViewOfFile gets an
// actual pointer into memory. Windows' allocation granularity (64 KiB)
// is always a multiple of PageSize, so the returned address is
// already PageSize-aligned; no trim-to-align step is needed here the
// way mmap_unix.go needs one.
var handleMap = map[uintptr]syscall.Handle{}

func mmap(size int) ([]byte, error) {
	flProtect := uint32(syscall.PAGE_READWRITE)
	dwDesiredAccess := uint32(syscall.FILE_MAP_WRITE)

	maxSizeHigh := uint32(int64(size) >> 32)
	maxSizeLow := uint32(int64(size) & 0xFFFFFFFF)
	h, errno := syscall.CreateFileMapping(syscall.Handle(^uintptr(0)), nil, flProtect, maxSizeHigh, maxSizeLow, nil)
	if h == 0 {
		return nil, os.NewSyscallError("CreateFileMapping", errno)
	}

	addr, errno := syscall.MapViewOfFile(h, dwDesiredAccess, 0, 0, uintptr(size))
	if addr == 0 {
		syscall.CloseHandle(h)
		return nil, os.NewSyscallError("MapViewOfFile", errno)
	}

	if addr&uintptr(pageMask) != 0 {
		panic("pager: internal alignment error")
	}

	handleMap[addr] = h
	var b []byte
	sh := (*reflect.SliceHeader)(unsafe.Pointer(&b))
	sh.Data = addr
	sh.Len = size
	sh.Cap = size
	return b, nil
}

func unmap(addr unsafe.Pointer, size int) error {
	if err := syscall.UnmapViewOfFile(uintptr(addr)); err != nil {
		return err
	}

	handle, ok := handleMap[uintptr(addr)]
	if !ok {
		return errors.New("pager: unknown base address")
	}
	delete(handleMap, uintptr(addr))

	e := syscall.CloseHandle(handle)
	return os.NewSyscallError("CloseHandle", e)
}
