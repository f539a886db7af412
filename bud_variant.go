// Copyright 2024 The KMA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build kma_bud

package kma

import "github.com/djl605/kma/bud"

func newVariant() Allocator { return bud.New() }
