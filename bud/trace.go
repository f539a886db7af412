// Copyright 2024 The KMA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bud

import (
	"fmt"
	"os"
)

// trace gates one-line diagnostics on Allocate/Deallocate. Off by
// default; flip to true and rebuild to watch a trace replay by eye.
const trace = false

func tracef(s string, va ...interface{}) {
	fmt.Fprintf(os.Stderr, "# bud: "+s+"\n", va...)
}
