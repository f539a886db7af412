// Copyright 2024 The KMA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pager

import (
	"fmt"
	"os"
)

// trace gates one-line diagnostics on AcquirePage/ReleasePage. Flip
// to true and rebuild to watch page traffic; left off by default the
// way github.com/cznic/memory ships with trace = false.
const trace = false

func tracef(s string, va ...interface{}) {
	fmt.Fprintf(os.Stderr, "# pager: "+s+"\n", va...)
}
