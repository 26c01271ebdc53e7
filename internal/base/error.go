// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import (
	"errors"
)

// ErrNotFound means that a pin or lookup call did not find the requested
// page.
var ErrNotFound = errors.New("cachetable: not found")
