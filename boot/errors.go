// Copyright (c) 2026 EngEmil
//
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

package boot

import "errors"

// errApplicationInvalid is returned by JumpToApplication when the flashed
// image fails header or CRC validation; the caller is expected to fall
// back to DFU mode rather than treat this as fatal.
var errApplicationInvalid = errors.New("boot: application image failed validation")
