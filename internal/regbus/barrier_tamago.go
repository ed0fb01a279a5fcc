// Copyright (c) 2026 EngEmil
//
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

//go:build tamago

package regbus

// Barrier is implemented in barrier_tamago.s. It issues a data memory
// barrier, the primitive flash.Programmer.Write needs between the two
// word stores of a double-word program so the controller observes them
// as separate, ordered bus transactions rather than a single word write.
func Barrier()
