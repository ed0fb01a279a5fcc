// Copyright (c) 2026 EngEmil
//
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

//go:build tamago

package boot

import "unsafe"

// scbVTOR is the Cortex-M System Control Block's Vector Table Offset
// Register.
const scbVTOR = 0xE000ED08

// MMIOJumper is the real-hardware Jumper: it relocates the vector table,
// loads the application's initial stack pointer and entry point, and
// transfers control. It never returns on success; the unsafe pointer
// arithmetic and the no-return asm trampoline are isolated here so no
// other package in this module touches a raw address directly.
type MMIOJumper struct {
	VectorTable uint32
}

// Jump relocates VTOR to VectorTable, sets the main stack pointer to sp,
// and branches to entry. This function does not return.
func (j MMIOJumper) Jump(sp, entry uint32) {
	disableIRQ()

	vtor := (*uint32)(unsafe.Pointer(uintptr(scbVTOR)))
	*vtor = j.VectorTable

	setMSP(sp)
	branchTo(entry)
}

// disableIRQ, setMSP and branchTo are implemented in jump_tamago.s; they
// are the only three primitive operations this bootloader needs below
// Go's calling convention.
func disableIRQ()
func setMSP(sp uint32)
func branchTo(entry uint32)
