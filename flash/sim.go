// Copyright (c) 2026 EngEmil
//
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

package flash

import "github.com/engemil/ee-stm32-bootloader/internal/regbus"

// SimController attaches the controller-side behavior Programmer's
// register sequences rely on to a simulated bus: the peripheral resets
// locked, and the KEYR two-key unlock sequence clears the CR lock bit.
// Everything else the Programmer does against a Sim (erase, program,
// status flags) already behaves like quiescent hardware, since the
// simulated busy and error bits read back as zero.
func SimController(bus *regbus.Sim, base uint32) {
	regbus.Set(bus, base+regCR, crLOCKPos)

	var lastKey uint32

	bus.OnWrite32 = func(addr uint32, val uint32) {
		if addr != base+regKEYR {
			return
		}

		if lastKey == flashKey1 && val == flashKey2 {
			regbus.Clear(bus, base+regCR, crLOCKPos)
		}

		lastKey = val
	}
}
