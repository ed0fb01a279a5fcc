// Copyright (c) 2026 EngEmil
//
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

// Package flash programs the device's internal flash: unlock/lock, page
// erase and double-word write, plus the address-range checks the DFU
// worker uses to keep writes inside the application region.
package flash

import (
	"errors"
	"fmt"

	"github.com/engemil/ee-stm32-bootloader/config"
	"github.com/engemil/ee-stm32-bootloader/internal/regbus"
)

// Flash controller register offsets, relative to Base.
const (
	regKEYR = 0x08
	regCR   = 0x14
	regSR   = 0x10
)

// FLASH_CR bit positions.
const (
	crPGPos   = 0
	crPERPos  = 1
	crMER1Pos = 2
	crPNBPos  = 3
	crPNBMask = 0x7F
	crSTRTPos = 16
	crLOCKPos = 31
)

// FLASH_SR bit positions.
const (
	srEOPPos     = 0
	srPROGERRPos = 2
	srWRPERRPos  = 3
	srBSY1Pos    = 16
)

const (
	flashKey1 = 0x45670123
	flashKey2 = 0xCDEF89AB

	waitReadyIterations = 100000
)

// Sentinel errors reported by Programmer operations. The DFU worker maps
// them to the DFU status code the host sees in the next GETSTATUS.
// ErrInvalidAddress is not returned by any Programmer method; IsAppRegion
// is the range check, applied by the caller before a write.
var (
	ErrInvalidParam   = errors.New("flash: invalid parameter")
	ErrTimeout        = errors.New("flash: operation timed out")
	ErrUnlock         = errors.New("flash: unlock failed")
	ErrErase          = errors.New("flash: erase failed")
	ErrWrite          = errors.New("flash: write failed")
	ErrInvalidAddress = errors.New("flash: address outside writable region")
)

// Programmer drives the flash controller's registers through a Bus. Base
// is the controller's register base address; it owns no other state and
// every operation is synchronous, matching the single-threaded contract
// the DFU worker relies on.
type Programmer struct {
	Bus  regbus.Bus
	Base uint32
}

// New returns a Programmer for the flash controller mapped at base.
func New(bus regbus.Bus, base uint32) *Programmer {
	return &Programmer{Bus: bus, Base: base}
}

func (p *Programmer) waitReady() error {
	addr := p.Base + regSR

	if !regbus.WaitCount(p.Bus, addr, srBSY1Pos, 1, 0, waitReadyIterations) {
		return ErrTimeout
	}

	sr := regbus.Read(p.Bus, addr)
	if sr&((1<<srWRPERRPos)|(1<<srPROGERRPos)) != 0 {
		regbus.Clear(p.Bus, addr, srWRPERRPos)
		regbus.Clear(p.Bus, addr, srPROGERRPos)
		return ErrWrite
	}

	if sr&(1<<srEOPPos) != 0 {
		regbus.Clear(p.Bus, addr, srEOPPos)
	}

	return nil
}

// Unlock clears the flash controller's write-protection lock. It is a
// no-op, returning nil, if the flash is already unlocked.
func (p *Programmer) Unlock() error {
	crAddr := p.Base + regCR

	if regbus.Get(p.Bus, crAddr, crLOCKPos, 1) == 0 {
		return nil
	}

	regbus.Write(p.Bus, p.Base+regKEYR, flashKey1)
	regbus.Write(p.Bus, p.Base+regKEYR, flashKey2)

	if regbus.Get(p.Bus, crAddr, crLOCKPos, 1) != 0 {
		return ErrUnlock
	}

	return nil
}

// Lock re-arms the write-protection lock. It always succeeds.
func (p *Programmer) Lock() error {
	regbus.Set(p.Bus, p.Base+regCR, crLOCKPos)
	return nil
}

// ErasePages erases the pages spanning [addr, addr+len). addr must be
// page-aligned relative to config.FlashBase.
func (p *Programmer) ErasePages(addr uint32, length int) error {
	if length <= 0 {
		return ErrInvalidParam
	}

	startPage := (addr - config.FlashBase) / config.FlashPageSize
	numPages := (uint32(length) + config.FlashPageSize - 1) / config.FlashPageSize

	crAddr := p.Base + regCR
	eraser := p.Bus.(regbus.Eraser)

	for i := uint32(0); i < numPages; i++ {
		if err := p.waitReady(); err != nil {
			if errors.Is(err, ErrWrite) {
				return ErrErase
			}
			return err
		}

		regbus.Set(p.Bus, crAddr, crPERPos)
		regbus.SetN(p.Bus, crAddr, crPNBPos, crPNBMask, startPage+i)
		regbus.Set(p.Bus, crAddr, crSTRTPos)

		if err := p.waitReady(); err != nil {
			regbus.Clear(p.Bus, crAddr, crPERPos)
			if errors.Is(err, ErrWrite) {
				return ErrErase
			}
			return err
		}

		regbus.Clear(p.Bus, crAddr, crPERPos)

		pageAddr := config.FlashBase + (startPage+i)*config.FlashPageSize
		eraser.Erase(pageAddr, config.FlashPageSize)
	}

	return nil
}

// Write programs data at addr, which must be 8-byte aligned. Writes
// proceed one double-word (64 bits) at a time; a partial trailing
// double-word is padded with 0xFF, the erased-flash value.
func (p *Programmer) Write(addr uint32, data []byte) error {
	if len(data) == 0 {
		return ErrInvalidParam
	}

	for i := 0; i < len(data); i += 8 {
		word1 := packWord(data, i, len(data))
		word2 := packWord(data, i+4, len(data))

		if err := p.writeDoubleword(addr+uint32(i), word1, word2); err != nil {
			return err
		}
	}

	return nil
}

func packWord(data []byte, offset, total int) uint32 {
	word := uint32(0xFFFFFFFF)

	for j := 0; j < 4; j++ {
		idx := offset + j
		if idx >= total {
			break
		}
		word &^= 0xFF << uint(j*8)
		word |= uint32(data[idx]) << uint(j*8)
	}

	return word
}

func (p *Programmer) writeDoubleword(addr, word1, word2 uint32) error {
	if err := p.waitReady(); err != nil {
		return err
	}

	crAddr := p.Base + regCR
	regbus.ClearN(p.Bus, crAddr, crPERPos, 1)
	regbus.ClearN(p.Bus, crAddr, crMER1Pos, 1)
	regbus.Set(p.Bus, crAddr, crPGPos)

	regbus.Write(p.Bus, addr, word1)
	// The controller requires the two words of a double-word program to
	// be observed as separate, ordered stores.
	regbus.Barrier()
	regbus.Write(p.Bus, addr+4, word2)

	if err := p.waitReady(); err != nil {
		regbus.Clear(p.Bus, crAddr, crPGPos)
		return err
	}

	regbus.Clear(p.Bus, crAddr, crPGPos)

	if regbus.Read(p.Bus, addr) != word1 || regbus.Read(p.Bus, addr+4) != word2 {
		return ErrWrite
	}

	return nil
}

// IsAppRegion reports whether [addr, addr+len) lies entirely within the
// application image region.
func IsAppRegion(addr uint32, length int) bool {
	if length < 0 {
		return false
	}
	end := addr + uint32(length)
	return addr >= config.AppBase && end <= config.FlashEnd && end >= addr
}

// EraseApp erases the entire application region in one call, the
// granularity this bootloader's DFUSe erase command uses regardless of
// the address it carries.
func (p *Programmer) EraseApp() error {
	return p.ErasePages(config.AppBase, config.AppMaxSize)
}

func (p *Programmer) String() string {
	return fmt.Sprintf("flash.Programmer{base=0x%08X}", p.Base)
}
