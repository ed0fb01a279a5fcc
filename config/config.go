// Copyright (c) 2026 EngEmil
//
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

// Package config collects the compile-time memory map, timing and USB
// identity constants shared by every component of the bootloader. There is
// no runtime configuration: this is firmware, and the layout below is
// fixed by the linker script and the flash geometry of the target part.
package config

import "time"

const (
	// FlashBase is the start of the device's internal flash.
	FlashBase = 0x08000000
	// FlashTotalSize is the total flash capacity in bytes.
	FlashTotalSize = 128 * 1024
	// FlashPageSize is the erase granularity in bytes.
	FlashPageSize = 2048
	// FlashEnd is the first address past flash.
	FlashEnd = FlashBase + FlashTotalSize

	// BootloaderBase is the start of the bootloader's own flash region.
	BootloaderBase = FlashBase
	// BootloaderSize is the space reserved for the bootloader itself.
	BootloaderSize = 16 * 1024

	// AppBase is the start of the application image region.
	AppBase = 0x08004000
	// AppMaxSize is the maximum application image size.
	AppMaxSize = 112 * 1024

	// AppVectorTableOffset is the offset from AppBase to the application's
	// vector table. Cortex-M0+ requires VTOR to be 256-byte aligned; the
	// 32-byte header plus padding occupies the gap below it.
	AppVectorTableOffset = 0x100
	// AppHeaderSize is the size in bytes of the on-flash application header.
	AppHeaderSize = 32
	// AppHeaderMagic identifies a valid application header.
	AppHeaderMagic = 0xDEADBEEF

	// RAMBase is the start of SRAM.
	RAMBase = 0x20000000
	// RAMSize is the total SRAM capacity in bytes.
	RAMSize = 24 * 1024

	// BootloaderMagic is the sentinel value an application writes to
	// request re-entry into DFU mode on its next reset.
	BootloaderMagic = 0xDEADBEEF
	// BootloaderMagicAddr is the last word of RAM, used to pass the
	// re-entry request across a reset.
	BootloaderMagicAddr = RAMBase + RAMSize - 4

	// USBPacketSize is the EP0 max packet size.
	USBPacketSize = 64
	// USBDefaultVID is used when no valid application header is present.
	USBDefaultVID = 0x0483
	// USBDefaultPID identifies DFU mode.
	USBDefaultPID = 0xDF11

	// USBManufacturer, USBProduct and USBSerial are the DFU mode string
	// descriptors advertised to the host.
	USBManufacturer = "EngEmil.io"
	USBProduct      = "Bootloader DFU Mode"
	USBSerial       = "0123456789"
	// USBMemoryLayout is the DFUSe memory-layout string, following ST's
	// "@Internal Flash  /addr/pages*sizeUNIT" convention so host tooling
	// can learn the application region's flash geometry.
	USBMemoryLayout = "@Internal Flash  /0x08004000/112*001Kg"

	// DFUXferSize is the maximum DNLOAD block size, aligned to flash write
	// granularity.
	DFUXferSize = 1024

	// BootloaderTimeout is the USB inactivity deadline after which the
	// bootloader jumps to a valid application.
	BootloaderTimeout = 60 * time.Second

	// BootloaderVersion reports the build in packed major.minor.patch
	// form, exposed through boot.Controller.Version for diagnostics.
	BootloaderVersion = 0x00010201
)
