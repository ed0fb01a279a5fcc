// Copyright (c) 2026 EngEmil
//
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

// Package header parses and validates the application image header that
// precedes every flashed firmware body.
package header

import (
	"encoding/binary"

	"github.com/engemil/ee-stm32-bootloader/config"
	"github.com/engemil/ee-stm32-bootloader/crc32"
	"github.com/engemil/ee-stm32-bootloader/internal/regbus"
)

// Header is the packed, little-endian on-flash application header.
type Header struct {
	Magic    uint32
	Version  uint32
	Size     uint32
	CRC32    uint32
	USBVID   uint16
	USBPID   uint16
	Reserved [3]uint32
}

// Parse decodes a Header from exactly config.AppHeaderSize bytes.
func Parse(raw []byte) Header {
	var h Header

	h.Magic = binary.LittleEndian.Uint32(raw[0:4])
	h.Version = binary.LittleEndian.Uint32(raw[4:8])
	h.Size = binary.LittleEndian.Uint32(raw[8:12])
	h.CRC32 = binary.LittleEndian.Uint32(raw[12:16])
	h.USBVID = binary.LittleEndian.Uint16(raw[16:18])
	h.USBPID = binary.LittleEndian.Uint16(raw[18:20])
	h.Reserved[0] = binary.LittleEndian.Uint32(raw[20:24])
	h.Reserved[1] = binary.LittleEndian.Uint32(raw[24:28])
	h.Reserved[2] = binary.LittleEndian.Uint32(raw[28:32])

	return h
}

// ReadAt reads and parses the header at config.AppBase from bus.
func ReadAt(bus regbus.ByteReader) Header {
	return Parse(bus.ReadBytes(config.AppBase, config.AppHeaderSize))
}

// Valid reports whether the header at config.AppBase describes an
// application whose body matches its recorded CRC32. The body starts at
// config.AppBase+config.AppVectorTableOffset, not immediately after the
// header; the 224-byte gap between them is not covered by the CRC.
func Valid(bus regbus.ByteReader) bool {
	h := ReadAt(bus)

	if h.Magic != config.AppHeaderMagic {
		return false
	}

	if h.Size == 0 || h.Size > config.AppMaxSize {
		return false
	}

	body := bus.ReadBytes(config.AppBase+config.AppVectorTableOffset, int(h.Size))

	return crc32.Calculate(body) == h.CRC32
}

// USBIdentity returns the VID/PID advertised while in DFU mode: the
// application header's values when it is valid, otherwise the compiled-in
// defaults.
func USBIdentity(bus regbus.ByteReader) (vid, pid uint16) {
	if Valid(bus) {
		h := ReadAt(bus)
		return h.USBVID, h.USBPID
	}

	return config.USBDefaultVID, config.USBDefaultPID
}
