// Copyright (c) 2026 EngEmil
//
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

// Package descriptor builds the static USB descriptor set the bootloader
// presents while in DFU mode: one device, one configuration carrying a
// single DFU interface with its class-specific functional descriptor, and
// the string table including the DFUSe memory-layout string ST's host
// tooling parses to learn the flash geometry.
package descriptor

import (
	"bytes"
	"encoding/binary"
)

// Descriptor type codes (USB 2.0 table 9-5).
const (
	TypeDevice        = 1
	TypeConfiguration = 2
	TypeString        = 3
	TypeInterface     = 4
	TypeEndpoint      = 5
)

// DFU-specific constants (USB DFU 1.1, DFUSe extension).
const (
	DFUFunctionalDescriptorType = 0x21
	DFUAttrCanDownload          = 0x01
	DFUAttrCanUpload            = 0x02
	DFUAttrWillDetach           = 0x08
	DFUBCDVersion               = 0x011A
)

// DeviceDescriptor is the standard 18-byte USB device descriptor.
type DeviceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	BCDUSB            uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize     uint8
	VendorID          uint16
	ProductID         uint16
	Device            uint16
	Manufacturer      uint8
	Product           uint8
	SerialNumber      uint8
	NumConfigurations uint8
}

// SetDefaults fills in the fixed fields common to every bootloader
// descriptor, leaving VendorID/ProductID for the caller to patch from the
// application header (or compiled-in defaults).
func (d *DeviceDescriptor) SetDefaults() {
	d.Length = 18
	d.DescriptorType = TypeDevice
	d.BCDUSB = 0x0200
	d.DeviceClass = 0x00
	d.DeviceSubClass = 0x00
	d.DeviceProtocol = 0x00
	d.MaxPacketSize = 64
	d.Device = 0x0100
	d.Manufacturer = 1
	d.Product = 2
	d.SerialNumber = 3
	d.NumConfigurations = 1
}

// Bytes serializes the descriptor in little-endian wire format.
func (d *DeviceDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, d)
	return buf.Bytes()
}

// ConfigurationDescriptor is the standard 9-byte configuration descriptor.
type ConfigurationDescriptor struct {
	Length             uint8
	DescriptorType     uint8
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	Configuration      uint8
	Attributes         uint8
	MaxPower           uint8
}

// InterfaceDescriptor is the standard 9-byte interface descriptor. DFU
// uses no endpoints: all traffic is carried over EP0 control transfers.
type InterfaceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	Interface         uint8
}

// DFUFunctionalDescriptor is the 9-byte class-specific functional
// descriptor that advertises the DFU transfer parameters, structurally
// the same CS_INTERFACE pattern CDC uses for its own functional
// descriptors.
type DFUFunctionalDescriptor struct {
	Length         uint8
	DescriptorType uint8
	Attributes     uint8
	DetachTimeout  uint16
	TransferSize   uint16
	BCDDFUVersion  uint16
}

// SetDefaults configures the functional descriptor the bootloader
// advertises: download-only, detach-on-request, transferSize bytes per
// block.
func (f *DFUFunctionalDescriptor) SetDefaults(transferSize uint16) {
	f.Length = 9
	f.DescriptorType = DFUFunctionalDescriptorType
	f.Attributes = DFUAttrCanDownload | DFUAttrWillDetach
	f.DetachTimeout = 255
	f.TransferSize = transferSize
	f.BCDDFUVersion = DFUBCDVersion
}

// Bytes serializes the functional descriptor in little-endian wire format.
func (f *DFUFunctionalDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, f)
	return buf.Bytes()
}

// Set bundles the full static descriptor table for one DFU interface
// configuration.
type Set struct {
	Device        DeviceDescriptor
	Configuration ConfigurationDescriptor
	Interface     InterfaceDescriptor
	Functional    DFUFunctionalDescriptor
	Strings       [][]byte
}

// NewDFUSet builds the complete descriptor set for the bootloader's DFU
// personality: vid/pid are the identity to advertise (from the
// application header, or the compiled-in defaults), transferSize is the
// DFU wTransferSize, and memoryLayout is the DFUSe
// "@Internal Flash  /0xADDR/pages*sizeUNIT" string.
func NewDFUSet(vid, pid uint16, transferSize uint16, manufacturer, product, serial, memoryLayout string) *Set {
	s := &Set{}

	s.Device.SetDefaults()
	s.Device.VendorID = vid
	s.Device.ProductID = pid

	s.Interface = InterfaceDescriptor{
		Length:            9,
		DescriptorType:    TypeInterface,
		InterfaceNumber:   0,
		AlternateSetting:  0,
		NumEndpoints:      0,
		InterfaceClass:    0xFE,
		InterfaceSubClass: 0x01,
		InterfaceProtocol: 0x02,
		Interface:         4,
	}

	s.Functional.SetDefaults(transferSize)

	s.Configuration = ConfigurationDescriptor{
		Length:             9,
		DescriptorType:     TypeConfiguration,
		TotalLength:        9 + 9 + 9,
		NumInterfaces:      1,
		ConfigurationValue: 1,
		Configuration:      0,
		Attributes:         0x80,
		MaxPower:           50,
	}

	s.Strings = [][]byte{
		langIDDescriptor(0x0409),
		utf16StringDescriptor(manufacturer),
		utf16StringDescriptor(product),
		utf16StringDescriptor(serial),
		utf16StringDescriptor(memoryLayout),
	}

	return s
}

// ConfigurationBytes serializes the configuration descriptor followed by
// its interface and DFU functional descriptor, as returned for a
// GET_DESCRIPTOR(CONFIGURATION) request.
func (s *Set) ConfigurationBytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, &s.Configuration)
	binary.Write(buf, binary.LittleEndian, &s.Interface)
	buf.Write(s.Functional.Bytes())
	return buf.Bytes()
}

// PatchIdentity overwrites the vendor/product ID fields of an
// already-serialized device descriptor in place, for transports that cache
// the raw descriptor bytes rather than rebuilding the Set.
func PatchIdentity(deviceDescriptorBytes []byte, vid, pid uint16) {
	binary.LittleEndian.PutUint16(deviceDescriptorBytes[8:10], vid)
	binary.LittleEndian.PutUint16(deviceDescriptorBytes[10:12], pid)
}

func langIDDescriptor(langID uint16) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(4)
	buf.WriteByte(TypeString)
	binary.Write(buf, binary.LittleEndian, langID)
	return buf.Bytes()
}

func utf16StringDescriptor(s string) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(2 + 2*len(s)))
	buf.WriteByte(TypeString)
	for _, r := range s {
		binary.Write(buf, binary.LittleEndian, uint16(r))
	}
	return buf.Bytes()
}
