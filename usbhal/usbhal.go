// Copyright (c) 2026 EngEmil
//
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

// Package usbhal defines the USB transport collaborator this bootloader
// depends on but does not implement: the peripheral driver providing
// endpoint-0 transfer primitives and the event/descriptor/class-request
// callback surface the rest of this repository is built against. A board
// package marshals between its stack's callbacks and these plain Go
// functions at this boundary.
package usbhal

import "github.com/engemil/ee-stm32-bootloader/usb/descriptor"

// Direction is a USB endpoint transfer direction.
type Direction uint8

const (
	DirOut Direction = iota
	DirIn
)

// Event is a USB bus-level event surfaced by the transport. The
// bootloader only reacts to EventReset (dfu.Machine.OnBusReset); the rest
// exist so a transport has somewhere to report them.
type Event uint8

const (
	EventReset Event = iota
	EventSuspend
	EventResume
)

// SetupFunc handles one EP0 setup packet the transport's standard request
// switch did not service. The transport decodes the raw 8-byte packet with
// descriptor.ParseSetup and passes the host-to-device data stage, if any,
// in data; the hook stalls anything that is not a class-type,
// interface-recipient request.
type SetupFunc func(setup descriptor.SetupData, data []byte) (response []byte, stall bool)

// EventFunc handles a bus-level event reported by the transport.
type EventFunc func(event Event)

// DescriptorFunc answers a GET_DESCRIPTOR request with the raw descriptor
// bytes to return, or nil to stall the request.
type DescriptorFunc func(descriptorType, index uint8) []byte

// Transport is the USB stack's callback surface and EP0 transfer
// primitives: the "given" this repository's core is built against rather
// than implements. Disconnect/Start/Connect bring the peripheral up and
// down around a DFU session; Tx/Stall/Ack are the EP0 transfer primitives
// a setup or data phase completes through; the Register* methods are the
// registration point the boot controller uses to plug dfu.Machine and the
// descriptor set into whatever USB stack a board package provides.
type Transport interface {
	Disconnect() error
	Start() error
	Connect() error

	Tx(ep int, data []byte) error
	Stall(ep int, dir Direction) error
	Ack(ep int) error

	RegisterSetup(fn SetupFunc)
	RegisterEvent(fn EventFunc)
	RegisterDescriptors(fn DescriptorFunc)
}
