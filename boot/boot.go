// Copyright (c) 2026 EngEmil
//
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

// Package boot implements the entry decision, main loop orchestration and
// application handoff that ties the DFU state machine, the flash
// programmer and the header validator together.
package boot

import (
	"time"

	"github.com/engemil/ee-stm32-bootloader/config"
	"github.com/engemil/ee-stm32-bootloader/dfu"
	"github.com/engemil/ee-stm32-bootloader/header"
	"github.com/engemil/ee-stm32-bootloader/internal/regbus"
	"github.com/engemil/ee-stm32-bootloader/timeout"
	"github.com/engemil/ee-stm32-bootloader/usb/descriptor"
	"github.com/engemil/ee-stm32-bootloader/usbhal"
)

// State is the coarse bootloader-wide state, reported for diagnostics
// only; it gates no behavior the DFU state machine doesn't already gate
// on its own.
type State int

const (
	StateIdle State = iota
	StateUpdating
)

// GPIO is the single button input the boot decision consults. Pressed
// reports the logical "force DFU mode" condition; polarity (the line is
// physically active-low) is the caller's concern, not this package's.
type GPIO interface {
	Pressed() bool
}

// System is the RTOS-level primitives this package treats as given:
// cooperative sleep and a hard system reset. Both are out of scope for
// this repository's own implementation.
type System interface {
	Sleep(d time.Duration)
	Reset()
}

// Jumper transfers control to the application's reset handler. It is
// implemented only on the real target (see jump_tamago.go); the host
// build has no implementation of its own, and tests supply a fake.
type Jumper interface {
	Jump(stackPointer, entryPoint uint32)
}

// Controller owns the bootloader's entry decision and main loop. It holds
// no package-scope globals: every piece of mutable state is reached
// through an explicit field, so multiple Controllers could in principle
// coexist (useful for tests running scenarios in parallel).
type Controller struct {
	Bus     regbus.Bus
	GPIO    GPIO
	Sys     System
	USB     usbhal.Transport
	Machine *dfu.Machine
	Worker  *dfu.Worker
	Timeout *timeout.Clock
	Jumper  Jumper

	state       State
	descriptors *descriptor.Set
}

// byteBus narrows Bus down to the ByteReader the header package needs.
func (c *Controller) byteBus() regbus.ByteReader {
	return c.Bus.(regbus.ByteReader)
}

// State reports the controller's current coarse state.
func (c *Controller) State() State {
	return c.state
}

// Version returns the bootloader build version, exposed for diagnostics.
func (c *Controller) Version() uint32 {
	return config.BootloaderVersion
}

// ShouldEnter decides whether to enter DFU mode rather than jump straight
// to the application. The RAM magic-word check is one-shot: a match is
// cleared before returning.
func (c *Controller) ShouldEnter() bool {
	if regbus.Read(c.Bus, config.BootloaderMagicAddr) == config.BootloaderMagic {
		regbus.Write(c.Bus, config.BootloaderMagicAddr, 0)
		return true
	}

	if !header.Valid(c.byteBus()) {
		return true
	}

	if c.GPIO.Pressed() {
		return true
	}

	return false
}

// ValidateApp reports whether the currently flashed application passes
// header and CRC validation.
func (c *Controller) ValidateApp() bool {
	return header.Valid(c.byteBus())
}

// Run enters DFU mode: it brings up USB, then repeatedly steps the
// worker until the download completes or the inactivity timeout expires
// while a valid application is present to fall back to; an expiry with no
// valid application restarts the timeout. It returns (complete=true)
// when the host finished a download and a system reset should follow,
// or (complete=false) when falling back to an existing valid application.
func (c *Controller) Run() bool {
	c.state = StateUpdating
	c.Timeout.Init()

	if c.USB != nil {
		c.descriptors = c.newDescriptorSet()

		// A bring-up failure has no backchannel to report through; keep
		// retrying with a sleep between attempts rather than return with
		// the peripheral half-configured.
		for c.startUSB() != nil {
			c.Sys.Sleep(time.Second)
		}
	}

	for {
		c.Worker.Step()

		if c.Machine.DownloadComplete() {
			c.state = StateIdle
			return true
		}

		if c.Timeout.Expired() {
			if c.ValidateApp() {
				c.state = StateIdle
				return false
			}
			c.Timeout.Reset()
		}

		c.Sys.Sleep(10 * time.Millisecond)
	}
}

// startUSB cycles the peripheral and registers the session's callbacks:
// disconnect, settle, plug in the descriptor/setup/event hooks, then
// start and connect.
func (c *Controller) startUSB() error {
	if err := c.USB.Disconnect(); err != nil {
		return err
	}

	c.Sys.Sleep(100 * time.Millisecond)

	c.USB.RegisterDescriptors(c.getDescriptor)
	c.USB.RegisterSetup(c.dispatchSetup)
	c.USB.RegisterEvent(c.dispatchEvent)

	if err := c.USB.Start(); err != nil {
		return err
	}

	return c.USB.Connect()
}

// JumpToApplication validates the flashed application, then transfers
// control to its reset handler via Jumper. It returns an error without
// jumping if validation fails; a successful jump never returns to the
// caller.
func (c *Controller) JumpToApplication() error {
	if !c.ValidateApp() {
		return errApplicationInvalid
	}

	vectorTable := uint32(config.AppBase + config.AppVectorTableOffset)
	raw := c.byteBus().ReadBytes(vectorTable, 8)

	sp := leUint32(raw[0:4])
	entry := leUint32(raw[4:8])

	c.Jumper.Jump(sp, entry)
	return nil
}

// newDescriptorSet builds the descriptor table for the VID/PID the
// currently flashed application's header requests, or the compiled-in DFU
// mode defaults. The identity is resolved fresh at the start of every DFU
// session, so a newly flashed application's header takes effect on the
// next reset.
func (c *Controller) newDescriptorSet() *descriptor.Set {
	vid, pid := header.USBIdentity(c.byteBus())
	return descriptor.NewDFUSet(vid, pid, config.DFUXferSize,
		config.USBManufacturer, config.USBProduct, config.USBSerial, config.USBMemoryLayout)
}

// dispatchSetup is registered with USB as the class-request hook; it
// forwards class-type, interface-recipient requests to the DFU state
// machine and stalls everything else.
func (c *Controller) dispatchSetup(setup descriptor.SetupData, data []byte) (response []byte, stall bool) {
	if !setup.IsClassInterfaceRequest() {
		return nil, true
	}

	return c.Machine.Dispatch(dfu.Request(setup.Request), setup.Value, setup.Length, data)
}

// dispatchEvent is registered with USB as the bus-event hook. Only a reset
// matters to the DFU state machine; suspend/resume have no effect on it.
func (c *Controller) dispatchEvent(event usbhal.Event) {
	if event == usbhal.EventReset {
		c.Machine.OnBusReset()
	}
}

// getDescriptor is registered with USB to answer GET_DESCRIPTOR requests
// from the session's descriptor set.
func (c *Controller) getDescriptor(descriptorType, index uint8) []byte {
	switch descriptorType {
	case descriptor.TypeDevice:
		return c.descriptors.Device.Bytes()
	case descriptor.TypeConfiguration:
		return c.descriptors.ConfigurationBytes()
	case descriptor.TypeString:
		if int(index) >= len(c.descriptors.Strings) {
			return nil
		}
		return c.descriptors.Strings[index]
	default:
		return nil
	}
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
