// Copyright (c) 2026 EngEmil
//
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

//go:build tamago

// Command bootloader is the USB DFU bootloader entry point for the
// target MCU. It wires the register bus, flash programmer, DFU state
// machine/worker and boot controller together: decide whether to enter
// DFU mode, run it to completion or timeout, and otherwise jump straight
// into the application.
package main

import (
	"log/slog"
	"time"

	"github.com/engemil/ee-stm32-bootloader/boot"
	"github.com/engemil/ee-stm32-bootloader/config"
	"github.com/engemil/ee-stm32-bootloader/dfu"
	"github.com/engemil/ee-stm32-bootloader/flash"
	"github.com/engemil/ee-stm32-bootloader/internal/regbus"
	"github.com/engemil/ee-stm32-bootloader/timeout"
	"github.com/engemil/ee-stm32-bootloader/usbhal"
)

// flashControllerBase is the FLASH peripheral's register base address on
// the target part.
const flashControllerBase = 0x40022000

// gpioAIDR and userButtonPin locate the bootloader's single external
// input on the board this firmware targets.
const gpioAIDR = 0x50000010
const userButtonPin = 0

func main() {
	logger := slog.Default()

	bus := regbus.MMIO{}
	f := flash.New(bus, flashControllerBase)
	machine := dfu.New()
	worker := dfu.NewWorker(machine, f)
	clock := timeout.New(config.BootloaderTimeout, nil)

	ctrl := &boot.Controller{
		Bus:     bus,
		GPIO:    userButton{bus: bus, addr: gpioAIDR, bit: userButtonPin},
		Sys:     chibiSystem{},
		USB:     dfuUSB{},
		Machine: machine,
		Worker:  worker,
		Timeout: clock,
		Jumper:  boot.MMIOJumper{VectorTable: config.AppBase + config.AppVectorTableOffset},
	}

	machine.OnActivity = clock.Reset
	worker.OnActivity = clock.Reset

	if ctrl.ShouldEnter() {
		logger.Info("bootloader:enter-dfu", slog.Uint64("version", uint64(ctrl.Version())))

		if ctrl.Run() {
			logger.Info("bootloader:download-complete")
		} else {
			logger.Info("bootloader:timeout-fallback")
		}

		chibiSystem{}.Reset()
		return
	}

	logger.Info("bootloader:jump-to-app")

	if err := ctrl.JumpToApplication(); err != nil {
		logger.Error("bootloader:jump-failed, falling back to dfu", slog.Any("error", err))

		if ctrl.Run() {
			logger.Info("bootloader:download-complete")
		}
		chibiSystem{}.Reset()
	}
}

// userButton reads the active-low, externally pulled-up user button GPIO
// line. The exact register layout is board-specific and out of this
// repository's scope; bit is the bootloader's one external input.
type userButton struct {
	bus  regbus.Bus
	addr uint32
	bit  int
}

func (u userButton) Pressed() bool {
	return regbus.Get(u.bus, u.addr, u.bit, 1) == 0
}

// chibiSystem provides the RTOS-level sleep/reset primitives; of the
// whole RTOS surface the bootloader only needs the two operations below.
type chibiSystem struct{}

func (chibiSystem) Sleep(d time.Duration) { time.Sleep(d) }

// aircr is the Cortex-M SCB Application Interrupt and Reset Control
// Register; writing it with the correct vector key bits requests a full
// system reset.
const aircr = 0xE000ED0C
const aircrVectKey = 0x05FA0000
const aircrSysResetReq = 1 << 2

func (chibiSystem) Reset() {
	regbus.Write(regbus.MMIO{}, aircr, aircrVectKey|aircrSysResetReq)
	for {
	}
}

// dfuUSB is the transport-level driver the boot controller calls around a
// DFU session. The USB peripheral driver itself lives in the board
// support package, not here; this stub only satisfies usbhal.Transport so
// Controller.Run can be wired up, with no real peripheral behind it on
// this build.
type dfuUSB struct{}

func (dfuUSB) Disconnect() error { return nil }
func (dfuUSB) Start() error      { return nil }
func (dfuUSB) Connect() error    { return nil }

func (dfuUSB) Tx(ep int, data []byte) error             { return nil }
func (dfuUSB) Stall(ep int, dir usbhal.Direction) error { return nil }
func (dfuUSB) Ack(ep int) error                         { return nil }

func (dfuUSB) RegisterSetup(fn usbhal.SetupFunc)            {}
func (dfuUSB) RegisterEvent(fn usbhal.EventFunc)            {}
func (dfuUSB) RegisterDescriptors(fn usbhal.DescriptorFunc) {}
