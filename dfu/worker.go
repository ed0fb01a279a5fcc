// Copyright (c) 2026 EngEmil
//
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

package dfu

import (
	"encoding/binary"
	"errors"

	"github.com/engemil/ee-stm32-bootloader/config"
	"github.com/engemil/ee-stm32-bootloader/flash"
)

// Worker executes the flash operations a Machine defers out of its USB
// setup callback: DFUSe set-address/erase commands and regular firmware
// data blocks. It runs from the boot controller's main loop, never from
// an interrupt context, since flash program/erase operations block for
// milliseconds.
type Worker struct {
	Machine *Machine
	Flash   *flash.Programmer

	// OnActivity is invoked whenever a buffered operation is actually
	// processed, so the inactivity timeout is reset on flash activity as
	// well as on class requests.
	OnActivity func()
}

// NewWorker returns a Worker driving m through flash operations on f.
func NewWorker(m *Machine, f *flash.Programmer) *Worker {
	return &Worker{Machine: m, Flash: f}
}

// Step performs one unit of deferred work, if any is pending. It is safe
// to call on every main-loop iteration even when nothing is pending.
func (w *Worker) Step() {
	ctx := &w.Machine.Ctx

	if ctx.State != StateDNBusy || ctx.BufferLen == 0 {
		return
	}

	if w.OnActivity != nil {
		w.OnActivity()
	}

	if ctx.BlockNum == blockNumSpecial {
		w.processCommand(ctx)
		return
	}

	w.processDataBlock(ctx)
}

func (w *Worker) processCommand(ctx *Context) {
	cmd := ctx.Buffer[0]

	switch cmd {
	case cmdSetAddress:
		if ctx.BufferLen != 5 {
			w.Machine.fail(StatusErrStalled)
			return
		}

		addr := parseAddress(ctx.Buffer[1:5])
		if !inTargetRange(addr) {
			w.Machine.fail(StatusErrAddress)
			return
		}

		ctx.TargetAddress = addr
		ctx.CurrentAddress = addr
		ctx.Status = StatusOK

	case cmdErase:
		if ctx.BufferLen != 5 {
			w.Machine.fail(StatusErrStalled)
			return
		}

		addr := parseAddress(ctx.Buffer[1:5])
		if !inTargetRange(addr) {
			w.Machine.fail(StatusErrAddress)
			return
		}

		if err := w.eraseApp(); err != nil {
			if errors.Is(err, flash.ErrUnlock) {
				w.Machine.fail(StatusErrProg)
			} else {
				w.Machine.fail(StatusErrErase)
			}
			return
		}

		ctx.EraseDone = true
		ctx.CurrentAddress = config.AppBase
		ctx.Status = StatusOK

	default:
		w.Machine.fail(StatusErrStalled)
		return
	}

	ctx.BufferLen = 0
}

func (w *Worker) processDataBlock(ctx *Context) {
	if !ctx.EraseDone && ctx.BlockNum == 2 {
		if err := w.eraseApp(); err != nil {
			if errors.Is(err, flash.ErrUnlock) {
				w.Machine.fail(StatusErrProg)
			} else {
				w.Machine.fail(StatusErrErase)
			}
			return
		}
		ctx.EraseDone = true
		ctx.CurrentAddress = config.AppBase
	}

	writeAddr := ctx.CurrentAddress

	if !flash.IsAppRegion(writeAddr, ctx.BufferLen) {
		w.Machine.fail(StatusErrAddress)
		return
	}

	if ctx.BufferLen == 0 || ctx.BufferLen > config.DFUXferSize {
		w.Machine.fail(StatusErrStalled)
		return
	}

	if err := w.Flash.Unlock(); err != nil {
		w.Machine.fail(StatusErrWrite)
		return
	}

	if err := w.Flash.Write(writeAddr, ctx.Buffer[:ctx.BufferLen]); err != nil {
		w.Flash.Lock()
		w.Machine.fail(StatusErrWrite)
		return
	}

	w.Flash.Lock()

	ctx.CurrentAddress += uint32(ctx.BufferLen)
	ctx.BufferLen = 0
	ctx.Status = StatusOK
}

func (w *Worker) eraseApp() error {
	if err := w.Flash.Unlock(); err != nil {
		return flash.ErrUnlock
	}

	if err := w.Flash.EraseApp(); err != nil {
		w.Flash.Lock()
		return err
	}

	w.Flash.Lock()
	return nil
}

func parseAddress(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}

func inTargetRange(addr uint32) bool {
	return addr >= config.AppBase && addr < config.AppBase+config.AppMaxSize
}
