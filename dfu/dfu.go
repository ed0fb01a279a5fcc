// Copyright (c) 2026 EngEmil
//
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

package dfu

import "github.com/engemil/ee-stm32-bootloader/config"

// Context is the process-wide DFU session state, mutated by the setup
// callback (Machine.Dispatch) and by the deferred flash Worker. The two
// never touch the buffer concurrently: Dispatch stores into it and
// transitions to DNLoadSync; GetStatus moves DNLoadSync to DNBusy without
// touching the buffer; only the Worker, running from the main loop,
// reads and clears it.
type Context struct {
	State            State
	Status           Status
	CurrentAddress   uint32
	TargetAddress    uint32
	BlockNum         uint16
	Buffer           [config.DFUXferSize]byte
	BufferLen        int
	PollTimeout      uint32
	DownloadComplete bool
	EraseDone        bool
}

// Machine drives the DFU 1.1 + DFUSe protocol state machine. It holds no
// hardware references: flash I/O is entirely the Worker's responsibility,
// keeping every method here safe to call directly from a USB setup
// callback.
type Machine struct {
	Ctx Context

	// OnActivity is invoked on every class request, letting the caller
	// reset the inactivity timeout without this package depending on the
	// timeout package directly.
	OnActivity func()
}

// New returns a Machine in DFU_IDLE with the session addresses reset to
// the start of the application region.
func New() *Machine {
	m := &Machine{}
	m.resetSession()
	return m
}

func (m *Machine) resetSession() {
	m.Ctx.State = StateIdle
	m.Ctx.Status = StatusOK
	m.Ctx.CurrentAddress = config.AppBase
	m.Ctx.TargetAddress = config.AppBase
	m.Ctx.BlockNum = 0
	m.Ctx.BufferLen = 0
	m.Ctx.DownloadComplete = false
	m.Ctx.EraseDone = false
	m.Ctx.PollTimeout = 0
}

func (m *Machine) fail(status Status) {
	m.Ctx.Status = status
	m.Ctx.State = StateError
}

func (m *Machine) activity() {
	if m.OnActivity != nil {
		m.OnActivity()
	}
}

// Dispatch handles one DFU class request. data is the host-to-device data
// stage payload for DNLOAD, nil otherwise. It returns the data to return
// in the device-to-host stage (nil for none) and whether the transfer
// should stall.
func (m *Machine) Dispatch(req Request, value uint16, length uint16, data []byte) (response []byte, stall bool) {
	m.activity()

	switch req {
	case ReqDNLoad:
		return nil, m.dnload(value, length, data)
	case ReqGetStatus:
		return m.getStatus(), false
	case ReqClrStatus:
		m.clrStatus()
		return nil, false
	case ReqGetState:
		return []byte{byte(m.Ctx.State)}, false
	case ReqAbort:
		m.abort()
		return nil, false
	case ReqDetach:
		return nil, false
	default:
		return nil, true
	}
}

func (m *Machine) dnload(value uint16, length uint16, data []byte) (stall bool) {
	if m.Ctx.State != StateIdle && m.Ctx.State != StateDNLoadIdle {
		m.fail(StatusErrStalled)
		return true
	}

	if length == 0 {
		m.Ctx.State = StateManifestSync
		m.Ctx.DownloadComplete = true
		return false
	}

	if length > config.DFUXferSize {
		m.fail(StatusErrStalled)
		return true
	}

	if value == 0 {
		m.Ctx.BlockNum = blockNumSpecial
	} else {
		m.Ctx.BlockNum = value
	}
	m.Ctx.BufferLen = int(length)
	copy(m.Ctx.Buffer[:length], data)
	m.Ctx.State = StateDNLoadSync

	return false
}

func (m *Machine) getStatus() []byte {
	switch m.Ctx.State {
	case StateDNLoadSync:
		if m.Ctx.BlockNum == blockNumSpecial {
			m.Ctx.PollTimeout = 2000
		} else {
			m.Ctx.PollTimeout = 10
		}
		m.Ctx.State = StateDNBusy

	case StateDNBusy:
		if m.Ctx.BufferLen == 0 {
			if m.Ctx.Status == StatusOK {
				m.Ctx.State = StateDNLoadIdle
			} else {
				m.Ctx.State = StateError
			}
		}

	case StateManifestSync:
		m.Ctx.State = StateManifest
		m.Ctx.PollTimeout = 0
	}

	resp := make([]byte, 6)
	resp[0] = byte(m.Ctx.Status)
	resp[1] = byte(m.Ctx.PollTimeout)
	resp[2] = byte(m.Ctx.PollTimeout >> 8)
	resp[3] = byte(m.Ctx.PollTimeout >> 16)
	resp[4] = byte(m.Ctx.State)
	resp[5] = 0

	return resp
}

func (m *Machine) clrStatus() {
	if m.Ctx.State == StateError {
		m.Ctx.State = StateIdle
		m.Ctx.Status = StatusOK
	}
}

func (m *Machine) abort() {
	m.Ctx.State = StateIdle
	m.Ctx.Status = StatusOK
	m.Ctx.BlockNum = 0
	m.Ctx.CurrentAddress = config.AppBase
	m.Ctx.TargetAddress = config.AppBase
	m.Ctx.EraseDone = false
}

// OnBusReset handles a USB bus reset event. Unlike Abort, it leaves
// CurrentAddress/EraseDone untouched: a bus reset is a lighter-weight
// event than an explicit protocol abort.
func (m *Machine) OnBusReset() {
	m.Ctx.State = StateIdle
	m.Ctx.Status = StatusOK
}

// DownloadComplete reports whether the session has reached the
// manifestation phase the host triggers with a zero-length DNLOAD.
func (m *Machine) DownloadComplete() bool {
	return m.Ctx.DownloadComplete
}
