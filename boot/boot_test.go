// Copyright (c) 2026 EngEmil
//
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

package boot

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engemil/ee-stm32-bootloader/config"
	"github.com/engemil/ee-stm32-bootloader/crc32"
	"github.com/engemil/ee-stm32-bootloader/dfu"
	"github.com/engemil/ee-stm32-bootloader/flash"
	"github.com/engemil/ee-stm32-bootloader/internal/regbus"
	"github.com/engemil/ee-stm32-bootloader/timeout"
	"github.com/engemil/ee-stm32-bootloader/usb/descriptor"
	"github.com/engemil/ee-stm32-bootloader/usbhal"
)

const flashControllerBase = 0x40022000

type fakeGPIO struct{ pressed bool }

func (g *fakeGPIO) Pressed() bool { return g.pressed }

type fakeSystem struct {
	slept []time.Duration
	reset bool
}

func (s *fakeSystem) Sleep(d time.Duration) { s.slept = append(s.slept, d) }
func (s *fakeSystem) Reset()                { s.reset = true }

type fakeUSB struct {
	disconnect, start, connect int
	startFailures              int

	setup       usbhal.SetupFunc
	event       usbhal.EventFunc
	descriptors usbhal.DescriptorFunc
}

func (u *fakeUSB) Disconnect() error { u.disconnect++; return nil }

func (u *fakeUSB) Start() error {
	u.start++
	if u.startFailures > 0 {
		u.startFailures--
		return errors.New("usb: controller start failed")
	}
	return nil
}

func (u *fakeUSB) Connect() error { u.connect++; return nil }

func (u *fakeUSB) Tx(ep int, data []byte) error             { return nil }
func (u *fakeUSB) Stall(ep int, dir usbhal.Direction) error { return nil }
func (u *fakeUSB) Ack(ep int) error                         { return nil }

func (u *fakeUSB) RegisterSetup(fn usbhal.SetupFunc)            { u.setup = fn }
func (u *fakeUSB) RegisterEvent(fn usbhal.EventFunc)            { u.event = fn }
func (u *fakeUSB) RegisterDescriptors(fn usbhal.DescriptorFunc) { u.descriptors = fn }

type fakeJumper struct {
	called    bool
	sp, entry uint32
}

func (j *fakeJumper) Jump(sp, entry uint32) {
	j.called = true
	j.sp, j.entry = sp, entry
}

type manualClock struct{ t time.Time }

func (m *manualClock) now() time.Time          { return m.t }
func (m *manualClock) advance(d time.Duration) { m.t = m.t.Add(d) }

func writeValidApp(bus *regbus.Sim, body []byte) {
	raw := make([]byte, config.AppHeaderSize)
	binary.LittleEndian.PutUint32(raw[0:4], config.AppHeaderMagic)
	binary.LittleEndian.PutUint32(raw[8:12], uint32(len(body)))
	binary.LittleEndian.PutUint32(raw[12:16], crc32.Calculate(body))
	bus.WriteBytes(config.AppBase, raw)
	bus.WriteBytes(config.AppBase+config.AppVectorTableOffset, body)
}

func newController(bus *regbus.Sim, gpio *fakeGPIO, sys *fakeSystem) *Controller {
	m := dfu.New()
	flash.SimController(bus, flashControllerBase)
	f := flash.New(bus, flashControllerBase)
	return &Controller{
		Bus:     bus,
		GPIO:    gpio,
		Sys:     sys,
		Machine: m,
		Worker:  dfu.NewWorker(m, f),
		Timeout: timeout.New(config.BootloaderTimeout, nil),
	}
}

func TestShouldEnterOnRAMMagic(t *testing.T) {
	bus := regbus.NewSim()
	regbus.Write(bus, config.BootloaderMagicAddr, config.BootloaderMagic)

	c := newController(bus, &fakeGPIO{}, &fakeSystem{})

	require.True(t, c.ShouldEnter())
	assert.Equal(t, uint32(0), regbus.Read(bus, config.BootloaderMagicAddr), "magic must be cleared after consumption")

	// One-shot: a second check without a valid app still enters (invalid
	// app), but not because of the magic word, which must stay cleared.
	assert.True(t, c.ShouldEnter())
}

func TestShouldEnterOnInvalidApp(t *testing.T) {
	bus := regbus.NewSim()
	c := newController(bus, &fakeGPIO{}, &fakeSystem{})

	assert.True(t, c.ShouldEnter())
}

func TestShouldEnterOnButtonPressed(t *testing.T) {
	bus := regbus.NewSim()
	writeValidApp(bus, []byte("valid-app"))

	c := newController(bus, &fakeGPIO{pressed: true}, &fakeSystem{})
	assert.True(t, c.ShouldEnter())
}

func TestShouldNotEnterWithValidAppAndNoButton(t *testing.T) {
	bus := regbus.NewSim()
	writeValidApp(bus, []byte("valid-app"))

	c := newController(bus, &fakeGPIO{pressed: false}, &fakeSystem{})
	assert.False(t, c.ShouldEnter())
}

func TestRunReturnsTrueOnDownloadComplete(t *testing.T) {
	bus := regbus.NewSim()
	c := newController(bus, &fakeGPIO{}, &fakeSystem{})
	usb := &fakeUSB{}
	c.USB = usb

	c.Machine.Ctx.DownloadComplete = true

	complete := c.Run()

	assert.True(t, complete)
	assert.Equal(t, 1, usb.disconnect)
	assert.Equal(t, 1, usb.start)
	assert.Equal(t, 1, usb.connect)
}

func TestRunFallsBackToValidAppOnTimeout(t *testing.T) {
	bus := regbus.NewSim()
	writeValidApp(bus, []byte("valid-app"))

	mc := &manualClock{t: time.Unix(0, 0)}
	sys := &fakeSystem{}
	c := newController(bus, &fakeGPIO{}, sys)
	c.Timeout = timeout.New(10*time.Millisecond, mc.now)

	// Advance the clock to expiry on the very first Sleep call.
	c.Sys = &sleepAdvancingSystem{fakeSystem: sys, clock: mc, step: 11 * time.Millisecond}

	complete := c.Run()
	assert.False(t, complete)
}

type sleepAdvancingSystem struct {
	*fakeSystem
	clock *manualClock
	step  time.Duration
}

func (s *sleepAdvancingSystem) Sleep(d time.Duration) {
	s.fakeSystem.Sleep(d)
	s.clock.advance(s.step)
}

func TestJumpToApplicationRejectsInvalidApp(t *testing.T) {
	bus := regbus.NewSim()
	c := newController(bus, &fakeGPIO{}, &fakeSystem{})
	j := &fakeJumper{}
	c.Jumper = j

	err := c.JumpToApplication()
	assert.Error(t, err)
	assert.False(t, j.called)
}

func TestJumpToApplicationLoadsVectorTable(t *testing.T) {
	bus := regbus.NewSim()
	body := make([]byte, 16)
	binary.LittleEndian.PutUint32(body[0:4], 0x20006000) // stack pointer
	binary.LittleEndian.PutUint32(body[4:8], 0x08004101) // entry point (thumb bit set)
	writeValidApp(bus, body)

	c := newController(bus, &fakeGPIO{}, &fakeSystem{})
	j := &fakeJumper{}
	c.Jumper = j

	require.NoError(t, c.JumpToApplication())
	assert.True(t, j.called)
	assert.Equal(t, uint32(0x20006000), j.sp)
	assert.Equal(t, uint32(0x08004101), j.entry)
}

func TestVersionReportsCompiledConstant(t *testing.T) {
	c := newController(regbus.NewSim(), &fakeGPIO{}, &fakeSystem{})
	assert.Equal(t, uint32(config.BootloaderVersion), c.Version())
}

func TestRunRetriesUSBBringUpUntilItSucceeds(t *testing.T) {
	bus := regbus.NewSim()
	c := newController(bus, &fakeGPIO{}, &fakeSystem{})
	usb := &fakeUSB{startFailures: 2}
	c.USB = usb

	c.Machine.Ctx.DownloadComplete = true

	require.True(t, c.Run())
	assert.Equal(t, 3, usb.start)
	assert.Equal(t, 1, usb.connect)
}

func TestRunRegistersUSBCallbacks(t *testing.T) {
	bus := regbus.NewSim()
	c := newController(bus, &fakeGPIO{}, &fakeSystem{})
	usb := &fakeUSB{}
	c.USB = usb

	c.Machine.Ctx.DownloadComplete = true
	c.Run()

	require.NotNil(t, usb.setup)
	require.NotNil(t, usb.event)
	require.NotNil(t, usb.descriptors)
}

func TestDispatchSetupForwardsToMachine(t *testing.T) {
	bus := regbus.NewSim()
	c := newController(bus, &fakeGPIO{}, &fakeSystem{})

	setup := descriptor.SetupData{
		RequestType: descriptor.RequestTypeDirIn | descriptor.RequestTypeClass | descriptor.RequestTypeInterface,
		Request:     uint8(dfu.ReqGetState),
	}

	resp, stall := c.dispatchSetup(setup, nil)
	assert.False(t, stall)
	assert.Equal(t, []byte{byte(dfu.StateIdle)}, resp)
}

func TestDispatchSetupStallsNonClassInterfaceRequests(t *testing.T) {
	bus := regbus.NewSim()
	c := newController(bus, &fakeGPIO{}, &fakeSystem{})

	// Standard GET_DESCRIPTOR, device recipient: not ours to answer.
	setup := descriptor.SetupData{RequestType: 0x80, Request: 6}

	resp, stall := c.dispatchSetup(setup, nil)
	assert.True(t, stall)
	assert.Nil(t, resp)
	assert.Equal(t, dfu.StateIdle, c.Machine.Ctx.State, "machine must not see non-class requests")
}

func TestDispatchEventResetsMachineOnBusReset(t *testing.T) {
	bus := regbus.NewSim()
	c := newController(bus, &fakeGPIO{}, &fakeSystem{})
	c.Machine.Ctx.State = dfu.StateError
	c.Machine.Ctx.Status = dfu.StatusErrStalled

	c.dispatchEvent(usbhal.EventReset)

	assert.Equal(t, dfu.StateIdle, c.Machine.Ctx.State)
	assert.Equal(t, dfu.StatusOK, c.Machine.Ctx.Status)
}

func TestGetDescriptorServesDeviceConfigurationAndStrings(t *testing.T) {
	bus := regbus.NewSim()
	c := newController(bus, &fakeGPIO{}, &fakeSystem{})
	c.descriptors = c.newDescriptorSet()

	dev := c.getDescriptor(descriptor.TypeDevice, 0)
	assert.Equal(t, c.descriptors.Device.Bytes(), dev)

	cfg := c.getDescriptor(descriptor.TypeConfiguration, 0)
	assert.Equal(t, c.descriptors.ConfigurationBytes(), cfg)

	str := c.getDescriptor(descriptor.TypeString, 1)
	assert.Equal(t, c.descriptors.Strings[1], str)

	assert.Nil(t, c.getDescriptor(descriptor.TypeString, 99))
	assert.Nil(t, c.getDescriptor(descriptor.TypeEndpoint, 0))
}

func TestNewDescriptorSetUsesAppHeaderIdentityWhenValid(t *testing.T) {
	bus := regbus.NewSim()
	body := []byte("valid-app")
	raw := make([]byte, config.AppHeaderSize)
	binary.LittleEndian.PutUint32(raw[0:4], config.AppHeaderMagic)
	binary.LittleEndian.PutUint32(raw[8:12], uint32(len(body)))
	binary.LittleEndian.PutUint32(raw[12:16], crc32.Calculate(body))
	binary.LittleEndian.PutUint16(raw[16:18], 0x1234)
	binary.LittleEndian.PutUint16(raw[18:20], 0x5678)
	bus.WriteBytes(config.AppBase, raw)
	bus.WriteBytes(config.AppBase+config.AppVectorTableOffset, body)

	c := newController(bus, &fakeGPIO{}, &fakeSystem{})
	set := c.newDescriptorSet()

	assert.Equal(t, uint16(0x1234), set.Device.VendorID)
	assert.Equal(t, uint16(0x5678), set.Device.ProductID)
}
