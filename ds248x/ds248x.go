// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds248x

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/GermanBionicSystems/owtemp/common"
	"github.com/GermanBionicSystems/owtemp/ds18b20"
	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/i2c"
)

// PupOhm controls the strength of the passive pull-up resistor
// on the 1-wire data line. The default value is 1000Ω.
type PupOhm uint8

const (
	// R500Ω passive pull-up resistor.
	R500Ω PupOhm = 4
	// R1000Ω passive pull-up resistor.
	R1000Ω PupOhm = 6
)

// Variant identifies the bridge chip.
type Variant int

const (
	// Autodetect probes the registers of the chip to find out the variant.
	Autodetect Variant = iota
	DS2482x100
	DS2482x800
	DS2483
)

func (v Variant) String() string {
	switch v {
	case DS2482x100:
		return "DS2482-100"
	case DS2482x800:
		return "DS2482-800"
	case DS2483:
		return "DS2483"
	default:
		return "Undefined"
	}
}

// Opts contains options to pass to the constructor.
type Opts struct {
	// Variant skips autodetection when set.
	Variant       Variant
	PassivePullup bool // false:use active pull-up, true: disable active pullup

	// The following options are only available on the ds2483 (not ds2482-100).
	// The actual value used is the closest possible value (rounded up or down).
	ResetLow       time.Duration // reset low time, range 440μs..740μs
	PresenceDetect time.Duration // presence detect sample time, range 58μs..76μs
	Write0Low      time.Duration // write zero low time, range 52μs..70μs
	Write0Recovery time.Duration // write zero recovery time, range 2750ns..25250ns
	PullupRes      PupOhm        // passive pull-up resistance, R500Ω or R1000Ω

	// OwnBus makes Close also close the I²C bus, if it implements io.Closer.
	OwnBus bool
	// BusTimeout bounds the wait for a 1-wire cycle to complete.
	BusTimeout time.Duration
	// ConversionDelay is handed to the temperature sensors found on the bus.
	ConversionDelay time.Duration
	// Clock is used for all waits, nil selects the wall clock.
	Clock clock.Clock
	// Logger receives debug traces, nil disables logging.
	Logger *zap.Logger
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	PassivePullup:   false,
	ResetLow:        560 * time.Microsecond,
	PresenceDetect:  68 * time.Microsecond,
	Write0Low:       64 * time.Microsecond,
	Write0Recovery:  5250 * time.Nanosecond,
	PullupRes:       R1000Ω,
	BusTimeout:      3 * time.Millisecond,
	ConversionDelay: time.Second,
}

// withDefaults returns a copy of o where the zero values are replaced by the
// ones of DefaultOpts.
func (o *Opts) withDefaults() Opts {
	r := *o
	if r.ResetLow == 0 {
		r.ResetLow = DefaultOpts.ResetLow
	}
	if r.PresenceDetect == 0 {
		r.PresenceDetect = DefaultOpts.PresenceDetect
	}
	if r.Write0Low == 0 {
		r.Write0Low = DefaultOpts.Write0Low
	}
	if r.Write0Recovery == 0 {
		r.Write0Recovery = DefaultOpts.Write0Recovery
	}
	if r.PullupRes == 0 {
		r.PullupRes = DefaultOpts.PullupRes
	}
	if r.BusTimeout == 0 {
		r.BusTimeout = DefaultOpts.BusTimeout
	}
	if r.ConversionDelay == 0 {
		r.ConversionDelay = DefaultOpts.ConversionDelay
	}
	if r.Clock == nil {
		r.Clock = clock.New()
	}
	if r.Logger == nil {
		r.Logger = zap.NewNop()
	}
	return r
}

// New returns a device object that communicates over I²C to the DS2482/DS2483
// controller.
//
// The chip is reset, configured and a reset pulse is issued on its first
// channel; any failure is reported wrapped in ErrDeviceNotFound. When
// opts.OwnBus is set the bus is closed by Close but not on failure here.
//
// Valid I²C addresses are 0x18 to 0x1F.
func New(b i2c.Bus, addr uint16, opts *Opts) (*Dev, error) {
	if addr < 0x18 || addr > 0x1f {
		return nil, errors.New("ds248x: given address not supported by device")
	}
	if opts == nil {
		opts = &DefaultOpts
	}
	o := opts.withDefaults()
	d := &Dev{
		i2c:        &i2c.Dev{Bus: b, Addr: addr},
		clk:        o.Clock,
		log:        o.Logger.With(zap.Uint16("addr", addr)),
		timeout:    o.BusTimeout,
		conversion: o.ConversionDelay,
		selected:   -1,
	}
	if o.OwnBus {
		d.closer, _ = b.(io.Closer)
	}
	if err := d.makeDev(&o); err != nil {
		return nil, err
	}
	return d, nil
}

// Dev is a handle to a ds248x device.
//
// The 1-wire buses are accessed through the Channel objects; all channels of
// a chip share one lock since the chip only drives one at a time.
type Dev struct {
	mu         sync.Mutex    // lock for the chip while a 1-wire sequence is in progress
	i2c        conn.Conn     // i2c device handle for the ds248x
	variant    Variant       // detected or configured chip
	confReg    byte          // value written to configuration register
	tReset     time.Duration // time to perform a 1-wire reset
	tSlot      time.Duration // time to perform a 1-bit 1-wire read/write
	timeout    time.Duration // bound on a 1-wire cycle
	conversion time.Duration // temperature conversion delay for sensors
	clk        clock.Clock
	log        *zap.Logger
	closer     io.Closer // set when the I²C bus is owned
	channels   []*Channel
	selected   int // currently selected channel, -1 when unknown

	cacheMu sync.Mutex
	devices []*Device // nil until a complete enumeration succeeded
}

func (d *Dev) String() string {
	return fmt.Sprintf("%s{%s}", d.variant, d.i2c)
}

// Variant returns the chip variant.
func (d *Dev) Variant() Variant {
	return d.variant
}

// Halt implements conn.Resource.
//
// It stops continuous sensing on the sensors returned by EnumerateAll.
func (d *Dev) Halt() error {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	var err error
	for _, dev := range d.devices {
		if dev.Sensor != nil {
			err = multierr.Append(err, dev.Sensor.Halt())
		}
	}
	return err
}

// Close halts the device and closes the I²C bus when it is owned.
func (d *Dev) Close() error {
	err := d.Halt()
	if d.closer != nil {
		err = multierr.Append(err, d.closer.Close())
		d.closer = nil
	}
	return err
}

// Channels returns the 1-wire channels of the chip, 8 on the DS2482-800 and 1
// otherwise.
func (d *Dev) Channels() []*Channel {
	return slices.Clone(d.channels)
}

// Channel returns channel n.
func (d *Dev) Channel(n int) (*Channel, error) {
	if n < 0 || n >= len(d.channels) {
		return nil, fmt.Errorf("ds248x: %s has no channel %d", d.variant, n)
	}
	return d.channels[n], nil
}

// ChannelSelect selects one of the eight 1-wire channels of a DS2482-800 and
// checks the confirmation returned by the chip.
//
// On other chips it does nothing.
func (d *Dev) ChannelSelect(ch int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.variant != DS2482x800 {
		return nil
	}
	if ch < 0 || ch > 7 {
		return fmt.Errorf("ds2482-800: invalid channel %d", ch)
	}
	return d.forceChannel(ch)
}

// SelectedChannel reads which 1-w channel is selected on DS2482-800.
//
// On other chips it always returns 0.
func (d *Dev) SelectedChannel() (int, error) {
	if d.variant != DS2482x800 {
		return 0, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var sch [1]byte
	if err := d.i2c.Tx([]byte{cmdSetReadPtr, regCSR}, sch[:]); err != nil {
		return 0, fmt.Errorf("ds2482-800: error while reading selected channel: %w", err)
	}
	ch := bytes.IndexByte(cscRead[:], sch[0])
	if ch < 0 {
		return 0, fmt.Errorf("%w: unknown selection code %#02x", ErrChannelSelect, sch[0])
	}
	return ch, nil
}

// Device is a device found on one of the channels.
type Device struct {
	ROM     common.ROM
	Channel *Channel
	// Sensor is nil when the family code is not a supported temperature
	// sensor.
	Sensor *ds18b20.Dev
}

func (d *Device) String() string {
	if d.Sensor != nil {
		return d.Sensor.String()
	}
	return "Undefined{" + d.ROM.String() + "}"
}

// EnumerateAll searches all channels and returns the devices found.
//
// The result is cached after the first enumeration where every channel could
// be searched; later calls return it without touching the bus. When a channel
// fails the devices found so far are returned along with the combined errors
// and the next call searches again.
func (d *Dev) EnumerateAll() ([]*Device, error) {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	if d.devices != nil {
		return slices.Clone(d.devices), nil
	}
	list := make([]*Device, 0)
	var err error
	for _, c := range d.channels {
		for rom, serr := range c.Enumerate() {
			if serr != nil {
				err = multierr.Append(err, fmt.Errorf("channel %d: %w", c.n, serr))
				break
			}
			list = append(list, d.newDevice(c, rom))
		}
	}
	if err != nil {
		d.log.Debug("enumeration incomplete", zap.Int("found", len(list)), zap.Error(err))
		return list, err
	}
	d.log.Debug("enumeration complete", zap.Int("found", len(list)))
	d.devices = list
	return slices.Clone(list), nil
}

// Devices returns the enumerated devices whose family code is not a supported
// temperature sensor.
func (d *Dev) Devices() ([]*Device, error) {
	all, err := d.EnumerateAll()
	var out []*Device
	for _, dev := range all {
		if dev.Sensor == nil {
			out = append(out, dev)
		}
	}
	return out, err
}

// Sensors returns the enumerated temperature sensors of the given families,
// or of all supported families when none is given.
func (d *Dev) Sensors(families ...ds18b20.Family) ([]*ds18b20.Dev, error) {
	all, err := d.EnumerateAll()
	var out []*ds18b20.Dev
	for _, dev := range all {
		if dev.Sensor == nil {
			continue
		}
		if len(families) == 0 || slices.Contains(families, dev.Sensor.Family()) {
			out = append(out, dev.Sensor)
		}
	}
	return out, err
}

//

func (d *Dev) newDevice(c *Channel, rom common.ROM) *Device {
	dev := &Device{ROM: rom, Channel: c}
	if ds18b20.Family(rom.Family()).Supported() {
		s, err := ds18b20.New(c, rom, &ds18b20.Opts{ConversionDelay: d.conversion, Clock: d.clk})
		if err == nil {
			dev.Sensor = s
		}
	}
	d.log.Debug("found device", zap.Int("channel", c.n), zap.Stringer("device", dev))
	return dev
}

// selectChannel makes ch the active channel of a DS2482-800. The caller holds
// d.mu.
func (d *Dev) selectChannel(ch int) error {
	if d.variant != DS2482x800 || d.selected == ch {
		return nil
	}
	return d.forceChannel(ch)
}

// forceChannel runs the channel select transaction. The selected channel
// record is only updated once the chip confirmed it.
func (d *Dev) forceChannel(ch int) error {
	var confirm [1]byte
	if err := d.i2c.Tx([]byte{cmdChannelSelect, cscWrite[ch]}, confirm[:]); err != nil {
		return fmt.Errorf("ds2482-800: error while selecting channel: %w", err)
	}
	if confirm[0] != cscRead[ch] {
		d.log.Debug("channel select not confirmed", zap.Int("channel", ch), zap.Uint8("confirm", confirm[0]))
		return fmt.Errorf("%w: channel %d read back %#02x, expected %#02x", ErrChannelSelect, ch, confirm[0], cscRead[ch])
	}
	d.selected = ch
	return nil
}

// waitIdle waits for the one wire bus to be idle.
//
// It initially sleeps for the delay and then polls the status register and
// sleeps for a tenth of the delay each time the status register indicates that
// the bus is still busy. The last read status byte is returned.
//
// The whole procedure is bounded by the bus timeout.
func (d *Dev) waitIdle(delay time.Duration) (byte, error) {
	deadline := d.clk.Now().Add(d.timeout)
	d.clk.Sleep(delay)
	poll := max(delay/10, minPoll)
	for {
		var status [1]byte
		if err := d.i2c.Tx(nil, status[:]); err != nil {
			return 0, fmt.Errorf("ds248x: error while reading status: %w", err)
		}
		if status[0]&stBusy == 0 {
			return status[0], nil
		}
		if d.clk.Now().After(deadline) {
			return 0, ErrBusTimeout
		}
		// Try not to hog the kernel thread.
		d.clk.Sleep(poll)
	}
}

func (d *Dev) makeDev(opts *Opts) error {
	d.tReset = 2 * opts.ResetLow
	d.tSlot = opts.Write0Low + opts.Write0Recovery

	// Issue a reset command.
	if err := d.i2c.Tx([]byte{cmdReset}, nil); err != nil {
		return fmt.Errorf("%w: error while resetting: %w", ErrDeviceNotFound, err)
	}

	// Read the status register to confirm that we have a responding ds248x.
	var stat [1]byte
	if err := d.i2c.Tx([]byte{cmdSetReadPtr, regStatus}, stat[:]); err != nil {
		return fmt.Errorf("%w: error while reading status register: %w", ErrDeviceNotFound, err)
	}
	if stat[0]&^stLL != stRST {
		return fmt.Errorf("%w: invalid status register value: %#x, expected 0x18", ErrDeviceNotFound, stat[0])
	}

	// Write the device configuration register to get the chip out of reset state, immediately
	// read it back to get confirmation.
	d.confReg = 0xe1 // standard-speed, no strong pullup, no powerdown, active pull-up
	if opts.PassivePullup {
		d.confReg ^= 0x11
	}
	var dcr [1]byte
	if err := d.i2c.Tx([]byte{cmdWriteConfig, d.confReg}, dcr[:]); err != nil {
		return fmt.Errorf("%w: error while writing device config register: %w", ErrDeviceNotFound, err)
	}
	// When reading back we only get the bottom nibble
	if dcr[0] != d.confReg&0x0f {
		return fmt.Errorf("%w: failure to write device config register, wrote %#x got %#x back",
			ErrDeviceNotFound, d.confReg, dcr[0])
	}

	d.variant = opts.Variant
	if d.variant == Autodetect {
		d.variant = d.detect()
	}
	if d.variant == DS2483 {
		buf := []byte{cmdAdjPort,
			byte(0x00 + ((opts.ResetLow/time.Microsecond - 430) / 20 & 0x0f)),
			byte(0x20 + ((opts.PresenceDetect/time.Microsecond - 55) / 2 & 0x0f)),
			byte(0x40 + ((opts.Write0Low/time.Microsecond - 51) / 2 & 0x0f)),
			byte(0x60 + (((opts.Write0Recovery-1250)/2500 + 5) & 0x0f)),
			byte(0x80 + (opts.PullupRes & 0x0f)),
		}
		if err := d.i2c.Tx(buf, nil); err != nil {
			return fmt.Errorf("%w: error while setting port config values: %w", ErrDeviceNotFound, err)
		}
	}

	n := 1
	if d.variant == DS2482x800 {
		n = 8
	}
	d.channels = make([]*Channel, n)
	for i := range d.channels {
		d.channels[i] = &Channel{d: d, n: i}
	}
	d.log = d.log.With(zap.Stringer("variant", d.variant))

	// A reset pulse on the first channel proves the 1-wire side works.
	d.mu.Lock()
	_, err := d.channels[0].Reset()
	d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceNotFound, err)
	}
	d.log.Debug("initialized", zap.Int("channels", n))
	return nil
}

// detect sets the read pointer to registers that only exist on some variants.
// This fails on devices that do not have the register.
func (d *Dev) detect() Variant {
	if d.i2c.Tx([]byte{cmdSetReadPtr, regPCR}, nil) == nil {
		return DS2483
	}
	if d.i2c.Tx([]byte{cmdSetReadPtr, regCSR}, nil) == nil {
		return DS2482x800
	}
	return DS2482x100
}

var (
	// ErrDeviceNotFound is returned by New when the chip did not answer or
	// its first 1-wire bus could not be reset.
	ErrDeviceNotFound = errors.New("ds248x: device not found")
	// ErrBusTimeout is returned when the chip stays busy longer than the bus
	// timeout.
	ErrBusTimeout = errors.New("ds248x: timeout waiting for bus cycle to finish")
	// ErrChannelSelect is returned when the DS2482-800 did not confirm the
	// channel selection.
	ErrChannelSelect = errors.New("ds2482-800: channel selection not confirmed")
	// ErrBusFault is returned when a reset detected a short on the 1-wire bus.
	ErrBusFault error = shortedBusError("ds248x: bus has a short")
	// ErrNoPresence is returned by Tx when no device answered the reset.
	ErrNoPresence error = noDevicesError("ds248x: no device present")
)

// shortedBusError implements error and onewire.ShortedBusError.
type shortedBusError string

func (e shortedBusError) Error() string   { return string(e) }
func (e shortedBusError) IsShorted() bool { return true }
func (e shortedBusError) BusError() bool  { return true }

// noDevicesError implements error, onewire.NoDevicesError and
// onewire.BusError.
type noDevicesError string

func (e noDevicesError) Error() string   { return string(e) }
func (e noDevicesError) NoDevices() bool { return true }
func (e noDevicesError) BusError() bool  { return true }

// minPoll bounds the status polling period from below.
const minPoll = 20 * time.Microsecond

var _ conn.Resource = &Dev{}

const (
	cmdReset         = 0xf0 // reset ds248x
	cmdSetReadPtr    = 0xe1 // set the read pointer
	cmdWriteConfig   = 0xd2 // write the device configuration
	cmdAdjPort       = 0xc3 // adjust 1-wire port (ds2483)
	cmdChannelSelect = 0xc3 // channel select (ds2482-800)
	cmd1WReset       = 0xb4 // reset the 1-wire bus
	cmd1WBit         = 0x87 // perform a single-bit transaction on the 1-wire bus
	cmd1WWrite       = 0xa5 // perform a byte write on the 1-wire bus
	cmd1WRead        = 0x96 // perform a byte read on the 1-wire bus
	cmd1WTriplet     = 0x78 // perform a triplet operation (2 bit reads, a bit write)

	regDCR    = 0xc3 // read ptr for device configuration register
	regStatus = 0xf0 // read ptr for status register
	regRDR    = 0xe1 // read ptr for read-data register
	regPCR    = 0xb4 // read ptr for port configuration register
	regCSR    = 0xd2 // read ptr for channel selection register

	stBusy = 0x01 // 1-wire busy
	stPPD  = 0x02 // presence pulse detected
	stSD   = 0x04 // short detected
	stLL   = 0x08 // logic level of the 1-wire line
	stRST  = 0x10 // device reset since the last configuration write
	stSBR  = 0x20 // single bit result
	stTSB  = 0x40 // triplet second bit
	stDIR  = 0x80 // branch direction taken by the triplet
)

// ds2482-800 channel selection codes to be written and read back.
var (
	cscWrite = [8]byte{0xf0, 0xe1, 0xd2, 0xc3, 0xb4, 0xa5, 0x96, 0x87}
	cscRead  = [8]byte{0xb8, 0xb1, 0xaa, 0xa3, 0x9c, 0x95, 0x8e, 0x87}
)
