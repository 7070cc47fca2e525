// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package ds18b20 reads Maxim DS18B20 and DS18S20 temperature sensors through
// the byte level primitives of a 1-wire master such as a DS2482 channel.
package ds18b20

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/GermanBionicSystems/owtemp/common"
	"github.com/benbjohnson/clock"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/physic"
)

// Family code of the specific device type
type Family byte

func (f Family) String() string {
	switch f {
	case DS18S20:
		return "DS18S20"
	case DS18B20:
		return "DS18B20"
	default:
		return "unknown"
	}
}

// Supported returns true for the families this package can read.
func (f Family) Supported() bool {
	return f == DS18S20 || f == DS18B20
}

const DS18B20 Family = 0x28
const DS18S20 Family = 0x10

// Bus is the 1-wire master used to talk to the sensors.
//
// The Locker must be held for a whole reset, address, command sequence; the
// other methods assume it is held.
type Bus interface {
	sync.Locker
	io.ByteReader
	io.ByteWriter
	// Reset issues a reset pulse and returns true if a device answered with a
	// presence pulse.
	Reset() (bool, error)
	// EnableStrongPullup makes the next byte written end with a strong pull-up
	// to power the conversion.
	EnableStrongPullup() error
}

// Opts contains options to pass to the constructor.
type Opts struct {
	// ConversionDelay is how long to wait for a temperature conversion. There
	// is no completion signal when the sensor is powered through the strong
	// pull-up.
	ConversionDelay time.Duration
	// Clock is used for waiting, nil selects the wall clock.
	Clock clock.Clock
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	ConversionDelay: time.Second,
}

// ErrNoReading is returned by Sense when the sensor did not produce a valid
// scratchpad.
var ErrNoReading error = busError("ds18b20: no valid reading (disconnected or no conversion)")

// ConvertAll starts a conversion on all DS18B20 and DS18S20 devices on the bus
// and waits for it to finish.
//
// It is useful in combination with LastTemp. Nothing is done when no device
// answers the reset.
func ConvertAll(ctx context.Context, b Bus, opts *Opts) error {
	if opts == nil {
		opts = &DefaultOpts
	}
	b.Lock()
	defer b.Unlock()
	present, err := b.Reset()
	if err != nil || !present {
		return err
	}
	if err := b.WriteByte(cmdSkipROM); err != nil {
		return err
	}
	if err := startConversion(b); err != nil {
		return err
	}
	return wait(ctx, clockOrDefault(opts.Clock), opts.ConversionDelay)
}

// New returns an object that communicates over 1-wire to the DS18B20 or
// DS18S20 sensor with the specified ROM code.
//
// New does not access the bus.
func New(b Bus, rom common.ROM, opts *Opts) (*Dev, error) {
	if f := Family(rom.Family()); !f.Supported() {
		return nil, fmt.Errorf("ds18b20: unsupported family code %#02x", rom.Family())
	}
	if opts == nil {
		opts = &DefaultOpts
	}
	return &Dev{
		bus:   b,
		rom:   rom,
		delay: opts.ConversionDelay,
		clk:   clockOrDefault(opts.Clock),
	}, nil
}

// Dev is a handle to a Dallas Semi / Maxim DS18B20 or DS18S20 temperature
// sensor on a 1-wire bus.
type Dev struct {
	bus   Bus
	rom   common.ROM
	delay time.Duration
	clk   clock.Clock

	mu       sync.Mutex
	shutdown chan struct{}
}

func (d *Dev) Family() Family {
	return Family(d.rom.Family())
}

// ROM returns the 64-bit registration number of the device.
func (d *Dev) ROM() common.ROM {
	return d.rom
}

func (d *Dev) String() string {
	return d.Family().String() + "{" + d.rom.String() + "}"
}

// Halt implements conn.Resource.
//
// It stops a SenseContinuous loop.
func (d *Dev) Halt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shutdown != nil {
		close(d.shutdown)
		d.shutdown = nil
	}
	return nil
}

// Temperature performs a conversion and reads the result.
//
// ok is false when the device produced no valid reading: it did not answer,
// the scratchpad failed its CRC, or it still holds its power-on value. These
// are expected conditions and are not reported as errors; err is only set
// when the bus itself failed. The conversion wait can be cut short through
// ctx.
func (d *Dev) Temperature(ctx context.Context) (t physic.Temperature, ok bool, err error) {
	d.bus.Lock()
	defer d.bus.Unlock()

	present, err := d.matchROM()
	if err != nil || !present {
		return 0, false, err
	}
	if err := startConversion(d.bus); err != nil {
		return 0, false, err
	}
	if err := wait(ctx, d.clk, d.delay); err != nil {
		return 0, false, err
	}
	return d.lastTemp()
}

// LastTemp reads the temperature resulting from the last conversion from the
// device.
//
// It is useful in combination with ConvertAll.
func (d *Dev) LastTemp() (physic.Temperature, bool, error) {
	d.bus.Lock()
	defer d.bus.Unlock()
	return d.lastTemp()
}

// SetResolution changes the DS18B20 resolution and saves it to EEPROM.
//
// resolutionBits must be in the range 9..12. The resolution affects the
// conversion time: 9bits:94ms, 10bits:188ms, 11bits:375ms, 12bits:750ms. The
// DS18S20 has a fixed resolution.
func (d *Dev) SetResolution(resolutionBits int) error {
	if resolutionBits < 9 || resolutionBits > 12 {
		return errors.New("ds18b20: invalid resolutionBits")
	}
	if d.Family() != DS18B20 {
		return errors.New("ds18b20: " + d.Family().String() + " has a fixed resolution")
	}
	d.bus.Lock()
	defer d.bus.Unlock()

	spad, ok, err := d.readScratchpad()
	if err != nil {
		return err
	}
	if !ok {
		return busError("ds18b20: device did not respond")
	}
	// Datasheet p.6.
	if int(spad[4]>>5&3) == resolutionBits-9 {
		return nil
	}
	// Keep the alarm registers, change the configuration register.
	if _, err := d.matchROM(); err != nil {
		return err
	}
	for _, b := range []byte{cmdWriteScratchpad, spad[2], spad[3], byte((resolutionBits-9)<<5) | 0x1f} {
		if err := d.bus.WriteByte(b); err != nil {
			return err
		}
	}
	// Copy the scratchpad to EEPROM to save the values.
	if _, err := d.matchROM(); err != nil {
		return err
	}
	if err := d.bus.EnableStrongPullup(); err != nil {
		return err
	}
	if err := d.bus.WriteByte(cmdCopyScratchpad); err != nil {
		return err
	}
	// Wait for the write to complete.
	d.clk.Sleep(10 * time.Millisecond)
	return nil
}

// Sense implements physic.SenseEnv.
func (d *Dev) Sense(e *physic.Env) error {
	t, ok, err := d.Temperature(context.Background())
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoReading
	}
	e.Temperature = t
	return nil
}

// SenseContinuous implements physic.SenseEnv.
//
// Readings that fail are skipped. Call Halt to stop.
func (d *Dev) SenseContinuous(interval time.Duration) (<-chan physic.Env, error) {
	if interval < d.delay {
		return nil, errors.New("ds18b20: interval shorter than the conversion delay")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shutdown != nil {
		return nil, errors.New("ds18b20: already sensing continuously")
	}
	d.shutdown = make(chan struct{})
	c := make(chan physic.Env, 16)
	go func(shutdown <-chan struct{}) {
		defer close(c)
		ticker := d.clk.Ticker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-shutdown:
				return
			case <-ticker.C:
				e := physic.Env{}
				if err := d.Sense(&e); err == nil && len(c) < cap(c) {
					c <- e
				}
			}
		}
	}(d.shutdown)
	return c, nil
}

// Precision implements physic.SenseEnv.
func (d *Dev) Precision(e *physic.Env) {
	e.Temperature = physic.Kelvin / 16
}

//

// matchROM resets the bus and addresses the device, all other devices stop
// listening until the next reset.
func (d *Dev) matchROM() (bool, error) {
	present, err := d.bus.Reset()
	if err != nil || !present {
		return false, err
	}
	if err := d.bus.WriteByte(cmdMatchROM); err != nil {
		return false, err
	}
	for _, b := range d.rom {
		if err := d.bus.WriteByte(b); err != nil {
			return false, err
		}
	}
	return true, nil
}

// readScratchpad reads the 9 bytes of scratchpad and validates them.
func (d *Dev) readScratchpad() ([]byte, bool, error) {
	present, err := d.matchROM()
	if err != nil || !present {
		return nil, false, err
	}
	if err := d.bus.WriteByte(cmdReadScratchpad); err != nil {
		return nil, false, err
	}
	spad := make([]byte, scratchpadLen)
	for i := range spad {
		if spad[i], err = d.bus.ReadByte(); err != nil {
			return nil, false, err
		}
	}
	return spad, validScratchpad(spad), nil
}

func (d *Dev) lastTemp() (physic.Temperature, bool, error) {
	spad, ok, err := d.readScratchpad()
	if err != nil || !ok {
		return 0, false, err
	}
	t, ok := decode(d.Family(), spad)
	return t, ok, nil
}

// startConversion sends Convert T with the strong pull-up armed.
func startConversion(b Bus) error {
	if err := b.EnableStrongPullup(); err != nil {
		return err
	}
	return b.WriteByte(cmdConvertT)
}

func wait(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clk.After(d):
		return nil
	}
}

func clockOrDefault(c clock.Clock) clock.Clock {
	if c == nil {
		return clock.New()
	}
	return c
}

// busError implements error and onewire.BusError.
type busError string

func (e busError) Error() string  { return string(e) }
func (e busError) BusError() bool { return true }

const (
	cmdMatchROM        = 0x55
	cmdSkipROM         = 0xcc
	cmdConvertT        = 0x44
	cmdReadScratchpad  = 0xbe
	cmdWriteScratchpad = 0x4e
	cmdCopyScratchpad  = 0x48
)

var _ conn.Resource = &Dev{}
var _ physic.SenseEnv = &Dev{}
