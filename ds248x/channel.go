// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds248x

import (
	"fmt"
	"time"

	"github.com/GermanBionicSystems/owtemp/ds18b20"
	"go.uber.org/zap"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/onewire"
)

// Channel is one 1-wire bus driven by the chip.
//
// It implements onewire.Bus and onewire.BusSearcher, which take the lock
// themselves, and ds18b20.Bus. The bit and byte level methods Reset, WriteBit,
// ReadBit, WriteByte, ReadByte and EnableStrongPullup must be called with the
// lock held so a sequence is not interleaved with another one on the same
// chip.
type Channel struct {
	d     *Dev
	n     int
	state searchState // enumeration state carried by First and Next
}

func (c *Channel) String() string {
	return fmt.Sprintf("%s/%d", c.d, c.n)
}

// Number returns the index of the channel on the chip.
func (c *Channel) Number() int {
	return c.n
}

// Halt implements conn.Resource.
func (c *Channel) Halt() error {
	return nil
}

// Lock acquires the lock of the chip.
func (c *Channel) Lock() {
	c.d.mu.Lock()
}

// Unlock releases the lock of the chip.
func (c *Channel) Unlock() {
	c.d.mu.Unlock()
}

// Reset issues a reset signal on the 1-wire bus and returns true if any device
// responded with a presence pulse.
func (c *Channel) Reset() (bool, error) {
	status, err := c.command([]byte{cmd1WReset}, c.d.tReset)
	if err != nil {
		return false, err
	}
	// Detect bus short and turn into 1-wire error.
	if status&stSD != 0 {
		c.d.log.Debug("short detected", zap.Int("channel", c.n))
		return false, ErrBusFault
	}
	return status&stPPD != 0, nil
}

// WriteBit writes a single time slot.
func (c *Channel) WriteBit(bit bool) error {
	_, err := c.command([]byte{cmd1WBit, bitParam(bit)}, c.d.tSlot)
	return err
}

// ReadBit generates a read time slot and returns the bit sampled.
func (c *Channel) ReadBit() (bool, error) {
	status, err := c.command([]byte{cmd1WBit, 0x80}, c.d.tSlot)
	return status&stSBR != 0, err
}

// WriteByte implements io.ByteWriter.
func (c *Channel) WriteByte(b byte) error {
	_, err := c.command([]byte{cmd1WWrite, b}, 7*c.d.tSlot)
	return err
}

// ReadByte implements io.ByteReader.
func (c *Channel) ReadByte() (byte, error) {
	if _, err := c.command([]byte{cmd1WRead}, 7*c.d.tSlot); err != nil {
		return 0, err
	}
	var b [1]byte
	if err := c.d.i2c.Tx([]byte{cmdSetReadPtr, regRDR}, b[:]); err != nil {
		return 0, fmt.Errorf("ds248x: error while reading data: %w", err)
	}
	return b[0], nil
}

// EnableStrongPullup activates the strong pull-up after the next 1-wire
// command.
//
// The chip clears it after that command.
func (c *Channel) EnableStrongPullup() error {
	if err := c.d.i2c.Tx([]byte{cmdWriteConfig, c.d.confReg&0xbf | 0x4}, nil); err != nil {
		return fmt.Errorf("ds248x: error while enabling strong pull-up: %w", err)
	}
	return nil
}

// Tx performs a bus transaction, sending and receiving bytes, and ending by
// pulling the bus high either weakly or strongly depending on the value of
// power.
//
// A strong pull-up is typically required to power temperature conversion or
// EEPROM writes.
func (c *Channel) Tx(w, r []byte, power onewire.Pullup) error {
	c.Lock()
	defer c.Unlock()

	// Issue 1-wire bus reset.
	if present, err := c.Reset(); err != nil {
		return err
	} else if !present {
		return ErrNoPresence
	}

	// Send bytes onto 1-wire bus.
	for i, b := range w {
		if power == onewire.StrongPullup && i == len(w)-1 && len(r) == 0 {
			// This is the last byte, need to activate strong pull-up.
			if err := c.EnableStrongPullup(); err != nil {
				return err
			}
		}
		if err := c.WriteByte(b); err != nil {
			return err
		}
	}

	// Read bytes from one-wire bus.
	for i := range r {
		if power == onewire.StrongPullup && i == len(r)-1 {
			// This is the last byte, need to activate strong-pull-up
			if err := c.EnableStrongPullup(); err != nil {
				return err
			}
		}
		b, err := c.ReadByte()
		if err != nil {
			return err
		}
		r[i] = b
	}
	return nil
}

// Search performs a "search" cycle on the 1-wire bus and returns the addresses
// of all devices on the bus if alarmOnly is false and of all devices in alarm
// state if alarmOnly is true.
//
// If an error occurs during the search the already-discovered devices are
// returned with the error.
func (c *Channel) Search(alarmOnly bool) ([]onewire.Address, error) {
	cmd := byte(cmdSearchROM)
	if alarmOnly {
		cmd = cmdAlarmSearch
	}
	var out []onewire.Address
	for rom, err := range c.enumerate(cmd) {
		if err != nil {
			return out, err
		}
		out = append(out, rom.Address())
	}
	return out, nil
}

// SearchTriplet performs a single bit search triplet command on the bus, waits
// for it to complete and returs the outcome.
//
// SearchTriplet should not be used directly, use onewire.Search instead.
func (c *Channel) SearchTriplet(direction byte) (onewire.TripletResult, error) {
	c.Lock()
	defer c.Unlock()
	// Wait and read status register, concoct result from there.
	status, err := c.command([]byte{cmd1WTriplet, bitParam(direction != 0)}, 0) // in theory 3*tSlot but it's actually overlapped
	if err != nil {
		return onewire.TripletResult{}, err
	}
	return onewire.TripletResult{
		GotZero: status&stSBR == 0,
		GotOne:  status&stTSB == 0,
		Taken:   status >> 7,
	}, nil
}

//

// command selects the channel, sends a 1-wire command and waits for it to
// complete.
func (c *Channel) command(w []byte, delay time.Duration) (byte, error) {
	if err := c.d.selectChannel(c.n); err != nil {
		return 0, err
	}
	if err := c.d.i2c.Tx(w, nil); err != nil {
		return 0, fmt.Errorf("ds248x: error while sending command %#02x: %w", w[0], err)
	}
	return c.d.waitIdle(delay)
}

func bitParam(b bool) byte {
	if b {
		return 0x80
	}
	return 0
}

var _ conn.Resource = &Channel{}
var _ onewire.BusSearcher = &Channel{}
var _ ds18b20.Bus = &Channel{}

const (
	cmdSearchROM   = 0xf0 // enumerate all devices
	cmdAlarmSearch = 0xec // enumerate devices in alarm state
)

