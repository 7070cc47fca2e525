// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds248x

import (
	"iter"

	"github.com/GermanBionicSystems/owtemp/common"
	"go.uber.org/zap"
)

// searchState is carried from one search pass to the next.
//
// For a description of the search algorithm, see Maxim's AppNote 187
// https://www.maximintegrated.com/en/app-notes/index.mvp/id/187
type searchState struct {
	rom                   common.ROM // last ROM found
	lastDiscrepancy       int        // bit position (1..64) where 0 was last taken on a conflict
	lastFamilyDiscrepancy int        // same, within the family code
	lastDevice            bool       // the previous pass found the last device
	crc                   byte
}

func (s *searchState) restart() {
	*s = searchState{}
}

// First restarts the enumeration and finds the first device on the channel.
func (c *Channel) First() (bool, error) {
	c.Lock()
	defer c.Unlock()
	c.state.restart()
	return c.search(&c.state, cmdSearchROM)
}

// Next finds the next device of the enumeration started by First.
//
// It returns false once all the devices have been found, until First is
// called again.
func (c *Channel) Next() (bool, error) {
	c.Lock()
	defer c.Unlock()
	return c.search(&c.state, cmdSearchROM)
}

// ROM returns the ROM code found by the last successful First or Next.
func (c *Channel) ROM() common.ROM {
	c.Lock()
	defer c.Unlock()
	return c.state.rom
}

// Verify returns true if the device with the given ROM code is on the bus.
//
// The enumeration state of First and Next is not affected.
func (c *Channel) Verify(rom common.ROM) (bool, error) {
	c.Lock()
	defer c.Unlock()
	s := searchState{rom: rom, lastDiscrepancy: 64}
	found, err := c.search(&s, cmdSearchROM)
	if err != nil {
		return false, err
	}
	return found && s.rom == rom, nil
}

// TargetSetup makes the next call to Next find the first device of the
// given family, if any is present.
func (c *Channel) TargetSetup(family byte) {
	c.Lock()
	defer c.Unlock()
	c.state = searchState{rom: common.ROM{family}, lastDiscrepancy: 64}
}

// FamilySkipSetup makes the next call to Next skip the remaining devices of
// the family of the last device found.
func (c *Channel) FamilySkipSetup() {
	c.Lock()
	defer c.Unlock()
	c.state.lastDiscrepancy = c.state.lastFamilyDiscrepancy
	c.state.lastFamilyDiscrepancy = 0
	if c.state.lastDiscrepancy == 0 {
		c.state.lastDevice = true
	}
}

// Enumerate returns an iterator over the ROM codes of all devices on the
// channel.
//
// The lock is only held while a device is searched, not while the loop body
// runs. The walk keeps its own state so First, Next and TargetSetup are not
// affected. Iteration stops after the first error.
func (c *Channel) Enumerate() iter.Seq2[common.ROM, error] {
	return c.enumerate(cmdSearchROM)
}

func (c *Channel) enumerate(cmd byte) iter.Seq2[common.ROM, error] {
	return func(yield func(common.ROM, error) bool) {
		var s searchState
		first := true
		for {
			rom, found, err := c.step(&s, cmd, first)
			first = false
			if err != nil {
				yield(common.ROM{}, err)
				return
			}
			if !found || !yield(rom, nil) {
				return
			}
		}
	}
}

// step runs one search pass under the lock.
func (c *Channel) step(s *searchState, cmd byte, first bool) (common.ROM, bool, error) {
	c.Lock()
	defer c.Unlock()
	if first {
		if present, err := c.Reset(); err != nil || !present {
			return common.ROM{}, false, err
		}
	}
	found, err := c.search(s, cmd)
	return s.rom, found, err
}

// search runs one pass of the search algorithm with the given ROM command and
// updates s. It returns true if a device was found; its ROM code is then in
// s.rom.
//
// A pass that loses all the devices or fails the CRC restarts the state and
// returns false. Only bridge faults are returned as errors.
func (c *Channel) search(s *searchState, cmd byte) (bool, error) {
	if s.lastDevice {
		return false, nil
	}
	present, err := c.Reset()
	if err != nil {
		return false, err
	}
	if !present {
		s.restart()
		return false, nil
	}
	if err := c.WriteByte(cmd); err != nil {
		return false, err
	}

	idBit := 1
	lastZero := 0
	romByte := 0
	mask := byte(1)
	s.crc = 0
	for romByte < 8 {
		id, err := c.ReadBit()
		if err != nil {
			return false, err
		}
		cmp, err := c.ReadBit()
		if err != nil {
			return false, err
		}
		if id && cmp {
			// No device answered.
			break
		}
		var dir bool
		if id != cmp {
			// All devices have the same bit here.
			dir = id
		} else {
			if idBit < s.lastDiscrepancy {
				dir = s.rom[romByte]&mask != 0
			} else {
				dir = idBit == s.lastDiscrepancy
			}
			if !dir {
				lastZero = idBit
				if lastZero < 9 {
					s.lastFamilyDiscrepancy = lastZero
				}
			}
		}
		if dir {
			s.rom[romByte] |= mask
		} else {
			s.rom[romByte] &^= mask
		}
		if err := c.WriteBit(dir); err != nil {
			return false, err
		}
		idBit++
		mask <<= 1
		if mask == 0 {
			s.crc = common.CRC8Update(s.crc, s.rom[romByte])
			romByte++
			mask = 1
		}
	}

	if idBit < 65 || s.crc != 0 || s.rom[0] == 0 {
		c.d.log.Debug("search pass failed", zap.Int("channel", c.n), zap.Int("bit", idBit), zap.Uint8("crc", s.crc))
		s.restart()
		return false, nil
	}
	s.lastDiscrepancy = lastZero
	if s.lastDiscrepancy == 0 {
		s.lastDevice = true
	}
	return true, nil
}
