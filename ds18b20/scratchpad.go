// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds18b20

import (
	"bytes"

	"github.com/GermanBionicSystems/owtemp/common"
	"periph.io/x/conn/v3/physic"
)

const scratchpadLen = 9

var (
	// Read from an absent device or with the data line stuck high.
	disconnected = []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	// DS18B20 power-on state, no conversion happened since power up.
	powerOn = []byte{0x50, 0x05, 0x4b, 0x46, 0x7f, 0xff, 0x0c, 0x10, 0x1c}
)

// validScratchpad returns true if spad is a complete scratchpad with a
// matching CRC.
func validScratchpad(spad []byte) bool {
	if len(spad) != scratchpadLen {
		return false
	}
	if bytes.Equal(spad, disconnected) || bytes.Equal(spad, powerOn) {
		return false
	}
	return common.CRC8(spad[:8]) == spad[8]
}

// decode converts a valid scratchpad to a temperature according to the
// family's format.
func decode(f Family, spad []byte) (physic.Temperature, bool) {
	switch f {
	case DS18B20:
		return decode12(spad)
	case DS18S20:
		return decode9(spad)
	default:
		return 0, false
	}
}

// decode12 decodes the 12 bits two's complement reading of a DS18B20.
//
// The LSB is 1/16°C.
func decode12(spad []byte) (physic.Temperature, bool) {
	// 85°C is the reset value of the register.
	if spad[0] == 0x50 && spad[1] == 0x05 {
		return 0, false
	}
	v := int16(spad[1])<<8 | int16(spad[0])
	return physic.Temperature(v)*physic.Kelvin/16 + physic.ZeroCelsius, true
}

// decode9 decodes the 9 bits reading of a DS18S20 and extends it with the
// count remaining and count per °C registers.
//
// T = TEMP_READ - 0.25 + (COUNT_PER_C - COUNT_REMAIN) / COUNT_PER_C
// where TEMP_READ is the raw reading in 0.5°C steps.
func decode9(spad []byte) (physic.Temperature, bool) {
	// 85°C is the reset value of the register.
	if spad[0] == 0xaa && spad[1] == 0x00 {
		return 0, false
	}
	v := int16(spad[1])<<8 | int16(spad[0])
	t := physic.Temperature(v) * physic.Kelvin / 2
	if cpc := physic.Temperature(spad[7]); cpc != 0 {
		cr := physic.Temperature(spad[6])
		t += (cpc-cr)*physic.Kelvin/cpc - physic.Kelvin/4
	}
	return t + physic.ZeroCelsius, true
}
