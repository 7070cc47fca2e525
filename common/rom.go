// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package common

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"strings"

	"periph.io/x/conn/v3/onewire"
)

// ROM is the 64-bit registration number of a 1-wire device in bus order:
// byte 0 is the family code, bytes 1..6 the serial number and byte 7 the CRC8
// of the first seven bytes.
type ROM [8]byte

// ROMFromAddress converts a periph onewire.Address, which stores the family
// code in the least significant byte, to a ROM.
func ROMFromAddress(a onewire.Address) ROM {
	var r ROM
	binary.LittleEndian.PutUint64(r[:], uint64(a))
	return r
}

// ParseROM parses the hyphen separated representation returned by
// ROM.String. The CRC byte is checked.
func ParseROM(s string) (ROM, error) {
	var r ROM
	parts := strings.Split(s, "-")
	if len(parts) != len(r) {
		return r, errors.New("common: invalid ROM " + s)
	}
	for i, p := range parts {
		if len(p) != 2 {
			return r, errors.New("common: invalid ROM byte " + p)
		}
		if _, err := hex.Decode(r[i:i+1], []byte(p)); err != nil {
			return r, errors.New("common: invalid ROM byte " + p)
		}
	}
	if !r.Valid() {
		return r, errors.New("common: ROM CRC mismatch " + s)
	}
	return r, nil
}

// Family returns the family code identifying the device type.
func (r ROM) Family() byte {
	return r[0]
}

// Valid returns true if the trailing CRC byte matches the first seven bytes.
func (r ROM) Valid() bool {
	return CRC8(r[:7]) == r[7]
}

// Address returns the ROM as a periph onewire.Address.
func (r ROM) Address() onewire.Address {
	return onewire.Address(binary.LittleEndian.Uint64(r[:]))
}

// String returns the bytes in bus order as upper case hexadecimal pairs
// separated by hyphens, e.g. "28-AC-41-0E-07-00-00-74".
func (r ROM) String() string {
	var b strings.Builder
	b.Grow(3*len(r) - 1)
	for i, v := range r {
		if i != 0 {
			b.WriteByte('-')
		}
		b.WriteString(strings.ToUpper(hex.EncodeToString([]byte{v})))
	}
	return b.String()
}
