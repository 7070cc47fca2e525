// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package ds248xtest is meant to be used to test drivers over a simulated
// DS2482/DS2483 I²C to 1-wire bridge.
//
// Bridge simulates the register interface of the chip and, behind it, one 1-wire
// bus per channel populated with Slave devices that answer the ROM commands
// (search, conditional search, match, skip, read ROM) and the DS18x20 function
// commands (convert, read/write/copy scratchpad) at the bit level.
package ds248xtest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/GermanBionicSystems/owtemp/common"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2ctest"
	"periph.io/x/conn/v3/physic"
)

// Variant is the chip simulated by a Bridge.
type Variant int

const (
	DS2482x100 Variant = iota
	DS2482x800
	DS2483
)

// Slave is a simulated 1-wire device.
type Slave struct {
	ROM common.ROM
	// Scratchpad is returned by Read Scratchpad. Write Scratchpad updates bytes
	// 2..4 and the CRC.
	Scratchpad [9]byte
	// Alarm makes the device answer the conditional search.
	Alarm bool

	Conversions        int // number of Convert T commands received
	PoweredConversions int // conversions started with strong pull-up active
	Copies             int // number of Copy Scratchpad commands received
}

// Bridge is a simulated DS2482-100, DS2482-800 or DS2483.
//
// It implements i2c.BusCloser.
type Bridge struct {
	sync.Mutex
	Variant Variant
	// Addr is the I²C address the chip answers to. 0 answers any address.
	Addr uint16
	// Buses holds the devices on each 1-wire channel. Only Buses[0] is used by
	// the single channel variants.
	Buses [8][]*Slave
	// Shorted reports a short on the given channel at the next 1-wire reset.
	Shorted [8]bool
	// BusyPolls is the number of status reads that report the 1-wire busy flag
	// after each 1-wire command.
	BusyPolls int
	// StuckBusy makes the 1-wire busy flag never clear once a 1-wire command
	// was issued.
	StuckBusy bool
	// SelectFault makes channel selection fail: the confirmation byte is
	// wrong and the channel is not changed.
	SelectFault bool
	// Absent makes every transaction fail as if no chip acknowledged.
	Absent bool
	// DropAfter makes every device stop answering a search after that many
	// ROM bits. 0 disables it.
	DropAfter int

	// Ops records every transaction.
	Ops []i2ctest.IO
	// Configs records every value written to the configuration register.
	Configs []byte
	// Port records the last DS2483 port configuration parameters.
	Port   []byte
	Closed bool

	readPtr byte
	status  byte
	config  byte
	rdr     byte
	channel int
	confirm byte
	busy    int
	cycled  bool
	wires   [8]*wire
}

// String implements i2c.Bus.
func (b *Bridge) String() string {
	return "ds248xtest"
}

// SetSpeed implements i2c.Bus.
func (b *Bridge) SetSpeed(f physic.Frequency) error {
	return nil
}

// Close implements i2c.BusCloser.
func (b *Bridge) Close() error {
	b.Lock()
	defer b.Unlock()
	b.Closed = true
	return nil
}

// Channel returns the currently selected channel.
func (b *Bridge) Channel() int {
	b.Lock()
	defer b.Unlock()
	return b.channel
}

// Tx implements i2c.Bus.
func (b *Bridge) Tx(addr uint16, w, r []byte) error {
	b.Lock()
	defer b.Unlock()
	io := i2ctest.IO{Addr: addr, W: append([]byte(nil), w...)}
	defer func() {
		if len(r) != 0 {
			io.R = append([]byte(nil), r...)
		}
		b.Ops = append(b.Ops, io)
	}()
	if b.Absent || (b.Addr != 0 && addr != b.Addr) {
		return errors.New("ds248xtest: no acknowledge")
	}
	if len(w) != 0 {
		if err := b.command(w); err != nil {
			return err
		}
	}
	for i := range r {
		r[i] = b.readReg()
	}
	return nil
}

const (
	regStatus = 0xf0
	regData   = 0xe1
	regConfig = 0xc3
	regPort   = 0xb4
	regSelect = 0xd2

	stBusy     = 0x01
	stPresence = 0x02
	stShort    = 0x04
	stLevel    = 0x08
	stReset    = 0x10
	stSBR      = 0x20
	stTSB      = 0x40
	stDIR      = 0x80

	cfgSPU = 0x04
)

var selectCodes = [8]byte{0xf0, 0xe1, 0xd2, 0xc3, 0xb4, 0xa5, 0x96, 0x87}
var confirmCodes = [8]byte{0xb8, 0xb1, 0xaa, 0xa3, 0x9c, 0x95, 0x8e, 0x87}

func (b *Bridge) command(w []byte) error {
	switch w[0] {
	case 0xf0:
		b.status = stReset | stLevel
		b.readPtr = regStatus
		b.config = 0
		b.channel = 0
		b.confirm = confirmCodes[0]
		b.cycled = false
		b.busy = 0
		return nil
	case 0xe1:
		if len(w) != 2 {
			return errors.New("ds248xtest: set read pointer needs one parameter")
		}
		switch w[1] {
		case regStatus, regData, regConfig:
		case regPort:
			if b.Variant != DS2483 {
				return errors.New("ds248xtest: invalid read pointer")
			}
		case regSelect:
			if b.Variant != DS2482x800 {
				return errors.New("ds248xtest: invalid read pointer")
			}
		default:
			return errors.New("ds248xtest: invalid read pointer")
		}
		b.readPtr = w[1]
		return nil
	case 0xd2:
		if len(w) != 2 {
			return errors.New("ds248xtest: write configuration needs one parameter")
		}
		if w[1]>>4 != ^w[1]&0x0f {
			return fmt.Errorf("ds248xtest: configuration %#02x has invalid complement", w[1])
		}
		b.Configs = append(b.Configs, w[1])
		b.config = w[1] & 0x0f
		b.status &^= stReset
		b.readPtr = regConfig
		return nil
	case 0xc3:
		switch b.Variant {
		case DS2483:
			b.Port = append([]byte(nil), w[1:]...)
			b.readPtr = regPort
			return nil
		case DS2482x800:
			if len(w) != 2 {
				return errors.New("ds248xtest: channel select needs one parameter")
			}
			b.readPtr = regSelect
			for ch, c := range selectCodes {
				if c == w[1] {
					if b.SelectFault {
						b.confirm = 0
						return nil
					}
					b.channel = ch
					b.confirm = confirmCodes[ch]
					return nil
				}
			}
			b.confirm = 0
			return nil
		}
		return errors.New("ds248xtest: channel select not supported")
	case 0xb4:
		wr := b.wire()
		b.status = stLevel
		if b.Shorted[b.channel] {
			b.status |= stShort
		}
		if wr.reset() {
			b.status |= stPresence
		}
	case 0x87:
		if len(w) != 2 {
			return errors.New("ds248xtest: single bit needs one parameter")
		}
		wr := b.wire()
		b.status = stLevel
		if wr.slot(w[1]&0x80 != 0) {
			b.status |= stSBR
		}
	case 0xa5:
		if len(w) != 2 {
			return errors.New("ds248xtest: write byte needs one parameter")
		}
		wr := b.wire()
		b.status = stLevel
		wr.spu = b.config&cfgSPU != 0
		for i := 0; i < 8; i++ {
			wr.slot(w[1]>>i&1 != 0)
		}
		wr.spu = false
	case 0x96:
		wr := b.wire()
		b.status = stLevel
		b.rdr = 0
		for i := 0; i < 8; i++ {
			if wr.slot(true) {
				b.rdr |= 1 << i
			}
		}
	case 0x78:
		if len(w) != 2 {
			return errors.New("ds248xtest: triplet needs one parameter")
		}
		wr := b.wire()
		b.status = stLevel
		id := wr.slot(true)
		cmp := wr.slot(true)
		dir := true
		if id != cmp {
			dir = id
		} else if !id {
			dir = w[1]&0x80 != 0
		}
		wr.slot(dir)
		if id {
			b.status |= stSBR
		}
		if cmp {
			b.status |= stTSB
		}
		if dir {
			b.status |= stDIR
		}
	default:
		return fmt.Errorf("ds248xtest: unknown command %#02x", w[0])
	}
	// The strong pull-up only lasts for one 1-wire command.
	b.config &^= cfgSPU
	b.busy = b.BusyPolls
	b.cycled = true
	b.readPtr = regStatus
	return nil
}

func (b *Bridge) readReg() byte {
	switch b.readPtr {
	case regStatus:
		v := b.status
		if (b.StuckBusy && b.cycled) || b.busy > 0 {
			v |= stBusy
			if b.busy > 0 {
				b.busy--
			}
		}
		return v
	case regData:
		return b.rdr
	case regConfig:
		return b.config
	case regSelect:
		return b.confirm
	default:
		return 0
	}
}

func (b *Bridge) wire() *wire {
	if b.wires[b.channel] == nil {
		b.wires[b.channel] = &wire{}
	}
	w := b.wires[b.channel]
	w.slaves = b.Buses[b.channel]
	w.dropAfter = b.DropAfter
	return w
}

// wire is the state of the devices on one 1-wire channel.
type wire struct {
	slaves []*Slave
	active []*Slave
	mode   int
	spu    bool

	acc   byte
	nbits int

	searchBit  int
	searchStep int
	dropAfter  int

	match []byte
	write int

	out    []byte
	outBit int
}

const (
	modeIdle = iota
	modeROM
	modeSearch
	modeMatch
	modeFunc
	modeWrite
	modeRead
)

func (w *wire) reset() bool {
	w.mode = modeROM
	w.active = append([]*Slave(nil), w.slaves...)
	w.acc, w.nbits = 0, 0
	w.match = nil
	w.out, w.outBit = nil, 0
	return len(w.slaves) != 0
}

// slot performs one time slot where the master writes m and returns the line
// level. Reads are slots where the master writes 1.
func (w *wire) slot(m bool) bool {
	switch w.mode {
	case modeROM, modeMatch, modeFunc, modeWrite:
		w.receive(m)
		return m
	case modeSearch:
		return w.searchSlot(m)
	case modeRead:
		i := w.outBit
		w.outBit++
		if i/8 >= len(w.out) {
			return m
		}
		return m && w.out[i/8]>>(i%8)&1 != 0
	}
	return m
}

func (w *wire) receive(m bool) {
	if m {
		w.acc |= 1 << w.nbits
	}
	w.nbits++
	if w.nbits == 8 {
		v := w.acc
		w.acc, w.nbits = 0, 0
		w.onByte(v)
	}
}

func (w *wire) onByte(v byte) {
	switch w.mode {
	case modeROM:
		switch v {
		case 0xf0:
			w.mode, w.searchBit, w.searchStep = modeSearch, 0, 0
		case 0xec:
			var alarmed []*Slave
			for _, s := range w.active {
				if s.Alarm {
					alarmed = append(alarmed, s)
				}
			}
			w.active = alarmed
			w.mode, w.searchBit, w.searchStep = modeSearch, 0, 0
		case 0x55:
			w.mode, w.match = modeMatch, nil
		case 0xcc:
			w.mode = modeFunc
		case 0x33:
			w.send(func(s *Slave) []byte { return s.ROM[:] })
		default:
			w.mode = modeIdle
		}
	case modeMatch:
		w.match = append(w.match, v)
		if len(w.match) == 8 {
			var sel []*Slave
			for _, s := range w.active {
				if string(s.ROM[:]) == string(w.match) {
					sel = append(sel, s)
				}
			}
			w.active = sel
			w.mode = modeFunc
		}
	case modeFunc:
		switch v {
		case 0x44:
			for _, s := range w.active {
				s.Conversions++
				if w.spu {
					s.PoweredConversions++
				}
			}
			w.mode = modeIdle
		case 0xbe:
			w.send(func(s *Slave) []byte { return s.Scratchpad[:] })
		case 0x4e:
			w.mode, w.write = modeWrite, 0
		case 0x48:
			for _, s := range w.active {
				s.Copies++
			}
			w.mode = modeIdle
		default:
			w.mode = modeIdle
		}
	case modeWrite:
		for _, s := range w.active {
			s.Scratchpad[2+w.write] = v
			s.Scratchpad[8] = common.CRC8(s.Scratchpad[:8])
		}
		w.write++
		if w.write == 3 {
			w.mode = modeIdle
		}
	}
}

// send queues data for reading. Devices talking at the same time are wired-AND.
func (w *wire) send(data func(s *Slave) []byte) {
	w.out, w.outBit = nil, 0
	for i, s := range w.active {
		d := data(s)
		if i == 0 {
			w.out = append([]byte(nil), d...)
			continue
		}
		for j := range w.out {
			w.out[j] &= d[j]
		}
	}
	w.mode = modeRead
}

func (w *wire) searchSlot(m bool) bool {
	bit := func(s *Slave) bool {
		return s.ROM[w.searchBit/8]>>(w.searchBit%8)&1 != 0
	}
	step := w.searchStep
	w.searchStep = (w.searchStep + 1) % 3
	if w.dropAfter > 0 && w.searchBit >= w.dropAfter {
		w.active = nil
	}
	switch step {
	case 0:
		level := m
		for _, s := range w.active {
			level = level && bit(s)
		}
		return level
	case 1:
		level := m
		for _, s := range w.active {
			level = level && !bit(s)
		}
		return level
	}
	var kept []*Slave
	for _, s := range w.active {
		if bit(s) == m {
			kept = append(kept, s)
		}
	}
	w.active = kept
	w.searchBit++
	if w.searchBit == 64 {
		w.mode = modeFunc
	}
	return m
}

// NewSlave returns a slave with the given family code and serial number and a
// correct CRC byte.
func NewSlave(family byte, serial uint64) *Slave {
	s := &Slave{}
	s.ROM[0] = family
	for i := 1; i < 7; i++ {
		s.ROM[i] = byte(serial >> (8 * (i - 1)))
	}
	s.ROM[7] = common.CRC8(s.ROM[:7])
	s.Scratchpad = [9]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	return s
}

// SetScratchpad sets the first eight scratchpad bytes and computes the CRC.
func (s *Slave) SetScratchpad(b ...byte) {
	copy(s.Scratchpad[:8], b)
	s.Scratchpad[8] = common.CRC8(s.Scratchpad[:8])
}

var _ i2c.BusCloser = &Bridge{}
