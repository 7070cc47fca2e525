// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds18b20

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/GermanBionicSystems/owtemp/common"
	"github.com/GermanBionicSystems/owtemp/ds248x/ds248xtest"
	"github.com/google/go-cmp/cmp"
	"periph.io/x/conn/v3/onewire"
	"periph.io/x/conn/v3/physic"
)

var rom = common.ROMFromAddress(0x740000070e41ac28)

func TestNew_fail_family(t *testing.T) {
	if d, err := New(&playback{}, common.ROM{0x3b}, nil); d != nil || err == nil {
		t.Fatal("unsupported family")
	}
}

func TestFamily(t *testing.T) {
	if s := DS18B20.String(); s != "DS18B20" {
		t.Fatal(s)
	}
	if s := Family(0x3b).String(); s != "unknown" {
		t.Fatal(s)
	}
	if !DS18S20.Supported() || Family(0x3b).Supported() {
		t.Fatal("Supported")
	}
}

// TestSense tests a temperature conversion on a ds18b20 using recorded bus
// transactions.
func TestSense(t *testing.T) {
	bus := &playback{ops: concat(
		// Match ROM + Convert
		reset(true), write(0x55, 0x28, 0xac, 0x41, 0xe, 0x7, 0x0, 0x0, 0x74), pullup(), write(0x44),
		// Match ROM + Read Scratchpad
		reset(true), write(0x55, 0x28, 0xac, 0x41, 0xe, 0x7, 0x0, 0x0, 0x74, 0xbe),
		read(0xe0, 0x1, 0x0, 0x0, 0x3f, 0xff, 0x10, 0x10, 0x3f),
	)}
	clk := ds248xtest.NewClock()
	dev, err := New(bus, rom, &Opts{ConversionDelay: 750 * time.Millisecond, Clock: clk})
	if err != nil {
		t.Fatal(err)
	}
	if s := dev.String(); s != "DS18B20{28-AC-41-0E-07-00-00-74}" {
		t.Fatal(s)
	}
	e := physic.Env{}
	if err := dev.Sense(&e); err != nil {
		t.Fatal(err)
	}
	if expected := 30*physic.Celsius + physic.ZeroCelsius; e.Temperature != expected {
		t.Errorf("expected %s, got %s", expected, e.Temperature)
	}
	if d := clk.Elapsed(); d != 750*time.Millisecond {
		t.Errorf("expected conversion to take 750ms, took %s", d)
	}
	if err := dev.Halt(); err != nil {
		t.Fatal(err)
	}
	bus.close(t)
}

func TestTemperature_absent(t *testing.T) {
	bus := &playback{ops: reset(false)}
	dev, _ := New(bus, rom, &Opts{Clock: ds248xtest.NewClock()})
	_, ok, err := dev.Temperature(context.Background())
	if ok || err != nil {
		t.Fatalf("expected no reading and no error, got %t %v", ok, err)
	}
	if err := dev.Sense(&physic.Env{}); err == nil {
		t.Fatal("expected playback error")
	}
}

func TestSense_noReading(t *testing.T) {
	bus := &playback{ops: concat(
		reset(true), write(0x55, 0x28, 0xac, 0x41, 0xe, 0x7, 0x0, 0x0, 0x74), pullup(), write(0x44),
		reset(true), write(0x55, 0x28, 0xac, 0x41, 0xe, 0x7, 0x0, 0x0, 0x74, 0xbe),
		read(0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff),
	)}
	dev, _ := New(bus, rom, &Opts{Clock: ds248xtest.NewClock()})
	if err := dev.Sense(&physic.Env{}); err != ErrNoReading {
		t.Fatal(err)
	}
	var busErr onewire.BusError
	if !errors.As(ErrNoReading, &busErr) || !busErr.BusError() {
		t.Fatal("ErrNoReading should be a bus error")
	}
	bus.close(t)
}

func TestTemperature_bus_error(t *testing.T) {
	bus := &playback{err: errors.New("broken bridge")}
	dev, _ := New(bus, rom, &Opts{Clock: ds248xtest.NewClock()})
	if _, _, err := dev.Temperature(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestTemperature_canceled(t *testing.T) {
	bus := &playback{ops: concat(
		reset(true), write(0x55, 0x28, 0xac, 0x41, 0xe, 0x7, 0x0, 0x0, 0x74), pullup(), write(0x44),
	)}
	dev, _ := New(bus, rom, &Opts{ConversionDelay: time.Second, Clock: ds248xtest.NewClock()})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := dev.Temperature(ctx); !errors.Is(err, context.Canceled) {
		t.Fatal(err)
	}
	bus.close(t)
}

func TestLastTemp(t *testing.T) {
	bus := &playback{ops: concat(
		reset(true), write(0x55, 0x28, 0xac, 0x41, 0xe, 0x7, 0x0, 0x0, 0x74, 0xbe),
		read(0x50, 0x05, 0x4b, 0x46, 0x7f, 0xff, 0x0c, 0x10, 0x1c),
		reset(true), write(0x55, 0x28, 0xac, 0x41, 0xe, 0x7, 0x0, 0x0, 0x74, 0xbe),
		read(0xe0, 0x1, 0x0, 0x0, 0x3f, 0xff, 0x10, 0x10, 0xff),
		reset(true), write(0x55, 0x28, 0xac, 0x41, 0xe, 0x7, 0x0, 0x0, 0x74, 0xbe),
		read(0x91, 0x01, 0x4b, 0x46, 0x7f, 0xff, 0x0f, 0x10, common.CRC8([]byte{0x91, 0x01, 0x4b, 0x46, 0x7f, 0xff, 0x0f, 0x10})),
	)}
	dev, _ := New(bus, rom, nil)
	// Power-on scratchpad.
	if _, ok, err := dev.LastTemp(); ok || err != nil {
		t.Fatal(ok, err)
	}
	// CRC mismatch.
	if _, ok, err := dev.LastTemp(); ok || err != nil {
		t.Fatal(ok, err)
	}
	temp, ok, err := dev.LastTemp()
	if !ok || err != nil {
		t.Fatal(ok, err)
	}
	if c := temp.Celsius(); c != 25.0625 {
		t.Fatal(c)
	}
	bus.close(t)
}

func TestConvertAll(t *testing.T) {
	bus := &playback{ops: concat(reset(true), write(0xcc), pullup(), write(0x44))}
	clk := ds248xtest.NewClock()
	if err := ConvertAll(context.Background(), bus, &Opts{ConversionDelay: time.Second, Clock: clk}); err != nil {
		t.Fatal(err)
	}
	if d := clk.Elapsed(); d != time.Second {
		t.Errorf("expected conversion to take 1s, took %s", d)
	}
	bus.close(t)
}

func TestConvertAll_empty(t *testing.T) {
	bus := &playback{ops: reset(false)}
	if err := ConvertAll(context.Background(), bus, nil); err != nil {
		t.Fatal(err)
	}
	bus.close(t)
}

func TestSetResolution(t *testing.T) {
	bus := &playback{ops: concat(
		reset(true), write(0x55, 0x28, 0xac, 0x41, 0xe, 0x7, 0x0, 0x0, 0x74, 0xbe),
		read(0xe0, 0x1, 0x0, 0x0, 0x3f, 0xff, 0x10, 0x10, 0x3f),
		reset(true), write(0x55, 0x28, 0xac, 0x41, 0xe, 0x7, 0x0, 0x0, 0x74, 0x4e, 0x00, 0x00, 0x1f),
		reset(true), write(0x55, 0x28, 0xac, 0x41, 0xe, 0x7, 0x0, 0x0, 0x74), pullup(), write(0x48),
	)}
	clk := ds248xtest.NewClock()
	dev, _ := New(bus, rom, &Opts{Clock: clk})
	if err := dev.SetResolution(9); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]time.Duration{10 * time.Millisecond}, clk.Sleeps); diff != "" {
		t.Fatalf("unexpected sleeps (-want +got):\n%s", diff)
	}
	bus.close(t)
}

func TestSetResolution_unchanged(t *testing.T) {
	bus := &playback{ops: concat(
		reset(true), write(0x55, 0x28, 0xac, 0x41, 0xe, 0x7, 0x0, 0x0, 0x74, 0xbe),
		read(0xe0, 0x1, 0x0, 0x0, 0x3f, 0xff, 0x10, 0x10, 0x3f),
	)}
	dev, _ := New(bus, rom, nil)
	if err := dev.SetResolution(10); err != nil {
		t.Fatal(err)
	}
	bus.close(t)
}

func TestSetResolution_fail(t *testing.T) {
	dev, _ := New(&playback{}, rom, nil)
	if err := dev.SetResolution(13); err == nil {
		t.Fatal("invalid resolution")
	}
	dev, _ = New(&playback{}, common.ROM{0x10}, nil)
	if err := dev.SetResolution(12); err == nil {
		t.Fatal("fixed resolution")
	}
	dev, _ = New(&playback{ops: reset(false)}, rom, nil)
	if err := dev.SetResolution(12); err == nil {
		t.Fatal("absent device")
	}
}

func TestSenseContinuous(t *testing.T) {
	dev, _ := New(&playback{}, rom, &Opts{ConversionDelay: time.Second})
	if _, err := dev.SenseContinuous(time.Millisecond); err == nil {
		t.Fatal("interval shorter than the conversion")
	}
	c, err := dev.SenseContinuous(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := dev.SenseContinuous(time.Hour); err == nil {
		t.Fatal("already running")
	}
	if err := dev.Halt(); err != nil {
		t.Fatal(err)
	}
	for range c {
	}
	e := physic.Env{}
	dev.Precision(&e)
	if e.Temperature != physic.Kelvin/16 {
		t.Fatal(e.Temperature)
	}
}

// TestDecode tests a temperature parsing from scratchpad for DS18S20 and
// DS18B20.
func TestDecode(t *testing.T) {
	var testData = []struct {
		family       Family
		scratchpad   []byte
		ok           bool
		expectedTemp float64
	}{
		{DS18B20, []byte{0xD0, 0x07, 0x00, 0x00, 0x00, 0xFF, 0x00, 0x10}, true, 125},
		{DS18B20, []byte{0x50, 0x05, 0x00, 0x00, 0x00, 0xFF, 0x00, 0x10}, false, 0},
		{DS18B20, []byte{0x91, 0x01, 0x00, 0x00, 0x00, 0xFF, 0x00, 0x10}, true, 25.0625},
		{DS18B20, []byte{0xA2, 0x00, 0x00, 0x00, 0x00, 0xFF, 0x00, 0x10}, true, 10.125},
		{DS18B20, []byte{0x08, 0x00, 0x00, 0x00, 0x00, 0xFF, 0x00, 0x10}, true, 0.5},
		{DS18B20, []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0xFF, 0x00, 0x10}, true, 0},
		{DS18B20, []byte{0xF8, 0xFF, 0x00, 0x00, 0x00, 0xFF, 0x00, 0x10}, true, -0.5},
		{DS18B20, []byte{0x5E, 0xFF, 0x00, 0x00, 0x00, 0xFF, 0x00, 0x10}, true, -10.125},
		{DS18B20, []byte{0x6F, 0xFE, 0x00, 0x00, 0x00, 0xFF, 0x00, 0x10}, true, -25.0625},
		{DS18B20, []byte{0x90, 0xFC, 0x00, 0x00, 0x00, 0xFF, 0x00, 0x10}, true, -55},

		{DS18S20, []byte{0xFA, 0x00, 0x00, 0x00, 0x00, 0xFF, 0x0C, 0x10}, true, 125},
		{DS18S20, []byte{0xAA, 0x00, 0x00, 0x00, 0x00, 0xFF, 0x0C, 0x10}, false, 0},
		{DS18S20, []byte{0x32, 0x00, 0x00, 0x00, 0x00, 0xFF, 0x0B, 0x10}, true, 25.0625},
		{DS18S20, []byte{0x32, 0x00, 0x00, 0x00, 0x00, 0xFF, 0x0C, 0x10}, true, 25},
		{DS18S20, []byte{0x33, 0x00, 0x00, 0x00, 0x00, 0xFF, 0x0C, 0x10}, true, 25.5},
		{DS18S20, []byte{0x14, 0x00, 0x00, 0x00, 0x00, 0xFF, 0x0A, 0x10}, true, 10.125},
		{DS18S20, []byte{0x01, 0x00, 0x00, 0x00, 0x00, 0xFF, 0x04, 0x10}, true, 1},
		{DS18S20, []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0xFF, 0x0C, 0x10}, true, 0},
		{DS18S20, []byte{0xFF, 0xFF, 0x00, 0x00, 0x00, 0xFF, 0x04, 0x10}, true, 0},
		{DS18S20, []byte{0xEC, 0xFF, 0x00, 0x00, 0x00, 0xFF, 0x0E, 0x10}, true, -10.125},
		{DS18S20, []byte{0xCE, 0xFF, 0x00, 0x00, 0x00, 0xFF, 0x0C, 0x10}, true, -25},
		{DS18S20, []byte{0xCE, 0xFF, 0x00, 0x00, 0x00, 0xFF, 0x0D, 0x10}, true, -25.0625},
		{DS18S20, []byte{0x92, 0xFF, 0x00, 0x00, 0x00, 0xFF, 0x0C, 0x10}, true, -55},
		// COUNT_PER_C of zero keeps the 9 bits reading.
		{DS18S20, []byte{0x32, 0x00, 0x00, 0x00, 0x00, 0xFF, 0x0C, 0x00}, true, 25},

		{Family(0x3b), []byte{0x32, 0x00, 0x00, 0x00, 0x00, 0xFF, 0x0C, 0x10}, false, 0},
	}

	for _, entry := range testData {
		t.Run(fmt.Sprintf("%s>%f", entry.family, entry.expectedTemp), func(st *testing.T) {
			c, ok := decode(entry.family, entry.scratchpad)
			if ok != entry.ok {
				st.Fatalf("expected ok=%t", entry.ok)
			}
			if ok && c.Celsius() != entry.expectedTemp {
				st.Errorf("expected %f, got %f", entry.expectedTemp, c.Celsius())
			}
		})
	}
}

func TestValidScratchpad(t *testing.T) {
	var testData = []struct {
		name string
		spad []byte
		ok   bool
	}{
		{"30C", []byte{0xe0, 0x1, 0x0, 0x0, 0x3f, 0xff, 0x10, 0x10, 0x3f}, true},
		{"crc", []byte{0xe0, 0x1, 0x0, 0x0, 0x3f, 0xff, 0x10, 0x10, 0x3e}, false},
		{"short", []byte{0xe0, 0x1, 0x0, 0x0, 0x3f, 0xff, 0x10, 0x10}, false},
		{"disconnected", disconnected, false},
		{"power-on", powerOn, false},
	}
	for _, entry := range testData {
		t.Run(entry.name, func(t *testing.T) {
			if ok := validScratchpad(entry.spad); ok != entry.ok {
				t.Fatalf("expected %t", entry.ok)
			}
		})
	}
}

//

// step is one expected byte level operation on the bus.
type step struct {
	op   byte // 'R' reset, 'W' write, 'r' read, 'P' strong pull-up
	data byte // presence for reset, value for write and read
}

func concat(s ...[]step) []step {
	var out []step
	for _, v := range s {
		out = append(out, v...)
	}
	return out
}

func reset(present bool) []step {
	if present {
		return []step{{'R', 1}}
	}
	return []step{{'R', 0}}
}

func write(b ...byte) []step {
	out := make([]step, len(b))
	for i := range b {
		out[i] = step{'W', b[i]}
	}
	return out
}

func read(b ...byte) []step {
	out := make([]step, len(b))
	for i := range b {
		out[i] = step{'r', b[i]}
	}
	return out
}

func pullup() []step {
	return []step{{'P', 0}}
}

// playback implements Bus and checks the operations against a script.
type playback struct {
	sync.Mutex
	ops []step
	err error
	i   int
}

func (p *playback) next(op byte) (byte, error) {
	if p.err != nil {
		return 0, p.err
	}
	if p.i >= len(p.ops) {
		return 0, fmt.Errorf("playback: unexpected %c after %d operations", op, p.i)
	}
	s := p.ops[p.i]
	if s.op != op {
		return 0, fmt.Errorf("playback: operation %d: expected %c, got %c", p.i, s.op, op)
	}
	p.i++
	return s.data, nil
}

func (p *playback) Reset() (bool, error) {
	v, err := p.next('R')
	return v != 0, err
}

func (p *playback) WriteByte(b byte) error {
	i := p.i
	v, err := p.next('W')
	if err == nil && v != b {
		return fmt.Errorf("playback: operation %d: expected write %#02x, got %#02x", i, v, b)
	}
	return err
}

func (p *playback) ReadByte() (byte, error) {
	return p.next('r')
}

func (p *playback) EnableStrongPullup() error {
	_, err := p.next('P')
	return err
}

func (p *playback) close(t *testing.T) {
	t.Helper()
	if p.i != len(p.ops) {
		t.Fatalf("playback: %d operations left", len(p.ops)-p.i)
	}
}
