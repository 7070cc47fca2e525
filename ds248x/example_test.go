// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds248x_test

import (
	"context"
	"fmt"
	"log"

	"github.com/GermanBionicSystems/owtemp/ds248x"
	"github.com/GermanBionicSystems/owtemp/ds248x/ds248xtest"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

func Example() {
	// Make sure periph is initialized.
	if _, err := host.Init(); err != nil {
		log.Fatal(err)
	}
	// Open default I²C bus.
	bus, err := i2creg.Open("")
	if err != nil {
		log.Fatalf("failed to open I²C: %v", err)
	}

	opts := ds248x.DefaultOpts
	opts.OwnBus = true
	d, err := ds248x.New(bus, 0x18, &opts)
	if err != nil {
		log.Fatal(err)
	}
	defer d.Close()

	sensors, err := d.Sensors()
	if err != nil {
		log.Print(err)
	}
	for _, s := range sensors {
		t, ok, err := s.Temperature(context.Background())
		if err != nil {
			log.Fatal(err)
		}
		if ok {
			fmt.Printf("%s: %s\n", s, t)
		}
	}
}

func Example_simulated() {
	b := &ds248xtest.Bridge{Variant: ds248xtest.DS2482x800}
	s := ds248xtest.NewSlave(0x28, 0x0e41ac)
	s.SetScratchpad(0x91, 0x01, 0x4b, 0x46, 0x7f, 0xff, 0x0f, 0x10)
	b.Buses[2] = []*ds248xtest.Slave{s}

	opts := ds248x.DefaultOpts
	opts.Clock = ds248xtest.NewClock()
	d, err := ds248x.New(b, 0x18, &opts)
	if err != nil {
		log.Fatal(err)
	}
	devices, err := d.EnumerateAll()
	if err != nil {
		log.Fatal(err)
	}
	for _, dev := range devices {
		t, ok, err := dev.Sensor.Temperature(context.Background())
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("channel %d: %s %t %.4f°C\n", dev.Channel.Number(), dev, ok, t.Celsius())
	}
	// Output:
	// channel 2: DS18B20{28-AC-41-0E-00-00-00-0E} true 25.0625°C
}
