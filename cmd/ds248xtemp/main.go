// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// ds248xtemp reads the DS18B20 and DS18S20 temperature sensors connected to a
// DS2482 or DS2483 I²C to 1-wire bridge on a cron schedule.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/GermanBionicSystems/owtemp/ds248x"
	"github.com/GermanBionicSystems/owtemp/heatstrip"
	"go.uber.org/zap"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

func mainImpl() error {
	i2cID := flag.String("i2c", "", "I²C bus to use")
	addr := flag.Int("addr", 0x18, "I²C address of the DS248x")
	cronSpec := flag.String("cronspec", "@every 10s", "cron spec that specifies when to take measurements")
	once := flag.Bool("once", false, "take one measurement and exit")
	parallel := flag.Bool("parallel", false, "start the conversion of all sensors of a channel at once")
	passive := flag.Bool("passive", false, "disable the active pull-up")
	strip := flag.Bool("strip", false, "display the readings as a colored strip")
	verbose := flag.Bool("v", false, "verbose mode")
	flag.Parse()
	if flag.NArg() != 0 {
		return errors.New("unexpected argument, try -help")
	}

	var logger *zap.Logger
	var err error
	if *verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if _, err := host.Init(); err != nil {
		return fmt.Errorf("failed to initialize periph: %w", err)
	}
	bus, err := i2creg.Open(*i2cID)
	if err != nil {
		return fmt.Errorf("failed to open I²C bus: %w", err)
	}
	opts := ds248x.DefaultOpts
	opts.OwnBus = true
	opts.PassivePullup = *passive
	opts.Logger = logger
	dev, err := ds248x.New(bus, uint16(*addr), &opts)
	if err != nil {
		_ = bus.Close()
		return err
	}
	defer dev.Close()

	p := &poller{dev: dev, log: logger, parallel: *parallel, conversion: opts.ConversionDelay}
	if *strip {
		p.display = heatstrip.New(nil)
		defer p.display.Halt()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *once {
		_, err := p.poll(ctx)
		return err
	}
	return p.run(ctx, *cronSpec)
}

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintf(os.Stderr, "ds248xtemp: %s.\n", err)
		os.Exit(1)
	}
}
