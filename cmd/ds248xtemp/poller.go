// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/GermanBionicSystems/owtemp/ds18b20"
	"github.com/GermanBionicSystems/owtemp/ds248x"
	"github.com/GermanBionicSystems/owtemp/heatstrip"
	"github.com/benbjohnson/clock"
	cron "github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// poller reads all the sensors found on a bridge.
type poller struct {
	dev        *ds248x.Dev
	log        *zap.Logger
	display    *heatstrip.Dev // optional
	parallel   bool           // ConvertAll per channel, then read each sensor
	conversion time.Duration
	clk        clock.Clock // nil selects the wall clock
}

// poll reads every sensor once. A sensor that fails does not stop the others,
// the errors are combined.
func (p *poller) poll(ctx context.Context) ([]heatstrip.Reading, error) {
	devs, err := p.dev.EnumerateAll()
	if err != nil {
		p.log.Warn("enumeration incomplete", zap.Error(err))
	}
	var errs error
	if p.parallel {
		errs = p.convertAll(ctx, devs)
	}
	readings := make([]heatstrip.Reading, 0, len(devs))
	for _, d := range devs {
		if d.Sensor == nil {
			p.log.Debug("skipping device", zap.Stringer("device", d))
			continue
		}
		r, err := p.read(ctx, d.Sensor)
		errs = multierr.Append(errs, err)
		readings = append(readings, r)
	}
	if p.display != nil {
		errs = multierr.Append(errs, p.display.Update(readings))
	}
	return readings, errs
}

func (p *poller) read(ctx context.Context, s *ds18b20.Dev) (heatstrip.Reading, error) {
	r := heatstrip.Reading{Name: s.ROM().String()}
	var err error
	if p.parallel {
		r.T, r.OK, err = s.LastTemp()
	} else {
		r.T, r.OK, err = s.Temperature(ctx)
	}
	if err != nil {
		p.log.Warn("read failed", zap.Stringer("sensor", s), zap.Error(err))
		return r, fmt.Errorf("%s: %w", s, err)
	}
	if !r.OK {
		p.log.Warn("no reading", zap.Stringer("sensor", s))
		return r, nil
	}
	p.log.Info("reading", zap.Stringer("sensor", s), zap.Float64("celsius", r.T.Celsius()))
	return r, nil
}

// convertAll starts one conversion on each channel with sensors.
func (p *poller) convertAll(ctx context.Context, devs []*ds248x.Device) error {
	var errs error
	done := map[*ds248x.Channel]bool{}
	for _, d := range devs {
		if d.Sensor == nil || done[d.Channel] {
			continue
		}
		done[d.Channel] = true
		if err := ds18b20.ConvertAll(ctx, d.Channel, &ds18b20.Opts{ConversionDelay: p.conversion, Clock: p.clk}); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", d.Channel, err))
		}
	}
	return errs
}

// run polls on the cron schedule until ctx is canceled.
func (p *poller) run(ctx context.Context, spec string) error {
	cr := cron.New()
	if _, err := cr.AddFunc(spec, func() {
		if _, err := p.poll(ctx); err != nil {
			p.log.Error("poll failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	p.log.Info("starting cron scheduler", zap.String("spec", spec))
	cr.Start()
	<-ctx.Done()
	<-cr.Stop().Done()
	return nil
}
