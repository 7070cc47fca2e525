// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/GermanBionicSystems/owtemp/ds248x"
	"github.com/GermanBionicSystems/owtemp/ds248x/ds248xtest"
	"github.com/GermanBionicSystems/owtemp/heatstrip"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zaptest"
)

func newPoller(t *testing.T, parallel bool) (*poller, *ds248xtest.Bridge, *bytes.Buffer) {
	b := &ds248xtest.Bridge{Variant: ds248xtest.DS2482x800}
	good := ds248xtest.NewSlave(0x28, 0x0e41ac)
	good.SetScratchpad(0x91, 0x01, 0x4b, 0x46, 0x7f, 0xff, 0x0f, 0x10)
	old := ds248xtest.NewSlave(0x10, 0x0802b4)
	old.SetScratchpad(0x32, 0x00, 0x4b, 0x46, 0xff, 0xff, 0x0c, 0x10)
	// Never converted.
	fresh := ds248xtest.NewSlave(0x28, 0x0e41ad)
	fresh.SetScratchpad(0x50, 0x05, 0x4b, 0x46, 0x7f, 0xff, 0x0c, 0x10)
	b.Buses[0] = []*ds248xtest.Slave{good, ds248xtest.NewSlave(0x3b, 1)}
	b.Buses[6] = []*ds248xtest.Slave{old, fresh}

	clk := ds248xtest.NewClock()
	logger := zaptest.NewLogger(t)
	opts := ds248x.DefaultOpts
	opts.Clock = clk
	opts.Logger = logger
	d, err := ds248x.New(b, 0x18, &opts)
	if err != nil {
		t.Fatal(err)
	}
	buf := &bytes.Buffer{}
	p := &poller{
		dev:        d,
		log:        logger,
		display:    heatstrip.New(&heatstrip.Opts{Min: heatstrip.DefaultOpts.Min, Max: heatstrip.DefaultOpts.Max, W: buf, Labels: true}),
		parallel:   parallel,
		conversion: time.Second,
		clk:        clk,
	}
	return p, b, buf
}

func TestPoll(t *testing.T) {
	for _, parallel := range []bool{false, true} {
		p, b, buf := newPoller(t, parallel)
		readings, err := p.poll(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		got := map[string]float64{}
		for _, r := range readings {
			if r.OK {
				got[r.Name] = r.T.Celsius()
			} else {
				got[r.Name] = -1000
			}
		}
		want := map[string]float64{
			b.Buses[0][0].ROM.String(): 25.0625,
			b.Buses[6][0].ROM.String(): 25,
			b.Buses[6][1].ROM.String(): -1000,
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("parallel=%t: unexpected readings (-want +got):\n%s", parallel, diff)
		}
		for _, s := range []int{0, 6} {
			if c := b.Buses[s][0].PoweredConversions; c != 1 {
				t.Fatalf("parallel=%t: %d conversions on channel %d", parallel, c, s)
			}
		}
		if !strings.Contains(buf.String(), "=25.06°C") || !strings.Contains(buf.String(), "=--") {
			t.Fatalf("%q", buf.String())
		}
	}
}

func TestPoll_readError(t *testing.T) {
	p, b, _ := newPoller(t, false)
	if _, err := p.poll(context.Background()); err != nil {
		t.Fatal(err)
	}
	b.Absent = true
	readings, err := p.poll(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if len(readings) != 3 {
		t.Fatal(readings)
	}
	for _, r := range readings {
		if r.OK {
			t.Fatal(r)
		}
	}
}

func TestRun(t *testing.T) {
	p, _, _ := newPoller(t, false)
	if err := p.run(context.Background(), "not a spec"); err == nil {
		t.Fatal("expected invalid spec")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.run(ctx, "@every 1h"); err != nil {
		t.Fatal(err)
	}
}
