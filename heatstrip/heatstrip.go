// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package heatstrip renders temperature readings as a strip of colored blocks
// on a terminal using ANSI color codes, one block per sensor.
//
// Blocks go from blue at Opts.Min to red at Opts.Max. Sensors without a valid
// reading are gray.
package heatstrip

import (
	"bytes"
	"fmt"
	"image/color"
	"io"

	"github.com/maruel/ansi256"
	"github.com/mattn/go-colorable"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/physic"
)

// Reading is the last known state of one sensor.
type Reading struct {
	Name string
	T    physic.Temperature
	OK   bool // false when the sensor produced no valid value
}

// Opts represents the options available for this display.
type Opts struct {
	Min, Max physic.Temperature // range mapped to the colors
	Palette  *ansi256.Palette
	// W is the destination, nil selects stdout.
	W io.Writer
	// Labels prints the name and value of each reading after the strip.
	Labels bool
}

// DefaultOpts maps 0°C..40°C.
var DefaultOpts = Opts{
	Min:    physic.ZeroCelsius,
	Max:    40*physic.Celsius + physic.ZeroCelsius,
	Labels: true,
}

// Dev is a strip of temperature blocks that outputs to the console.
type Dev struct {
	w       io.Writer
	min     physic.Temperature
	max     physic.Temperature
	labels  bool
	palette ansi256.Palette

	buf bytes.Buffer
}

// New returns a Dev that displays at the console.
func New(opts *Opts) *Dev {
	if opts == nil {
		opts = &DefaultOpts
	}
	p := opts.Palette
	if p == nil {
		p = ansi256.Default
	}
	w := opts.W
	if w == nil {
		w = colorable.NewColorableStdout()
	}
	lo, hi := opts.Min, opts.Max
	if hi <= lo {
		lo, hi = DefaultOpts.Min, DefaultOpts.Max
	}
	return &Dev{w: w, min: lo, max: hi, labels: opts.Labels, palette: *p}
}

func (d *Dev) String() string {
	return "HeatStrip"
}

// Halt implements conn.Resource.
//
// It resets the terminal colors and ends the line.
func (d *Dev) Halt() error {
	_, err := d.w.Write([]byte("\n\033[0m"))
	return err
}

// Update redraws the strip in place with the given readings.
func (d *Dev) Update(readings []Reading) error {
	// This code is designed to minimize the amount of memory allocated per call.
	d.buf.Reset()
	_, _ = d.buf.WriteString("\r\033[0m")
	for _, r := range readings {
		_, _ = io.WriteString(&d.buf, d.palette.Block(d.Color(r)))
	}
	_, _ = d.buf.WriteString("\033[0m ")
	if d.labels {
		for _, r := range readings {
			if r.OK {
				_, _ = fmt.Fprintf(&d.buf, " %s=%.2f°C", r.Name, r.T.Celsius())
			} else {
				_, _ = fmt.Fprintf(&d.buf, " %s=--", r.Name)
			}
		}
	}
	_, err := d.buf.WriteTo(d.w)
	return err
}

// Color returns the color of the block for a reading.
func (d *Dev) Color(r Reading) color.NRGBA {
	if !r.OK {
		return color.NRGBA{0x80, 0x80, 0x80, 255}
	}
	t := min(max(r.T, d.min), d.max)
	hot := byte(int64(t-d.min) * 255 / int64(d.max-d.min))
	return color.NRGBA{hot, 0, 255 - hot, 255}
}

var _ conn.Resource = &Dev{}
