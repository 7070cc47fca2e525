// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package ds248x controls a Maxim DS2482-100, DS2482-800 or DS2483 I²C to
// 1-wire bridge.
//
// Each 1-wire channel of the chip is exposed as a Channel which implements
// onewire.Bus, so it can be used with periph's onewire.Dev, and ds18b20.Bus.
// Channel also provides the ROM search primitives of Maxim's AppNote 187:
// First, Next, Verify, TargetSetup and FamilySkipSetup.
//
// Datasheets
//
// https://datasheets.maximintegrated.com/en/ds/DS2482-100.pdf
//
// https://datasheets.maximintegrated.com/en/ds/DS2482-800.pdf
//
// https://datasheets.maximintegrated.com/en/ds/DS2483.pdf
package ds248x
