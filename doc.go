// Copyright 2021 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package owtemp is a container for the drivers used to read 1-wire
// temperature sensors through a DS2482/DS2483 I²C bridge.
//
// See ds248x for the bridge and ds18b20 for the sensors.
package owtemp
