/*
Copyright 2022 The Koordinator Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package hal is the hardware abstraction port of the GPU: clock gate and rate, regulator and
// power domain.
package hal

import "time"

//go:generate mockgen -source port.go -destination mockhal/mock_port.go -package mockhal

// Port exposes the GPU clock, regulator and power domain. Every method may block.
type Port interface {
	// PowerIsOn reports whether the GPU power domain is on.
	PowerIsOn() bool
	// ClockIsOn reports whether the GPU clock gate is enabled.
	ClockIsOn() bool
	ClockEnable() error
	ClockDisable() error
	// ClockSetRate programs the GPU clock in Hz.
	ClockSetRate(hz uint64) error
	ClockGetRate() (uint64, error)
	// VoltageSet programs the GPU regulator in µV.
	VoltageSet(uv int) error
	VoltageGet() (int, error)
	RegulatorEnable() error
	RegulatorDisable() error
}

// UtilizationSource reports the busy and total GPU time elapsed since the previous call.
type UtilizationSource interface {
	Sample() (busy, total time.Duration, err error)
}

const hzPerMHz = 1000000

// MHzToHz converts a table clock into a clock framework rate.
func MHzToHz(mhz int) uint64 { return uint64(mhz) * hzPerMHz }

// HzToMHz converts a clock framework rate into a table clock, rounding to the nearest MHz.
func HzToMHz(hz uint64) int { return int((hz + hzPerMHz/2) / hzPerMHz) }
