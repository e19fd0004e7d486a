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

package hal

import (
	"sync"
	"time"
)

type WriteKind string

const (
	WriteClockRate    WriteKind = "clock_rate"
	WriteClockGate    WriteKind = "clock_gate"
	WriteVoltage      WriteKind = "voltage"
	WriteRegulatorSet WriteKind = "regulator"
)

// Write is one hardware write observed by FakePort.
type Write struct {
	Kind  WriteKind
	Value int64
}

// FakePort is an in-memory Port that records every write. It backs the simulate mode of the
// daemon and the tests.
type FakePort struct {
	lock sync.Mutex

	powerOn     bool
	clockOn     bool
	rateHz      uint64
	voltage     int
	regulatorOn bool

	// injected failures, returned by the next matching write when set
	ClockSetErr   error
	VoltageSetErr error

	writes []Write
}

var _ Port = &FakePort{}

// NewFakePort returns a powered-on GPU with the clock gate enabled.
func NewFakePort() *FakePort {
	return &FakePort{powerOn: true, clockOn: true, regulatorOn: true}
}

func (f *FakePort) SetPower(on bool) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.powerOn = on
}

func (f *FakePort) SetClockGate(on bool) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.clockOn = on
}

func (f *FakePort) SetClockSetErr(err error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.ClockSetErr = err
}

func (f *FakePort) SetVoltageSetErr(err error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.VoltageSetErr = err
}

// Writes returns a copy of the write log.
func (f *FakePort) Writes() []Write {
	f.lock.Lock()
	defer f.lock.Unlock()
	out := make([]Write, len(f.writes))
	copy(out, f.writes)
	return out
}

func (f *FakePort) ResetWrites() {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.writes = nil
}

func (f *FakePort) PowerIsOn() bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.powerOn
}

func (f *FakePort) ClockIsOn() bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.clockOn
}

func (f *FakePort) ClockEnable() error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.clockOn = true
	f.writes = append(f.writes, Write{Kind: WriteClockGate, Value: 1})
	return nil
}

func (f *FakePort) ClockDisable() error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.clockOn = false
	f.writes = append(f.writes, Write{Kind: WriteClockGate, Value: 0})
	return nil
}

func (f *FakePort) ClockSetRate(hz uint64) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.ClockSetErr != nil {
		return f.ClockSetErr
	}
	f.rateHz = hz
	f.writes = append(f.writes, Write{Kind: WriteClockRate, Value: int64(hz)})
	return nil
}

func (f *FakePort) ClockGetRate() (uint64, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.rateHz, nil
}

func (f *FakePort) VoltageSet(uv int) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.VoltageSetErr != nil {
		return f.VoltageSetErr
	}
	f.voltage = uv
	f.writes = append(f.writes, Write{Kind: WriteVoltage, Value: int64(uv)})
	return nil
}

func (f *FakePort) VoltageGet() (int, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.voltage, nil
}

func (f *FakePort) RegulatorEnable() error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.regulatorOn = true
	f.writes = append(f.writes, Write{Kind: WriteRegulatorSet, Value: 1})
	return nil
}

func (f *FakePort) RegulatorDisable() error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.regulatorOn = false
	f.writes = append(f.writes, Write{Kind: WriteRegulatorSet, Value: 0})
	return nil
}

// FakeUtilization returns the configured busy/total pair on every Sample.
type FakeUtilization struct {
	lock  sync.Mutex
	busy  time.Duration
	total time.Duration
	err   error
}

var _ UtilizationSource = &FakeUtilization{}

func NewFakeUtilization(busy, total time.Duration) *FakeUtilization {
	return &FakeUtilization{busy: busy, total: total}
}

func (f *FakeUtilization) Set(busy, total time.Duration, err error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.busy, f.total, f.err = busy, total, err
}

func (f *FakeUtilization) Sample() (time.Duration, time.Duration, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.busy, f.total, f.err
}
