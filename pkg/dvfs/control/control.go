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

// Package control sequences clock and voltage writes to the GPU.
package control

import (
	"fmt"
	"sync"
	"time"

	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/koordinator-sh/gpudvfs/pkg/dvfs"
	"github.com/koordinator-sh/gpudvfs/pkg/dvfs/audit"
	"github.com/koordinator-sh/gpudvfs/pkg/dvfs/hal"
	"github.com/koordinator-sh/gpudvfs/pkg/dvfs/metrics"
	"github.com/koordinator-sh/gpudvfs/pkg/dvfs/qos"
	"github.com/koordinator-sh/gpudvfs/pkg/dvfs/table"
)

const (
	deviceClock     = "clock"
	deviceRegulator = "regulator"
	deviceQoS       = "qos"
)

type Options struct {
	// ColdMinVoltage is the voltage floor in µV while a voltage margin is active.
	ColdMinVoltage int
	// BusQoS enables the companion bus/CPU requests of each operating point.
	BusQoS bool
	// ManageRegulator switches the GPU regulator together with the clock gate.
	ManageRegulator bool
	Recorder audit.Recorder
	Sink     qos.Sink
	Clock    clock.PassiveClock
}

// Target is the operating point to apply. Clock may lie between table rows when it was clamped
// to a lock; Voltage is the table voltage before any margin.
type Target struct {
	Step    int
	Clock   int
	Voltage int
	// Force rewrites clock and voltage even when they match the last applied values.
	Force  bool
	Reason string
}

// Result reports the state left behind by an apply.
type Result struct {
	PrevStep  int
	PrevClock int
	// Elapsed is the time spent in the previous state, zero when nothing changed.
	Elapsed time.Duration
	Changed bool
}

// Controller owns the hardware apply sequence. All writes are serialized by its lock, which may
// be held across blocking port calls.
type Controller struct {
	lock sync.Mutex

	table    *table.Table
	port     hal.Port
	sink     qos.Sink
	recorder audit.Recorder
	clock    clock.PassiveClock

	coldMinVoltage  int
	busQoS          bool
	manageRegulator bool

	step int
	freq int
	// base is the requested voltage, applied is what was written to the regulator
	base    int
	applied int
	margin  int

	lastChange time.Time
}

func New(t *table.Table, port hal.Port, opts Options) *Controller {
	c := &Controller{
		table:          t,
		port:           port,
		sink:           opts.Sink,
		recorder:       opts.Recorder,
		clock:          opts.Clock,
		coldMinVoltage:  opts.ColdMinVoltage,
		busQoS:          opts.BusQoS,
		manageRegulator: opts.ManageRegulator,
	}
	if c.sink == nil {
		c.sink = qos.NopSink{}
	}
	if c.clock == nil {
		c.clock = clock.RealClock{}
	}
	c.lastChange = c.clock.Now()
	return c
}

func (c *Controller) PowerState() dvfs.PowerState {
	if !c.port.PowerIsOn() {
		return dvfs.PowerStatePowerOff
	}
	if !c.port.ClockIsOn() {
		return dvfs.PowerStateClockOff
	}
	return dvfs.PowerStateClockOn
}

func (c *Controller) checkHardwareLocked() error {
	switch c.PowerState() {
	case dvfs.PowerStatePowerOff:
		return dvfs.ErrPowerOff
	case dvfs.PowerStateClockOff:
		return dvfs.ErrClockOff
	}
	return nil
}

// Sync loads the running clock and voltage from the port.
func (c *Controller) Sync() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.checkHardwareLocked(); err != nil {
		return err
	}
	hz, err := c.port.ClockGetRate()
	if err != nil {
		return fmt.Errorf("read gpu clock: %w", err)
	}
	uv, err := c.port.VoltageGet()
	if err != nil {
		return fmt.Errorf("read gpu voltage: %w", err)
	}
	c.freq = hal.HzToMHz(hz)
	c.step = c.table.CeilStep(c.freq)
	c.applied = uv
	c.base = uv - c.margin
	c.lastChange = c.clock.Now()
	klog.V(4).Infof("gpu running at %d MHz %d uV, step %d", c.freq, uv, c.step)
	return nil
}

// Current returns the last applied clock in MHz and voltage in µV.
func (c *Controller) Current() (int, int) {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.freq, c.applied
}

func (c *Controller) CurrentStep() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.step
}

func (c *Controller) VoltageMargin() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.margin
}

// SetClock applies clock with the voltage of the lowest row that can run it. The bus QoS
// requests are left untouched.
func (c *Controller) SetClock(clk int) error {
	if clk <= 0 {
		return fmt.Errorf("%w: clock %d", dvfs.ErrInvalidArgument, clk)
	}
	step := c.table.CeilStep(clk)
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.checkHardwareLocked(); err != nil {
		klog.Warningf("skip setting gpu clock %d MHz, err: %v", clk, err)
		return err
	}
	prevStep, prevClock := c.step, c.freq
	if err := c.setClockVoltageLocked(clk, c.table.At(step).Voltage, false); err != nil {
		if c.freq != prevClock {
			c.step = c.table.CeilStep(c.freq)
			c.recordLocked(prevStep, prevClock, "set_clock")
		}
		return err
	}
	c.step = step
	if prevStep != c.step || prevClock != c.freq {
		c.recordLocked(prevStep, prevClock, "set_clock")
	}
	return nil
}

// SetVoltage writes uv plus the active margin. Writing the value already applied is a no-op.
func (c *Controller) SetVoltage(uv int) error {
	if uv <= 0 {
		return fmt.Errorf("%w: voltage %d", dvfs.ErrInvalidArgument, uv)
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.checkHardwareLocked(); err != nil {
		klog.Warningf("skip setting gpu voltage %d uV, err: %v", uv, err)
		return err
	}
	return c.setVoltageLocked(uv, false)
}

// SetVoltageMargin sets the additive cold margin and re-applies the voltage of the current step.
// The margin is kept even when the hardware is unavailable and takes effect on the next apply.
func (c *Controller) SetVoltageMargin(uv int) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.margin == uv {
		return nil
	}
	klog.V(4).Infof("gpu voltage margin %d -> %d uV", c.margin, uv)
	c.margin = uv
	if c.base == 0 {
		return nil
	}
	if err := c.checkHardwareLocked(); err != nil {
		klog.Warningf("voltage margin deferred, err: %v", err)
		return err
	}
	return c.setVoltageLocked(c.base, false)
}

// KeepVoltageMargin sets the cold margin without touching the regulator. The next apply writes it.
func (c *Controller) KeepVoltageMargin(uv int) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.margin = uv
}

// ApplyOperatingPoint applies target and its bus QoS requests. On a hardware write failure the
// sequence stops and the last successfully written clock and voltage stay in place.
func (c *Controller) ApplyOperatingPoint(target Target) (Result, error) {
	if !c.table.ValidStep(target.Step) {
		return Result{}, fmt.Errorf("%w: step %d", dvfs.ErrInvalidArgument, target.Step)
	}
	if target.Clock <= 0 {
		target.Clock = c.table.At(target.Step).Clock
	}
	if target.Voltage <= 0 {
		target.Voltage = c.table.At(target.Step).Voltage
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	res := Result{PrevStep: c.step, PrevClock: c.freq}
	if err := c.checkHardwareLocked(); err != nil {
		klog.Warningf("skip applying step %d (%d MHz), err: %v", target.Step, target.Clock, err)
		return res, err
	}
	if err := c.setClockVoltageLocked(target.Clock, target.Voltage, target.Force); err != nil {
		if c.freq != res.PrevClock {
			// the clock went down before the regulator write failed
			c.step = c.table.CeilStep(c.freq)
			res.Elapsed = c.clock.Now().Sub(c.lastChange)
			res.Changed = true
			c.recordLocked(res.PrevStep, res.PrevClock, target.Reason)
		}
		return res, err
	}
	c.step = target.Step

	if c.busQoS {
		p := c.table.At(target.Step)
		req := qos.Request{MemFreq: p.MemFreq, IntFreq: p.IntFreq, CPUMinFreq: p.CPUMinFreq, CPUMaxFreq: p.CPUMaxFreq}
		if err := c.sink.Apply(req); err != nil {
			metrics.RecordHardwareWriteFailure(deviceQoS)
			klog.Warningf("apply qos for step %d failed, err: %v", target.Step, err)
		}
	}

	if res.PrevStep != c.step || res.PrevClock != c.freq {
		now := c.clock.Now()
		res.Elapsed = now.Sub(c.lastChange)
		res.Changed = true
		c.recordLocked(res.PrevStep, res.PrevClock, target.Reason)
	}
	return res, nil
}

// ResetQoS releases the bus QoS requests.
func (c *Controller) ResetQoS() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.sink.Reset(); err != nil {
		metrics.RecordHardwareWriteFailure(deviceQoS)
		return err
	}
	return nil
}

func (c *Controller) ClockOn() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if !c.port.PowerIsOn() {
		return dvfs.ErrPowerOff
	}
	if c.port.ClockIsOn() {
		return nil
	}
	if c.manageRegulator {
		if err := c.port.RegulatorEnable(); err != nil {
			metrics.RecordHardwareWriteFailure(deviceRegulator)
			return fmt.Errorf("%w: enable gpu regulator: %v", dvfs.ErrHardwareWriteFailed, err)
		}
	}
	if err := c.port.ClockEnable(); err != nil {
		metrics.RecordHardwareWriteFailure(deviceClock)
		return fmt.Errorf("%w: enable gpu clock: %v", dvfs.ErrHardwareWriteFailed, err)
	}
	klog.V(4).Info("gpu clock enabled")
	return nil
}

func (c *Controller) ClockOff() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if !c.port.ClockIsOn() {
		return nil
	}
	if err := c.port.ClockDisable(); err != nil {
		metrics.RecordHardwareWriteFailure(deviceClock)
		return fmt.Errorf("%w: disable gpu clock: %v", dvfs.ErrHardwareWriteFailed, err)
	}
	klog.V(4).Info("gpu clock disabled")
	if c.manageRegulator {
		if err := c.port.RegulatorDisable(); err != nil {
			metrics.RecordHardwareWriteFailure(deviceRegulator)
			return fmt.Errorf("%w: disable gpu regulator: %v", dvfs.ErrHardwareWriteFailed, err)
		}
	}
	return nil
}

// setClockVoltageLocked orders the writes by direction against the last applied clock. Raising
// the clock writes the voltage first, lowering it writes the voltage last.
func (c *Controller) setClockVoltageLocked(clk, uv int, force bool) error {
	if clk > c.freq {
		if err := c.setVoltageLocked(uv, force); err != nil {
			return err
		}
		return c.setRateLocked(clk, force)
	}
	if err := c.setRateLocked(clk, force); err != nil {
		return err
	}
	return c.setVoltageLocked(uv, force)
}

func (c *Controller) setRateLocked(clk int, force bool) error {
	if clk == c.freq && !force {
		return nil
	}
	if err := c.port.ClockSetRate(hal.MHzToHz(clk)); err != nil {
		metrics.RecordHardwareWriteFailure(deviceClock)
		klog.Errorf("set gpu clock %d MHz failed, staying at %d MHz, err: %v", clk, c.freq, err)
		return fmt.Errorf("%w: set clock %d MHz: %v", dvfs.ErrHardwareWriteFailed, clk, err)
	}
	klog.V(5).Infof("gpu clock %d -> %d MHz", c.freq, clk)
	c.freq = clk
	return nil
}

func (c *Controller) setVoltageLocked(uv int, force bool) error {
	effective := uv + c.margin
	if c.margin != 0 && effective < c.coldMinVoltage {
		effective = c.coldMinVoltage
	}
	if effective == c.applied && !force {
		c.base = uv
		return nil
	}
	if err := c.port.VoltageSet(effective); err != nil {
		metrics.RecordHardwareWriteFailure(deviceRegulator)
		klog.Errorf("set gpu voltage %d uV failed, staying at %d uV, err: %v", effective, c.applied, err)
		return fmt.Errorf("%w: set voltage %d uV: %v", dvfs.ErrHardwareWriteFailed, effective, err)
	}
	klog.V(5).Infof("gpu voltage %d -> %d uV", c.applied, effective)
	c.base, c.applied = uv, effective
	return nil
}

func (c *Controller) recordLocked(prevStep, prevClock int, reason string) {
	c.lastChange = c.clock.Now()
	if c.recorder == nil {
		return
	}
	c.recorder.Record(audit.Transition{
		Time:      c.lastChange,
		FromStep:  prevStep,
		ToStep:    c.step,
		FromClock: prevClock,
		ToClock:   c.freq,
		Voltage:   c.applied,
		Reason:    reason,
	})
}
