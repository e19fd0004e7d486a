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

package handler

import (
	"fmt"

	"go.uber.org/multierr"
	"k8s.io/klog/v2"

	"github.com/koordinator-sh/gpudvfs/pkg/dvfs"
)

func ignoreUnavailable(err error) error {
	if dvfs.IsHardwareUnavailable(err) {
		klog.V(4).Infof("gpu unavailable, deferred: %v", err)
		return nil
	}
	return err
}

// OnThermalEvent handles a thermal notification. Cold adds the voltage margin, Normal removes the
// margin and the thermal max lock, throttle and trip events set the thermal max lock.
func (h *Handler) OnThermalEvent(ev dvfs.ThermalEvent) error {
	klog.V(4).Infof("gpu thermal event %s", ev)
	switch {
	case ev == dvfs.ThermalCold:
		if h.opts.ColdVoltageMargin == 0 {
			return nil
		}
		return h.setVoltageMargin(h.opts.ColdVoltageMargin)
	case ev == dvfs.ThermalNormal:
		return multierr.Append(
			h.setVoltageMargin(0),
			h.RequestLock(dvfs.LockOwnerThermal, dvfs.LockMax, 0),
		)
	case ev.IsThrottle():
		clk, ok := h.opts.ThermalClocks[ev]
		if !ok {
			return fmt.Errorf("%w: no thermal clock for %s", dvfs.ErrInvalidArgument, ev)
		}
		return h.RequestLock(dvfs.LockOwnerThermal, dvfs.LockMax, clk)
	}
	return fmt.Errorf("%w: thermal event %d", dvfs.ErrInvalidArgument, ev)
}

// setVoltageMargin re-applies the voltage with margin uv. While stopped the margin is only kept
// for the next apply.
func (h *Handler) setVoltageMargin(uv int) error {
	h.passLock.Lock()
	defer h.passLock.Unlock()
	if !h.running.Load() {
		h.ctrl.KeepVoltageMargin(uv)
		return nil
	}
	err := h.ctrl.SetVoltageMargin(uv)
	h.refreshVoltage()
	return ignoreUnavailable(err)
}

func (h *Handler) refreshVoltage() {
	_, uv := h.ctrl.Current()
	h.stateLock.Lock()
	h.st.voltage = uv
	h.stateLock.Unlock()
}

// OnPowerOn enables the clock and re-applies the current clock and voltage within the active
// locks, raised to the wakeup clock when the wakeup lock is set.
func (h *Handler) OnPowerOn() error {
	h.passLock.Lock()
	if !h.running.Load() {
		h.passLock.Unlock()
		return nil
	}
	if err := h.ctrl.ClockOn(); err != nil {
		h.passLock.Unlock()
		return ignoreUnavailable(err)
	}
	h.stateLock.Lock()
	minLock, maxLock := h.st.locks.effective(h.table)
	clk := h.st.clock
	if h.st.wakeupLock && h.opts.WakeupClock > clk {
		clk = h.opts.WakeupClock
	}
	step, target := clamp(h.table, clk, minLock, maxLock)
	h.stateLock.Unlock()
	err := h.applyLocked(step, target, true, "power_on")
	h.passLock.Unlock()

	h.startSampler()
	return ignoreUnavailable(err)
}

// OnPowerOff stops sampling, releases the bus QoS requests and gates the clock. A decision pass
// already scheduled finds the clock off and writes nothing. A stopped handler ignores it.
func (h *Handler) OnPowerOff() error {
	h.stopSampler()
	h.passLock.Lock()
	defer h.passLock.Unlock()
	if !h.running.Load() {
		return nil
	}
	err := multierr.Combine(h.ctrl.ResetQoS(), h.ctrl.ClockOff())
	if err != nil {
		klog.Errorf("gpu power off failed, err: %v", err)
	}
	return err
}
