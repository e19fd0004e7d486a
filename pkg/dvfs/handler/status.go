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
	"time"

	"github.com/koordinator-sh/gpudvfs/pkg/dvfs"
	"github.com/koordinator-sh/gpudvfs/pkg/dvfs/table"
)

type LockStatus struct {
	Owner string `json:"owner"`
	Kind  string `json:"kind"`
	Clock int    `json:"clock"`
}

// Status is the operator view of the DVFS state.
type Status struct {
	State                 string       `json:"state"`
	Enabled               bool         `json:"enabled"`
	Governor              string       `json:"governor"`
	PowerState            string       `json:"powerState"`
	Step                  int          `json:"step"`
	Clock                 int          `json:"clock"`
	Voltage               int          `json:"voltage"`
	VoltageMargin         int          `json:"voltageMargin"`
	Utilization           int          `json:"utilization"`
	NormalizedUtilization int          `json:"normalizedUtilization"`
	DownRequirement       int          `json:"downRequirement"`
	MinLock               int          `json:"minLock"`
	MaxLock               int          `json:"maxLock"`
	Locks                 []LockStatus `json:"locks,omitempty"`
	TargetLockOwner       string       `json:"targetLockOwner"`
	PollingIntervalMillis int64        `json:"pollingIntervalMillis"`
	WakeupLock            bool         `json:"wakeupLock"`
	PowerEstimate         float64      `json:"powerEstimate"`
}

func (h *Handler) Status() Status {
	powerState := h.ctrl.PowerState()
	margin := h.ctrl.VoltageMargin()
	_, voltage := h.ctrl.Current()

	h.stateLock.Lock()
	defer h.stateLock.Unlock()
	minLock, maxLock := h.st.locks.effective(h.table)
	s := Status{
		State:                 h.State().String(),
		Enabled:               h.st.enabled,
		Governor:              h.st.governorKind.String(),
		PowerState:            powerState.String(),
		Step:                  h.st.step,
		Clock:                 h.st.clock,
		Voltage:               voltage,
		VoltageMargin:         margin,
		Utilization:           h.st.utilization,
		NormalizedUtilization: int(h.normalized.Load()),
		DownRequirement:       h.st.downRequirement,
		MinLock:               minLock,
		MaxLock:               maxLock,
		TargetLockOwner:       h.st.targetLockOwner.String(),
		PollingIntervalMillis: h.st.pollingInterval.Milliseconds(),
		WakeupLock:            h.st.wakeupLock,
		PowerEstimate:         h.power.Load(),
	}
	for _, owner := range dvfs.LockOwners() {
		for _, kind := range []dvfs.LockKind{dvfs.LockMax, dvfs.LockMin} {
			if clk := h.st.locks.get(owner, kind); clk > 0 {
				s.Locks = append(s.Locks, LockStatus{Owner: owner.String(), Kind: kind.String(), Clock: clk})
			}
		}
	}
	return s
}

// PowerEstimate is the latest dynamic power estimate for the power budget collaborator.
func (h *Handler) PowerEstimate() float64 {
	return h.power.Load()
}

// NormalizedUtilization is the busy share of the sample window scaled to the top clock.
func (h *Handler) NormalizedUtilization() int {
	return int(h.normalized.Load())
}

func (h *Handler) TimeInState() []time.Duration {
	return h.table.TimeInState()
}

// Table returns a copy of the operating points with their time in state.
func (h *Handler) Table() []table.Row {
	return h.table.Snapshot()
}
