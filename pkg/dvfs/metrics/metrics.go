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

package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/koordinator-sh/gpudvfs/pkg/dvfs/audit"
)

const (
	DVFSSubsystem = "gpu_dvfs"

	GPUKey       = "gpu"
	ClockKey     = "clock"
	DirectionKey = "direction"
	DeviceKey    = "device"
	LockKindKey  = "kind"

	DirectionUp   = "up"
	DirectionDown = "down"
)

var (
	CurrentClock = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: DVFSSubsystem,
		Name:      "clock_mhz",
		Help:      "GPU clock applied by the dvfs controller in MHz",
	}, []string{GPUKey})

	CurrentVoltage = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: DVFSSubsystem,
		Name:      "voltage_microvolts",
		Help:      "GPU voltage applied by the dvfs controller in microvolts",
	}, []string{GPUKey})

	CurrentStep = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: DVFSSubsystem,
		Name:      "step",
		Help:      "Index of the applied operating point in the dvfs table",
	}, []string{GPUKey})

	Utilization = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: DVFSSubsystem,
		Name:      "utilization_percent",
		Help:      "Latest GPU utilization sample",
	}, []string{GPUKey})

	NormalizedUtilization = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: DVFSSubsystem,
		Name:      "normalized_utilization_percent",
		Help:      "GPU utilization over the busy/idle window scaled to the top clock",
	}, []string{GPUKey})

	PowerEstimate = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: DVFSSubsystem,
		Name:      "dynamic_power_estimate",
		Help:      "Estimated GPU dynamic power for the power budget collaborator",
	}, []string{GPUKey})

	EffectiveLock = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: DVFSSubsystem,
		Name:      "effective_lock_mhz",
		Help:      "Effective min and max clock lock in MHz",
	}, []string{GPUKey, LockKindKey})

	TimeInState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: DVFSSubsystem,
		Name:      "time_in_state_seconds",
		Help:      "Accumulated time spent at each operating point",
	}, []string{GPUKey, ClockKey})

	Transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: DVFSSubsystem,
		Name:      "transitions_total",
		Help:      "Number of applied operating point transitions",
	}, []string{GPUKey, DirectionKey})

	HardwareWriteFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: DVFSSubsystem,
		Name:      "hardware_write_failures_total",
		Help:      "Number of failed clock, regulator or qos writes",
	}, []string{GPUKey, DeviceKey})

	DVFSCollectors = []prometheus.Collector{
		CurrentClock,
		CurrentVoltage,
		CurrentStep,
		Utilization,
		NormalizedUtilization,
		PowerEstimate,
		EffectiveLock,
		TimeInState,
		Transitions,
		HardwareWriteFailures,
	}
)

var (
	gpuLock sync.RWMutex
	gpuName = "mali"
)

func init() {
	prometheus.MustRegister(DVFSCollectors...)
}

// SetGPUName sets the gpu label value of every metric.
func SetGPUName(name string) {
	gpuLock.Lock()
	defer gpuLock.Unlock()
	gpuName = name
}

func genGPULabels() prometheus.Labels {
	gpuLock.RLock()
	defer gpuLock.RUnlock()
	return prometheus.Labels{GPUKey: gpuName}
}

func RecordOperatingPoint(step, clock, voltage int) {
	labels := genGPULabels()
	CurrentStep.With(labels).Set(float64(step))
	CurrentClock.With(labels).Set(float64(clock))
	CurrentVoltage.With(labels).Set(float64(voltage))
}

func RecordUtilization(util, normalized int) {
	labels := genGPULabels()
	Utilization.With(labels).Set(float64(util))
	NormalizedUtilization.With(labels).Set(float64(normalized))
}

func RecordPowerEstimate(power float64) {
	PowerEstimate.With(genGPULabels()).Set(power)
}

func RecordEffectiveLock(kind string, clock int) {
	labels := genGPULabels()
	labels[LockKindKey] = kind
	EffectiveLock.With(labels).Set(float64(clock))
}

func RecordTimeInState(clock int, seconds float64) {
	labels := genGPULabels()
	labels[ClockKey] = strconv.Itoa(clock)
	TimeInState.With(labels).Set(seconds)
}

func RecordTransition(fromClock, toClock int) {
	labels := genGPULabels()
	if toClock >= fromClock {
		labels[DirectionKey] = DirectionUp
	} else {
		labels[DirectionKey] = DirectionDown
	}
	Transitions.With(labels).Inc()
}

// RecordAuditTransition exports the operating point reached by t and its direction.
func RecordAuditTransition(t audit.Transition) {
	RecordOperatingPoint(t.ToStep, t.ToClock, t.Voltage)
	RecordTransition(t.FromClock, t.ToClock)
}

func RecordHardwareWriteFailure(device string) {
	labels := genGPULabels()
	labels[DeviceKey] = device
	HardwareWriteFailures.With(labels).Inc()
}

func ResetTimeInState() {
	TimeInState.Reset()
}
