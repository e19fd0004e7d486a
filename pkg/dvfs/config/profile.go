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

package config

import (
	"fmt"
	"os"
	"sort"

	"github.com/mohae/deepcopy"
	"sigs.k8s.io/yaml"

	"github.com/koordinator-sh/gpudvfs/pkg/dvfs"
	"github.com/koordinator-sh/gpudvfs/pkg/dvfs/hal"
	"github.com/koordinator-sh/gpudvfs/pkg/dvfs/qos"
	"github.com/koordinator-sh/gpudvfs/pkg/dvfs/table"
)

// Profile holds the constants of one SoC variant. Clocks are in MHz, voltages in µV and QoS
// frequencies in kHz.
type Profile struct {
	Name string `json:"name"`
	// GPU is the gpu label of the exported metrics.
	GPU   string                 `json:"gpu,omitempty"`
	Table []table.OperatingPoint `json:"table"`
	// ASV maps a clock to its calibrated voltage.
	ASV map[int]int `json:"asv,omitempty"`
	// ThermalClocks maps a throttle or trip event name to its thermal max lock.
	ThermalClocks     map[string]int `json:"thermalClocks,omitempty"`
	ColdVoltageMargin int            `json:"coldVoltageMargin,omitempty"`
	ColdMinVoltage    int            `json:"coldMinVoltage,omitempty"`
	StartClock        int            `json:"startClock,omitempty"`
	BaselineClock     int            `json:"baselineClock,omitempty"`
	WakeupClock       int            `json:"wakeupClock,omitempty"`
	StaticPeriod      int            `json:"staticPeriod,omitempty"`
	PowerCoefficient  int            `json:"powerCoefficient,omitempty"`
	// ManageRegulator switches the GPU regulator off and on with the clock gate.
	ManageRegulator bool `json:"manageRegulator,omitempty"`
	Sysfs             hal.SysfsPaths `json:"sysfs"`
	QoS               qos.SysfsPaths `json:"qos,omitempty"`
	QoSDefaults       qos.Request    `json:"qosDefaults,omitempty"`
}

// Validate checks the profile table and that every referenced clock is a table row.
func (p *Profile) Validate() error {
	t, err := table.New(p.Table)
	if err != nil {
		return fmt.Errorf("profile %s: %w", p.Name, err)
	}
	for name, clk := range p.ThermalClocks {
		ev, err := dvfs.ParseThermalEvent(name)
		if err != nil {
			return fmt.Errorf("profile %s: %w", p.Name, err)
		}
		if !ev.IsThrottle() {
			return fmt.Errorf("profile %s: %w: %s takes no thermal clock", p.Name, dvfs.ErrInvalidArgument, name)
		}
		if clk < t.MinClock() || clk > t.MaxClock() {
			return fmt.Errorf("profile %s: %w: thermal clock %d MHz out of table range", p.Name, dvfs.ErrInvalidArgument, clk)
		}
	}
	for _, clk := range []int{p.StartClock, p.BaselineClock, p.WakeupClock} {
		if clk == 0 {
			continue
		}
		if _, err := t.StepForClock(clk); err != nil {
			return fmt.Errorf("profile %s: %w", p.Name, err)
		}
	}
	for clk := range p.ASV {
		if _, err := t.StepForClock(clk); err != nil {
			return fmt.Errorf("profile %s: asv: %w", p.Name, err)
		}
	}
	if p.ColdVoltageMargin < 0 || p.ColdMinVoltage < 0 || p.StaticPeriod < 0 || p.PowerCoefficient < 0 {
		return fmt.Errorf("profile %s: %w: negative constant", p.Name, dvfs.ErrInvalidArgument)
	}
	return nil
}

func (p *Profile) thermalEvents() map[dvfs.ThermalEvent]int {
	events := make(map[dvfs.ThermalEvent]int, len(p.ThermalClocks))
	for name, clk := range p.ThermalClocks {
		if ev, err := dvfs.ParseThermalEvent(name); err == nil {
			events[ev] = clk
		}
	}
	return events
}

// LoadProfile reads a YAML or JSON profile from path.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile %s: %w", path, err)
	}
	p := &Profile{}
	if err := yaml.UnmarshalStrict(data, p); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}
	if p.Name == "" {
		p.Name = path
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// BuiltinProfile returns a deep copy of a built-in profile, callers may modify it.
func BuiltinProfile(name string) (*Profile, error) {
	p, ok := builtinProfiles[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown soc profile %q, known %v", dvfs.ErrInvalidArgument, name, BuiltinProfileNames())
	}
	return deepcopy.Copy(p).(*Profile), nil
}

func BuiltinProfileNames() []string {
	names := make([]string, 0, len(builtinProfiles))
	for name := range builtinProfiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const (
	ProfileExynos5422 = "exynos5422"
	ProfileExynos5430 = "exynos5430"
	ProfileExynos5260 = "exynos5260"
)

var builtinProfiles = map[string]*Profile{
	ProfileExynos5422: newExynos5422Profile(),
	ProfileExynos5430: newExynos5430Profile(),
	ProfileExynos5260: newExynos5260Profile(),
}

func maliSysfsPaths(device string) hal.SysfsPaths {
	return hal.SysfsPaths{
		Root:             "/sys/devices/platform/" + device,
		PowerStatus:      "power/runtime_status",
		ClockEnable:      "clock_enable",
		ClockRate:        "clock",
		ClockCurRate:     "clock_cur",
		RegulatorVoltage: "vol",
		RegulatorState:   "regulator_state",
		Utilization:      "utilization",
	}
}

func exynosQoSPaths(cpuCluster string) qos.SysfsPaths {
	return qos.SysfsPaths{
		Root:       "/sys",
		MemMinFreq: "class/devfreq/exynos5-devfreq-mif/min_freq",
		IntMinFreq: "class/devfreq/exynos5-devfreq-int/min_freq",
		CPUMinFreq: "devices/system/cpu/" + cpuCluster + "/cpufreq/scaling_min_freq",
		CPUMaxFreq: "devices/system/cpu/" + cpuCluster + "/cpufreq/scaling_max_freq",
	}
}

func newExynos5422Profile() *Profile {
	return &Profile{
		Name: ProfileExynos5422,
		GPU:  "mali-t628",
		Table: []table.OperatingPoint{
			{Clock: 177, Voltage: 812500, MinThreshold: 0, MaxThreshold: 90, StayCount: 2, MemFreq: 165000, IntFreq: 83000},
			{Clock: 266, Voltage: 862500, MinThreshold: 60, MaxThreshold: 90, StayCount: 1, MemFreq: 206000, IntFreq: 111000},
			{Clock: 350, Voltage: 912500, MinThreshold: 70, MaxThreshold: 90, StayCount: 1, MemFreq: 275000, IntFreq: 222000},
			{Clock: 420, Voltage: 962500, MinThreshold: 78, MaxThreshold: 99, StayCount: 1, MemFreq: 413000, IntFreq: 222000},
			{Clock: 480, Voltage: 1000000, MinThreshold: 80, MaxThreshold: 99, StayCount: 1, MemFreq: 543000, IntFreq: 333000},
			{Clock: 543, Voltage: 1037500, MinThreshold: 85, MaxThreshold: 99, StayCount: 1, MemFreq: 633000, IntFreq: 333000, CPUMinFreq: 1200000},
			{Clock: 600, Voltage: 1075000, MinThreshold: 95, MaxThreshold: 100, StayCount: 1, MemFreq: 825000, IntFreq: 400000, CPUMinFreq: 1500000},
		},
		ASV: map[int]int{
			177: 800000, 266: 850000, 350: 900000, 420: 950000, 480: 987500, 543: 1025000, 600: 1062500,
		},
		ThermalClocks: map[string]int{
			dvfs.ThermalThrottle1.String(): 480,
			dvfs.ThermalThrottle2.String(): 420,
			dvfs.ThermalThrottle3.String(): 350,
			dvfs.ThermalThrottle4.String(): 266,
			dvfs.ThermalTrip.String():      177,
		},
		ColdVoltageMargin: 37500,
		ColdMinVoltage:    950000,
		StartClock:        266,
		BaselineClock:     420,
		WakeupClock:       420,
		StaticPeriod:      5,
		PowerCoefficient:  625,
		Sysfs:             maliSysfsPaths("11800000.mali"),
		QoS:               exynosQoSPaths("cpu4"),
		QoSDefaults:       qos.Request{MemFreq: 165000, IntFreq: 83000, CPUMinFreq: 200000, CPUMaxFreq: 2000000},
	}
}

func newExynos5430Profile() *Profile {
	return &Profile{
		Name: ProfileExynos5430,
		GPU:  "mali-t628",
		Table: []table.OperatingPoint{
			{Clock: 160, Voltage: 825000, MinThreshold: 0, MaxThreshold: 90, StayCount: 2, MemFreq: 133000, IntFreq: 100000},
			{Clock: 266, Voltage: 862500, MinThreshold: 62, MaxThreshold: 90, StayCount: 1, MemFreq: 211000, IntFreq: 160000},
			{Clock: 350, Voltage: 900000, MinThreshold: 70, MaxThreshold: 90, StayCount: 1, MemFreq: 413000, IntFreq: 200000},
			{Clock: 420, Voltage: 950000, MinThreshold: 78, MaxThreshold: 95, StayCount: 1, MemFreq: 543000, IntFreq: 267000},
			{Clock: 500, Voltage: 1000000, MinThreshold: 85, MaxThreshold: 99, StayCount: 1, MemFreq: 633000, IntFreq: 317000},
			{Clock: 550, Voltage: 1037500, MinThreshold: 90, MaxThreshold: 100, StayCount: 1, MemFreq: 825000, IntFreq: 400000, CPUMinFreq: 1300000},
			{Clock: 600, Voltage: 1075000, MinThreshold: 95, MaxThreshold: 99, StayCount: 1, MemFreq: 825000, IntFreq: 400000, CPUMinFreq: 1500000},
		},
		ASV: map[int]int{
			160: 812500, 266: 850000, 350: 887500, 420: 937500, 500: 987500, 550: 1025000, 600: 1062500,
		},
		ThermalClocks: map[string]int{
			dvfs.ThermalThrottle1.String(): 500,
			dvfs.ThermalThrottle2.String(): 420,
			dvfs.ThermalThrottle3.String(): 350,
			dvfs.ThermalThrottle4.String(): 266,
			dvfs.ThermalTrip.String():      160,
		},
		ColdVoltageMargin: 37500,
		ColdMinVoltage:    925000,
		StartClock:        266,
		BaselineClock:     350,
		WakeupClock:       420,
		StaticPeriod:      5,
		PowerCoefficient:  560,
		Sysfs:             maliSysfsPaths("14ac0000.mali"),
		QoS:               exynosQoSPaths("cpu4"),
		QoSDefaults:       qos.Request{MemFreq: 133000, IntFreq: 100000, CPUMinFreq: 200000, CPUMaxFreq: 1800000},
	}
}

func newExynos5260Profile() *Profile {
	return &Profile{
		Name: ProfileExynos5260,
		GPU:  "mali-t624",
		Table: []table.OperatingPoint{
			{Clock: 160, Voltage: 850000, MinThreshold: 0, MaxThreshold: 90, StayCount: 2, MemFreq: 206000, IntFreq: 100000},
			{Clock: 266, Voltage: 900000, MinThreshold: 60, MaxThreshold: 90, StayCount: 1, MemFreq: 413000, IntFreq: 160000},
			{Clock: 350, Voltage: 950000, MinThreshold: 75, MaxThreshold: 95, StayCount: 1, MemFreq: 543000, IntFreq: 200000},
			{Clock: 450, Voltage: 1025000, MinThreshold: 90, MaxThreshold: 100, StayCount: 1, MemFreq: 825000, IntFreq: 266000, CPUMinFreq: 1100000},
		},
		ASV: map[int]int{
			160: 837500, 266: 887500, 350: 937500, 450: 1012500,
		},
		ThermalClocks: map[string]int{
			dvfs.ThermalThrottle1.String(): 450,
			dvfs.ThermalThrottle2.String(): 350,
			dvfs.ThermalThrottle3.String(): 266,
			dvfs.ThermalThrottle4.String(): 266,
			dvfs.ThermalTrip.String():      160,
		},
		ColdVoltageMargin: 25000,
		ColdMinVoltage:    950000,
		StartClock:        160,
		BaselineClock:     266,
		WakeupClock:       350,
		StaticPeriod:      5,
		PowerCoefficient:  480,
		ManageRegulator:   true,
		Sysfs:             maliSysfsPaths("11800000.mali"),
		QoS:               exynosQoSPaths("cpu0"),
		QoSDefaults:       qos.Request{MemFreq: 206000, IntFreq: 100000, CPUMinFreq: 400000, CPUMaxFreq: 1700000},
	}
}
