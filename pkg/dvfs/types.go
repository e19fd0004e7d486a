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

// Package dvfs holds the types shared by the GPU DVFS table, governor, control layer and handler.
package dvfs

import (
	"fmt"
	"strings"
)

// LockOwner is an actor that may clamp the allowed GPU clock range.
type LockOwner int

const (
	LockOwnerThermal LockOwner = iota
	LockOwnerSysfs
	LockOwnerPowerBudget

	// NumLockOwners must stay the last entry.
	NumLockOwners
)

// LockOwnerNone marks that no lock request is in progress.
const LockOwnerNone LockOwner = -1

var lockOwnerNames = map[LockOwner]string{
	LockOwnerNone:        "none",
	LockOwnerThermal:     "thermal",
	LockOwnerSysfs:       "sysfs",
	LockOwnerPowerBudget: "power_budget",
}

func (o LockOwner) String() string {
	if s, ok := lockOwnerNames[o]; ok {
		return s
	}
	return fmt.Sprintf("LockOwner(%d)", int(o))
}

// LockOwners returns every valid lock owner in index order.
func LockOwners() []LockOwner {
	return []LockOwner{LockOwnerThermal, LockOwnerSysfs, LockOwnerPowerBudget}
}

type LockKind int

const (
	LockMax LockKind = iota
	LockMin
)

func (k LockKind) String() string {
	switch k {
	case LockMax:
		return "max"
	case LockMin:
		return "min"
	}
	return fmt.Sprintf("LockKind(%d)", int(k))
}

// ParseLockKind accepts "max" or "min".
func ParseLockKind(s string) (LockKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "max":
		return LockMax, nil
	case "min":
		return LockMin, nil
	}
	return 0, fmt.Errorf("%w: lock kind %q", ErrInvalidArgument, s)
}

// PowerState reflects the GPU power domain and clock gate.
type PowerState int

const (
	PowerStateClockOff PowerState = iota
	PowerStateClockOn
	PowerStatePowerOff
)

func (p PowerState) String() string {
	switch p {
	case PowerStateClockOff:
		return "clock_off"
	case PowerStateClockOn:
		return "clock_on"
	case PowerStatePowerOff:
		return "power_off"
	}
	return fmt.Sprintf("PowerState(%d)", int(p))
}

// GovernorKind selects the decision policy. The numeric value is the operator-facing index.
type GovernorKind int

const (
	GovernorDefault GovernorKind = iota
	GovernorStatic
	GovernorBooster

	NumGovernors
)

var governorNames = []string{"Default", "Static", "Booster"}

func (g GovernorKind) String() string {
	if g >= 0 && g < NumGovernors {
		return governorNames[g]
	}
	return fmt.Sprintf("GovernorKind(%d)", int(g))
}

// GovernorKindFromIndex validates an operator supplied governor index.
func GovernorKindFromIndex(i int) (GovernorKind, error) {
	if i < 0 || i >= int(NumGovernors) {
		return 0, fmt.Errorf("%w: governor index %d out of range [0, %d)", ErrInvalidArgument, i, NumGovernors)
	}
	return GovernorKind(i), nil
}

// ParseGovernorKind matches a governor name case-insensitively.
func ParseGovernorKind(s string) (GovernorKind, error) {
	for i, name := range governorNames {
		if strings.EqualFold(name, strings.TrimSpace(s)) {
			return GovernorKind(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown governor %q", ErrInvalidArgument, s)
}

// GovernorNames lists the governors in index order.
func GovernorNames() []string {
	names := make([]string, len(governorNames))
	copy(names, governorNames)
	return names
}

// ThermalEvent is delivered by the thermal management unit notifier.
type ThermalEvent int

const (
	ThermalCold ThermalEvent = iota
	ThermalNormal
	ThermalThrottle1
	ThermalThrottle2
	ThermalThrottle3
	ThermalThrottle4
	ThermalTrip
)

var thermalEventNames = map[ThermalEvent]string{
	ThermalCold:      "cold",
	ThermalNormal:    "normal",
	ThermalThrottle1: "throttle1",
	ThermalThrottle2: "throttle2",
	ThermalThrottle3: "throttle3",
	ThermalThrottle4: "throttle4",
	ThermalTrip:      "trip",
}

func (e ThermalEvent) String() string {
	if s, ok := thermalEventNames[e]; ok {
		return s
	}
	return fmt.Sprintf("ThermalEvent(%d)", int(e))
}

// IsThrottle reports whether the event requests a thermal max lock.
func (e ThermalEvent) IsThrottle() bool {
	return e >= ThermalThrottle1 && e <= ThermalTrip
}

func ParseThermalEvent(s string) (ThermalEvent, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for e, name := range thermalEventNames {
		if name == s {
			return e, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown thermal event %q", ErrInvalidArgument, s)
}

// HandlerState is the lifecycle state of the DVFS handler.
type HandlerState int

const (
	HandlerStopped HandlerState = iota
	HandlerRunning
)

func (s HandlerState) String() string {
	if s == HandlerRunning {
		return "running"
	}
	return "stopped"
}
