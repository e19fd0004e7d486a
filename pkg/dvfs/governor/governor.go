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

// Package governor decides the next DVFS step from the latest utilization sample.
package governor

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/koordinator-sh/gpudvfs/pkg/dvfs"
	"github.com/koordinator-sh/gpudvfs/pkg/dvfs/table"
)

const (
	// DefaultStaticPeriod is the number of calls between two static governor moves.
	DefaultStaticPeriod = 10

	// boosterThresholdPercent of the current clock is the weight increase that triggers a jump.
	boosterThresholdPercent = 50
	// boosterJump is the number of steps the booster governor climbs at once.
	boosterJump = 2
)

// Input is the control state a governor decision is computed from.
type Input struct {
	Step            int
	Utilization     int
	DownRequirement int
	// CurrentClock is the applied clock in MHz, used by the booster weight.
	CurrentClock int
	// MinLock and MaxLock bound the static governor sweep, 0 means unset.
	MinLock int
	MaxLock int
}

type Decision struct {
	Step            int
	DownRequirement int
}

type staticState struct {
	period   int
	count    int
	increase bool
}

type boosterState struct {
	weight int
}

// Governor is a stateful decision policy. It is not safe for concurrent use; the handler calls it
// with its state lock held.
type Governor struct {
	kind    dvfs.GovernorKind
	static  staticState
	booster boosterState
}

func New(kind dvfs.GovernorKind, staticPeriod int) *Governor {
	if staticPeriod <= 0 {
		staticPeriod = DefaultStaticPeriod
	}
	return &Governor{
		kind:   kind,
		static: staticState{period: staticPeriod, increase: true},
	}
}

func (g *Governor) Kind() dvfs.GovernorKind { return g.kind }

func (g *Governor) Name() string { return g.kind.String() }

// Next returns the next step and down requirement. A nil or empty table, or a step outside the
// table, is a programming error and panics.
func (g *Governor) Next(t *table.Table, in Input) Decision {
	if t == nil || t.Len() == 0 {
		panic("governor: dvfs table is not initialized")
	}
	if !t.ValidStep(in.Step) {
		panic(fmt.Sprintf("governor: step %d out of range [0, %d]", in.Step, t.MaxStep()))
	}
	if in.DownRequirement < 0 {
		panic(fmt.Sprintf("governor: negative down requirement %d", in.DownRequirement))
	}

	var d Decision
	switch g.kind {
	case dvfs.GovernorDefault:
		d = nextDefault(t, in)
	case dvfs.GovernorStatic:
		d = g.nextStatic(t, in)
	case dvfs.GovernorBooster:
		d = g.nextBooster(t, in)
	default:
		panic(fmt.Sprintf("governor: unknown kind %d", g.kind))
	}
	if d.Step != in.Step {
		klog.V(5).Infof("%s governor: utilization %d%%, step %d -> %d, down requirement %d",
			g.Name(), in.Utilization, in.Step, d.Step, d.DownRequirement)
	}
	return d
}

// nextDefault steps up as soon as utilization exceeds the max threshold and steps down after
// DownRequirement qualifying samples below the min threshold. Only a step change reloads the
// down requirement.
func nextDefault(t *table.Table, in Input) Decision {
	step, down := in.Step, in.DownRequirement
	point := t.At(step)
	switch {
	case step < t.MaxStep() && in.Utilization > point.MaxThreshold:
		step++
		down = t.At(step).StayCount
	case step > t.MinStep() && in.Utilization < point.MinThreshold:
		if down > 0 {
			down--
		}
		if down == 0 {
			step--
			down = t.At(step).StayCount
		}
	}
	return Decision{Step: step, DownRequirement: down}
}

func atUpperBound(t *table.Table, step, maxLock int) bool {
	return step >= t.MaxStep() || (maxLock > 0 && t.At(step).Clock >= maxLock)
}

func atLowerBound(t *table.Table, step, minLock int) bool {
	return step <= t.MinStep() || (minLock > 0 && t.At(step).Clock <= minLock)
}

// nextStatic ignores utilization and sweeps one step every period calls, bouncing between the
// lock bounds or the table extremes.
func (g *Governor) nextStatic(t *table.Table, in Input) Decision {
	s := &g.static
	s.count++
	if s.count < s.period {
		return Decision{Step: in.Step, DownRequirement: in.DownRequirement}
	}
	s.count = 0

	step := in.Step
	if s.increase {
		if !atUpperBound(t, step, in.MaxLock) {
			step++
		}
		if atUpperBound(t, step, in.MaxLock) {
			s.increase = false
		}
	} else {
		if !atLowerBound(t, step, in.MinLock) {
			step--
		}
		if atLowerBound(t, step, in.MinLock) {
			s.increase = true
		}
	}
	return Decision{Step: step, DownRequirement: t.At(step).StayCount}
}

// topThrottleFreeStep is the highest step whose max threshold is 100, or the top step.
func topThrottleFreeStep(t *table.Table) int {
	for i := t.MaxStep(); i >= t.MinStep(); i-- {
		if t.At(i).MaxThreshold == 100 {
			return i
		}
	}
	return t.MaxStep()
}

// nextBooster behaves as the default governor, but jumps two steps at once when the
// clock-weighted utilization grew by more than half of the current clock since the last call.
func (g *Governor) nextBooster(t *table.Table, in Input) Decision {
	weight := in.CurrentClock * in.Utilization
	threshold := in.CurrentClock * boosterThresholdPercent
	ceiling := topThrottleFreeStep(t)

	var d Decision
	if in.Step < ceiling-boosterJump && weight-g.booster.weight > threshold {
		step := in.Step + boosterJump
		d = Decision{Step: step, DownRequirement: t.At(step).StayCount}
		klog.V(4).Infof("booster governor: weight %d -> %d, jump to step %d", g.booster.weight, weight, step)
	} else {
		d = nextDefault(t, in)
	}
	g.booster.weight = weight
	return d
}
