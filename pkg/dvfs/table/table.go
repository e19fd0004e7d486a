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

package table

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/koordinator-sh/gpudvfs/pkg/dvfs"
)

// OperatingPoint is one row of the DVFS table.
type OperatingPoint struct {
	// Clock in MHz.
	Clock int `json:"clock"`
	// Voltage in µV.
	Voltage int `json:"voltage"`
	// MinThreshold and MaxThreshold are utilization percentages that trigger step-down and step-up.
	MinThreshold int `json:"minThreshold"`
	MaxThreshold int `json:"maxThreshold"`
	// StayCount is the number of qualifying low-utilization samples required before stepping down.
	StayCount int `json:"stayCount"`
	// Companion QoS values in kHz, 0 means no request.
	MemFreq    int `json:"memFreq,omitempty"`
	IntFreq    int `json:"intFreq,omitempty"`
	CPUMinFreq int `json:"cpuMinFreq,omitempty"`
	CPUMaxFreq int `json:"cpuMaxFreq,omitempty"`
}

// Row is an operating point together with its diagnostic time-in-state.
type Row struct {
	OperatingPoint
	TimeAccumulated time.Duration `json:"timeAccumulated"`
}

// Table is the ordered operating point catalog. Rows are sorted ascending by clock and are
// immutable after construction, except for the ASV voltage correction applied once at init and
// the per-row time-in-state counters.
type Table struct {
	points []OperatingPoint

	asvApplied bool

	timeLock sync.Mutex
	times    []time.Duration
}

func New(points []OperatingPoint) (*Table, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: empty dvfs table", dvfs.ErrInvalidArgument)
	}
	for i, p := range points {
		if p.Clock <= 0 || p.Voltage <= 0 {
			return nil, fmt.Errorf("%w: step %d has non-positive clock %d or voltage %d",
				dvfs.ErrInvalidArgument, i, p.Clock, p.Voltage)
		}
		if p.MinThreshold < 0 || p.MaxThreshold > 100 || p.MinThreshold > p.MaxThreshold {
			return nil, fmt.Errorf("%w: step %d has invalid thresholds [%d, %d]",
				dvfs.ErrInvalidArgument, i, p.MinThreshold, p.MaxThreshold)
		}
		if p.StayCount < 0 {
			return nil, fmt.Errorf("%w: step %d has negative stay count %d", dvfs.ErrInvalidArgument, i, p.StayCount)
		}
		if i > 0 && p.Clock <= points[i-1].Clock {
			return nil, fmt.Errorf("%w: table is not sorted ascending by clock at step %d (%d <= %d)",
				dvfs.ErrInvalidArgument, i, p.Clock, points[i-1].Clock)
		}
	}
	t := &Table{
		points: make([]OperatingPoint, len(points)),
		times:  make([]time.Duration, len(points)),
	}
	copy(t.points, points)
	return t, nil
}

// MustNew is New for built-in tables.
func MustNew(points []OperatingPoint) *Table {
	t, err := New(points)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Table) Len() int { return len(t.points) }

func (t *Table) MinStep() int { return 0 }

func (t *Table) MaxStep() int { return len(t.points) - 1 }

func (t *Table) MinClock() int { return t.points[0].Clock }

func (t *Table) MaxClock() int { return t.points[len(t.points)-1].Clock }

// At returns the operating point of step i. It panics when i is out of range.
func (t *Table) At(i int) OperatingPoint { return t.points[i] }

// ValidStep reports whether i indexes a row.
func (t *Table) ValidStep(i int) bool { return i >= 0 && i < len(t.points) }

// StepForClock returns the step whose clock equals clock exactly.
func (t *Table) StepForClock(clock int) (int, error) {
	i := sort.Search(len(t.points), func(i int) bool { return t.points[i].Clock >= clock })
	if i < len(t.points) && t.points[i].Clock == clock {
		return i, nil
	}
	return -1, fmt.Errorf("%w: clock %d MHz", dvfs.ErrUnknownOperatingPoint, clock)
}

func (t *Table) VoltageForClock(clock int) (int, bool) {
	i, err := t.StepForClock(clock)
	if err != nil {
		return 0, false
	}
	return t.points[i].Voltage, true
}

// CeilStep returns the lowest step whose clock is at least clock, or the top step.
func (t *Table) CeilStep(clock int) int {
	i := sort.Search(len(t.points), func(i int) bool { return t.points[i].Clock >= clock })
	if i >= len(t.points) {
		return len(t.points) - 1
	}
	return i
}

// FloorStep returns the highest step whose clock is at most clock, or the bottom step.
func (t *Table) FloorStep(clock int) int {
	i := sort.Search(len(t.points), func(i int) bool { return t.points[i].Clock > clock })
	if i == 0 {
		return 0
	}
	return i - 1
}

// ApplyASV replaces the voltage of each listed clock with its calibrated value. It may run only once.
func (t *Table) ApplyASV(voltages map[int]int) error {
	if t.asvApplied {
		return fmt.Errorf("%w: asv correction already applied", dvfs.ErrInvalidArgument)
	}
	steps := make(map[int]int, len(voltages))
	for clock, uv := range voltages {
		i, err := t.StepForClock(clock)
		if err != nil {
			return fmt.Errorf("asv entry: %w", err)
		}
		if uv <= 0 {
			return fmt.Errorf("%w: asv voltage %d for clock %d", dvfs.ErrInvalidArgument, uv, clock)
		}
		steps[i] = uv
	}
	for i, uv := range steps {
		klog.V(4).Infof("asv: clock %d MHz voltage %d -> %d uV", t.points[i].Clock, t.points[i].Voltage, uv)
		t.points[i].Voltage = uv
	}
	t.asvApplied = true
	return nil
}

func (t *Table) AddTime(step int, d time.Duration) {
	if !t.ValidStep(step) || d <= 0 {
		return
	}
	t.timeLock.Lock()
	t.times[step] += d
	t.timeLock.Unlock()
}

func (t *Table) TimeInState() []time.Duration {
	t.timeLock.Lock()
	defer t.timeLock.Unlock()
	out := make([]time.Duration, len(t.times))
	copy(out, t.times)
	return out
}

func (t *Table) ResetTimeInState() {
	t.timeLock.Lock()
	for i := range t.times {
		t.times[i] = 0
	}
	t.timeLock.Unlock()
}

// Snapshot returns a copy of every row for operator reads.
func (t *Table) Snapshot() []Row {
	points := make([]OperatingPoint, len(t.points))
	copy(points, t.points)
	times := t.TimeInState()
	rows := make([]Row, len(points))
	for i := range points {
		rows[i] = Row{OperatingPoint: points[i], TimeAccumulated: times[i]}
	}
	return rows
}
