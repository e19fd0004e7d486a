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

package control

import (
	"errors"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/koordinator-sh/gpudvfs/pkg/dvfs"
	"github.com/koordinator-sh/gpudvfs/pkg/dvfs/audit"
	"github.com/koordinator-sh/gpudvfs/pkg/dvfs/hal"
	"github.com/koordinator-sh/gpudvfs/pkg/dvfs/hal/mockhal"
	"github.com/koordinator-sh/gpudvfs/pkg/dvfs/qos"
	"github.com/koordinator-sh/gpudvfs/pkg/dvfs/table"
)

func testTable() *table.Table {
	return table.MustNew([]table.OperatingPoint{
		{Clock: 177, Voltage: 812500, MaxThreshold: 90, StayCount: 2, MemFreq: 413000},
		{Clock: 266, Voltage: 862500, MinThreshold: 60, MaxThreshold: 90, StayCount: 1, MemFreq: 543000},
		{Clock: 350, Voltage: 912500, MinThreshold: 70, MaxThreshold: 100, StayCount: 1, MemFreq: 633000, CPUMinFreq: 1000000},
	})
}

func poweredMock(ctrl *gomock.Controller) *mockhal.MockPort {
	port := mockhal.NewMockPort(ctrl)
	port.EXPECT().PowerIsOn().Return(true).AnyTimes()
	port.EXPECT().ClockIsOn().Return(true).AnyTimes()
	return port
}

func TestApplyOrdering(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	port := poweredMock(ctrl)
	gomock.InOrder(
		// raise from 0: voltage before clock
		port.EXPECT().VoltageSet(862500).Return(nil),
		port.EXPECT().ClockSetRate(uint64(266000000)).Return(nil),
		// raise 266 -> 350
		port.EXPECT().VoltageSet(912500).Return(nil),
		port.EXPECT().ClockSetRate(uint64(350000000)).Return(nil),
		// lower 350 -> 177: clock before voltage
		port.EXPECT().ClockSetRate(uint64(177000000)).Return(nil),
		port.EXPECT().VoltageSet(812500).Return(nil),
	)

	c := New(testTable(), port, Options{})
	for _, step := range []int{1, 2, 0} {
		_, err := c.ApplyOperatingPoint(Target{Step: step})
		assert.NoError(t, err)
	}
	clk, uv := c.Current()
	assert.Equal(t, 177, clk)
	assert.Equal(t, 812500, uv)
	assert.Equal(t, 0, c.CurrentStep())
}

func TestSetVoltageIdempotent(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	port := poweredMock(ctrl)
	port.EXPECT().VoltageSet(900000).Return(nil).Times(1)

	c := New(testTable(), port, Options{})
	assert.NoError(t, c.SetVoltage(900000))
	assert.NoError(t, c.SetVoltage(900000))
	assert.True(t, errors.Is(c.SetVoltage(0), dvfs.ErrInvalidArgument))
}

func TestHardwareUnavailable(t *testing.T) {
	tests := []struct {
		name    string
		powerOn bool
		clockOn bool
		wantErr error
	}{
		{name: "power off", powerOn: false, clockOn: true, wantErr: dvfs.ErrPowerOff},
		{name: "clock gated", powerOn: true, clockOn: false, wantErr: dvfs.ErrClockOff},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()
			// no write may reach the port
			port := mockhal.NewMockPort(ctrl)
			port.EXPECT().PowerIsOn().Return(tt.powerOn).AnyTimes()
			port.EXPECT().ClockIsOn().Return(tt.clockOn).AnyTimes()

			c := New(testTable(), port, Options{})
			_, err := c.ApplyOperatingPoint(Target{Step: 1})
			assert.True(t, errors.Is(err, tt.wantErr))
			assert.True(t, dvfs.IsHardwareUnavailable(err))
			assert.True(t, errors.Is(c.SetClock(266), tt.wantErr))
			assert.True(t, errors.Is(c.SetVoltage(900000), tt.wantErr))
		})
	}
}

func TestWriteFailureKeepsLastGoodState(t *testing.T) {
	port := hal.NewFakePort()
	ring := audit.NewRing(8)
	c := New(testTable(), port, Options{Recorder: ring})
	_, err := c.ApplyOperatingPoint(Target{Step: 0})
	assert.NoError(t, err)

	port.SetClockSetErr(errors.New("pll busy"))
	_, err = c.ApplyOperatingPoint(Target{Step: 2})
	assert.Equal(t, dvfs.ErrorKindHardwareWriteFailed, dvfs.KindOf(err))
	clk, uv := c.Current()
	assert.Equal(t, 177, clk)
	assert.Equal(t, 912500, uv, "voltage raised before the failed clock write stays applied")
	assert.Equal(t, 0, c.CurrentStep())

	port.SetClockSetErr(nil)
	port.SetVoltageSetErr(errors.New("regulator timeout"))
	_, err = c.ApplyOperatingPoint(Target{Step: 2})
	assert.NoError(t, err, "voltage already at target, only the clock is written")
	records := len(ring.Snapshot())
	res, err := c.ApplyOperatingPoint(Target{Step: 0, Reason: "governor"})
	assert.Equal(t, dvfs.ErrorKindHardwareWriteFailed, dvfs.KindOf(err))
	clk, uv = c.Current()
	assert.Equal(t, 177, clk, "clock lowered before the failed voltage write stays applied")
	assert.Equal(t, 912500, uv)
	assert.Equal(t, 0, c.CurrentStep(), "step follows the applied clock")
	assert.True(t, res.Changed)
	assert.Equal(t, 2, res.PrevStep)
	transitions := ring.Snapshot()
	if assert.Len(t, transitions, records+1) {
		last := transitions[len(transitions)-1]
		assert.Equal(t, 350, last.FromClock)
		assert.Equal(t, 177, last.ToClock)
		assert.Equal(t, 912500, last.Voltage)
	}
}

func TestClockGateWithRegulator(t *testing.T) {
	port := hal.NewFakePort()
	c := New(testTable(), port, Options{ManageRegulator: true})
	assert.NoError(t, c.ClockOff())
	assert.Equal(t, dvfs.PowerStateClockOff, c.PowerState())
	assert.NoError(t, c.ClockOn())
	assert.Equal(t, []hal.Write{
		{Kind: hal.WriteClockGate, Value: 0},
		{Kind: hal.WriteRegulatorSet, Value: 0},
		{Kind: hal.WriteRegulatorSet, Value: 1},
		{Kind: hal.WriteClockGate, Value: 1},
	}, port.Writes())

	port.ResetWrites()
	c = New(testTable(), port, Options{})
	assert.NoError(t, c.ClockOff())
	assert.NoError(t, c.ClockOn())
	assert.Equal(t, []hal.Write{
		{Kind: hal.WriteClockGate, Value: 0},
		{Kind: hal.WriteClockGate, Value: 1},
	}, port.Writes())
}

func TestVoltageMargin(t *testing.T) {
	port := hal.NewFakePort()
	c := New(testTable(), port, Options{ColdMinVoltage: 900000})
	_, err := c.ApplyOperatingPoint(Target{Step: 1})
	assert.NoError(t, err)
	port.ResetWrites()

	assert.NoError(t, c.SetVoltageMargin(25000))
	_, uv := c.Current()
	assert.Equal(t, 900000, uv, "862500+25000 is raised to the cold minimum")

	_, err = c.ApplyOperatingPoint(Target{Step: 2})
	assert.NoError(t, err)
	_, uv = c.Current()
	assert.Equal(t, 937500, uv)

	assert.NoError(t, c.SetVoltageMargin(0))
	_, uv = c.Current()
	assert.Equal(t, 912500, uv)
	assert.Equal(t, []hal.Write{
		{Kind: hal.WriteVoltage, Value: 900000},
		{Kind: hal.WriteVoltage, Value: 937500},
		{Kind: hal.WriteClockRate, Value: 350000000},
		{Kind: hal.WriteVoltage, Value: 912500},
	}, port.Writes())

	port.SetPower(false)
	err = c.SetVoltageMargin(37500)
	assert.True(t, errors.Is(err, dvfs.ErrPowerOff))
	assert.Equal(t, 37500, c.VoltageMargin())
}

type recordingSink struct {
	requests []qos.Request
	resets   int
}

func (s *recordingSink) Apply(req qos.Request) error {
	s.requests = append(s.requests, req)
	return nil
}

func (s *recordingSink) Reset() error {
	s.resets++
	return nil
}

func TestApplyResultAuditAndQoS(t *testing.T) {
	fakeClock := testingclock.NewFakeClock(time.Unix(1000, 0))
	ring := audit.NewRing(8)
	sink := &recordingSink{}
	port := hal.NewFakePort()
	c := New(testTable(), port, Options{BusQoS: true, Sink: sink, Recorder: ring, Clock: fakeClock})

	fakeClock.Step(2 * time.Second)
	res, err := c.ApplyOperatingPoint(Target{Step: 1, Reason: "governor"})
	assert.NoError(t, err)
	assert.Equal(t, Result{PrevStep: 0, PrevClock: 0, Elapsed: 2 * time.Second, Changed: true}, res)

	fakeClock.Step(time.Second)
	res, err = c.ApplyOperatingPoint(Target{Step: 1})
	assert.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Zero(t, res.Elapsed)

	// off-table clock clamped by a lock runs at the voltage of the row above
	fakeClock.Step(time.Second)
	res, err = c.ApplyOperatingPoint(Target{Step: 2, Clock: 300, Reason: "lock"})
	assert.NoError(t, err)
	assert.Equal(t, 2*time.Second, res.Elapsed)
	clk, uv := c.Current()
	assert.Equal(t, 300, clk)
	assert.Equal(t, 912500, uv)

	records := ring.Snapshot()
	assert.Len(t, records, 2)
	assert.Equal(t, audit.Transition{Seq: 2, Time: fakeClock.Now(), FromStep: 1, ToStep: 2, FromClock: 266,
		ToClock: 300, Voltage: 912500, Reason: "lock"}, records[1])

	assert.Equal(t, []qos.Request{
		{MemFreq: 543000},
		{MemFreq: 543000},
		{MemFreq: 633000, CPUMinFreq: 1000000},
	}, sink.requests)
	assert.NoError(t, c.ResetQoS())
	assert.Equal(t, 1, sink.resets)
}

func TestForceRewrites(t *testing.T) {
	port := hal.NewFakePort()
	c := New(testTable(), port, Options{})
	_, err := c.ApplyOperatingPoint(Target{Step: 1})
	assert.NoError(t, err)
	port.ResetWrites()

	_, err = c.ApplyOperatingPoint(Target{Step: 1, Force: true})
	assert.NoError(t, err)
	assert.Equal(t, []hal.Write{
		{Kind: hal.WriteClockRate, Value: 266000000},
		{Kind: hal.WriteVoltage, Value: 862500},
	}, port.Writes())
}

func TestClockGateAndSync(t *testing.T) {
	port := hal.NewFakePort()
	c := New(testTable(), port, Options{})
	assert.Equal(t, dvfs.PowerStateClockOn, c.PowerState())
	assert.NoError(t, c.ClockOff())
	assert.Equal(t, dvfs.PowerStateClockOff, c.PowerState())
	assert.NoError(t, c.ClockOn())
	assert.Equal(t, dvfs.PowerStateClockOn, c.PowerState())

	assert.NoError(t, port.ClockSetRate(hal.MHzToHz(266)))
	assert.NoError(t, port.VoltageSet(870000))
	assert.NoError(t, c.Sync())
	clk, uv := c.Current()
	assert.Equal(t, 266, clk)
	assert.Equal(t, 870000, uv)
	assert.Equal(t, 1, c.CurrentStep())

	port.SetPower(false)
	assert.Equal(t, dvfs.PowerStatePowerOff, c.PowerState())
	assert.True(t, errors.Is(c.ClockOn(), dvfs.ErrPowerOff))
}

func TestSetClock(t *testing.T) {
	port := hal.NewFakePort()
	ring := audit.NewRing(4)
	c := New(testTable(), port, Options{Recorder: ring})
	assert.NoError(t, c.SetClock(200))
	clk, uv := c.Current()
	assert.Equal(t, 200, clk)
	assert.Equal(t, 862500, uv)
	assert.Equal(t, 1, c.CurrentStep())
	assert.Len(t, ring.Snapshot(), 1)
	assert.NoError(t, c.SetClock(200))
	assert.Len(t, ring.Snapshot(), 1)
	assert.True(t, errors.Is(c.SetClock(-1), dvfs.ErrInvalidArgument))
}
