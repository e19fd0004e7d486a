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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/koordinator-sh/gpudvfs/pkg/dvfs"
	"github.com/koordinator-sh/gpudvfs/pkg/dvfs/audit"
	"github.com/koordinator-sh/gpudvfs/pkg/dvfs/control"
	"github.com/koordinator-sh/gpudvfs/pkg/dvfs/hal"
	"github.com/koordinator-sh/gpudvfs/pkg/dvfs/table"
)

func twoStepPoints() []table.OperatingPoint {
	return []table.OperatingPoint{
		{Clock: 177, Voltage: 812500, MinThreshold: 0, MaxThreshold: 90, StayCount: 2},
		{Clock: 266, Voltage: 862500, MinThreshold: 60, MaxThreshold: 90, StayCount: 1},
	}
}

func fourStepPoints() []table.OperatingPoint {
	return []table.OperatingPoint{
		{Clock: 177, Voltage: 812500, MinThreshold: 0, MaxThreshold: 90, StayCount: 2},
		{Clock: 266, Voltage: 862500, MinThreshold: 60, MaxThreshold: 90, StayCount: 1},
		{Clock: 350, Voltage: 912500, MinThreshold: 70, MaxThreshold: 90, StayCount: 1},
		{Clock: 420, Voltage: 962500, MinThreshold: 78, MaxThreshold: 100, StayCount: 1},
	}
}

type testEnv struct {
	h    *Handler
	port *hal.FakePort
	ring *audit.Ring
}

func newTestEnv(t *testing.T, points []table.OperatingPoint, mutate func(*Options)) *testEnv {
	tbl := table.MustNew(points)
	port := hal.NewFakePort()
	ring := audit.NewRing(64)
	ctrl := control.New(tbl, port, control.Options{ColdMinVoltage: 900000, Recorder: ring})
	opts := Options{
		Table:      tbl,
		Controller: ctrl,
		ThermalClocks: map[dvfs.ThermalEvent]int{
			dvfs.ThermalThrottle1: 350,
			dvfs.ThermalThrottle2: 266,
			dvfs.ThermalTrip:      177,
		},
		ColdVoltageMargin: 37500,
		PowerCoefficient:  100,
	}
	if mutate != nil {
		mutate(&opts)
	}
	h, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, h.Init())
	t.Cleanup(func() { _ = h.Deinit() })
	return &testEnv{h: h, port: port, ring: ring}
}

func (e *testEnv) rateWrites() []int64 {
	var out []int64
	for _, w := range e.port.Writes() {
		if w.Kind == hal.WriteClockRate {
			out = append(out, w.Value/1000000)
		}
	}
	return out
}

// setUtilization stores a sample without waking the decision worker.
func setUtilization(h *Handler, util int) {
	h.stateLock.Lock()
	defer h.stateLock.Unlock()
	h.st.utilization = util
}

func eventuallyStep(t *testing.T, h *Handler, step int) {
	assert.Eventually(t, func() bool { return h.Status().Step == step }, 2*time.Second, 5*time.Millisecond,
		"step never reached %d, status %+v", step, h.Status())
}

func TestNewValidation(t *testing.T) {
	tbl := table.MustNew(twoStepPoints())
	ctrl := control.New(tbl, hal.NewFakePort(), control.Options{})
	tests := []struct {
		name string
		opts Options
	}{
		{name: "no table", opts: Options{Controller: ctrl}},
		{name: "no controller", opts: Options{Table: tbl}},
		{name: "bad governor", opts: Options{Table: tbl, Controller: ctrl, Governor: dvfs.NumGovernors}},
		{name: "polling too fast", opts: Options{Table: tbl, Controller: ctrl, PollingInterval: time.Millisecond}},
		{name: "bad thermal clock", opts: Options{Table: tbl, Controller: ctrl,
			ThermalClocks: map[dvfs.ThermalEvent]int{dvfs.ThermalCold: 177}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts)
			assert.True(t, errors.Is(err, dvfs.ErrInvalidArgument), "got %v", err)
		})
	}
}

func TestScenarioStepUpOnSingleSample(t *testing.T) {
	env := newTestEnv(t, twoStepPoints(), nil)
	assert.Equal(t, 0, env.h.Status().Step)
	assert.NoError(t, env.h.OnUtilizationSample(95))
	eventuallyStep(t, env.h, 1)
	assert.Equal(t, 266, env.h.Status().Clock)
	assert.Equal(t, 862500, env.h.Status().Voltage)
}

func TestScenarioStepDownAfterStayCount(t *testing.T) {
	env := newTestEnv(t, twoStepPoints(), func(o *Options) { o.StartClock = 266 })
	s := env.h.Status()
	assert.Equal(t, 1, s.Step)
	assert.Equal(t, 1, s.DownRequirement)
	assert.NoError(t, env.h.OnUtilizationSample(50))
	eventuallyStep(t, env.h, 0)
	assert.Equal(t, 2, env.h.Status().DownRequirement)
}

func TestScenarioMaxLockReappliesAtOnce(t *testing.T) {
	env := newTestEnv(t, twoStepPoints(), func(o *Options) { o.StartClock = 266 })
	env.port.ResetWrites()

	assert.NoError(t, env.h.RequestLock(dvfs.LockOwnerSysfs, dvfs.LockMax, 177))
	s := env.h.Status()
	assert.Equal(t, 0, s.Step)
	assert.Equal(t, 177, s.Clock)
	assert.Equal(t, 177, s.MaxLock)
	assert.Equal(t, dvfs.LockOwnerNone.String(), s.TargetLockOwner)
	// lowering: clock before voltage
	assert.Equal(t, []hal.Write{
		{Kind: hal.WriteClockRate, Value: 177000000},
		{Kind: hal.WriteVoltage, Value: 812500},
	}, env.port.Writes())

	// a busy GPU cannot leave the lock
	assert.NoError(t, env.h.OnUtilizationSample(100))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 177, env.h.Status().Clock)
}

func TestScenarioLockConflictRejected(t *testing.T) {
	env := newTestEnv(t, twoStepPoints(), nil)
	assert.NoError(t, env.h.RequestLock(dvfs.LockOwnerThermal, dvfs.LockMax, 100))
	before := env.h.Status()

	err := env.h.RequestLock(dvfs.LockOwnerSysfs, dvfs.LockMin, 150)
	assert.True(t, errors.Is(err, dvfs.ErrLockConflict))
	assert.Equal(t, dvfs.ErrorKindLockConflict, dvfs.KindOf(err))
	after := env.h.Status()
	assert.Equal(t, []LockStatus{{Owner: "thermal", Kind: "max", Clock: 100}}, after.Locks)
	assert.Equal(t, before.MinLock, after.MinLock)
	assert.Equal(t, before.MaxLock, after.MaxLock)
	assert.LessOrEqual(t, after.MinLock, after.MaxLock)
}

func TestScenarioPowerOffSuppressesPendingPass(t *testing.T) {
	env := newTestEnv(t, twoStepPoints(), nil)
	assert.NoError(t, env.h.OnPowerOff())
	env.port.SetPower(false)
	env.port.ResetWrites()

	env.h.sample(95, busySample{busy: 95, total: 100})
	env.h.decide()
	assert.Empty(t, env.port.Writes())
	assert.Equal(t, 0, env.h.Status().Step)
	assert.Equal(t, dvfs.PowerStatePowerOff.String(), env.h.Status().PowerState)
}

func TestLockClampsOffTableClock(t *testing.T) {
	env := newTestEnv(t, fourStepPoints(), func(o *Options) { o.StartClock = 420 })
	assert.NoError(t, env.h.RequestLock(dvfs.LockOwnerPowerBudget, dvfs.LockMax, 300))
	s := env.h.Status()
	assert.Equal(t, 300, s.Clock)
	assert.Equal(t, 2, s.Step, "off-table clock runs on the row above")
	assert.Equal(t, 912500, s.Voltage)

	// raising a min lock above the current clock
	assert.NoError(t, env.h.RequestLock(dvfs.LockOwnerPowerBudget, dvfs.LockMax, 0))
	assert.NoError(t, env.h.RequestLock(dvfs.LockOwnerSysfs, dvfs.LockMin, 350))
	s = env.h.Status()
	assert.Equal(t, 350, s.Clock)
	assert.Equal(t, 350, s.MinLock)
	assert.Equal(t, 420, s.MaxLock)

	// the governor never drops below the min lock
	for i := 0; i < 5; i++ {
		setUtilization(env.h, 0)
		env.h.decide()
	}
	assert.Equal(t, 350, env.h.Status().Clock)

	// unlock does not move the clock by itself
	assert.NoError(t, env.h.RequestLock(dvfs.LockOwnerSysfs, dvfs.LockMin, 0))
	assert.Equal(t, 350, env.h.Status().Clock)
	assert.Empty(t, env.h.Status().Locks)
	assert.Equal(t, []int64{420, 300, 350}, env.rateWrites())
}

func TestRequestLockValidation(t *testing.T) {
	env := newTestEnv(t, twoStepPoints(), nil)
	assert.True(t, errors.Is(env.h.RequestLock(dvfs.LockOwnerNone, dvfs.LockMax, 177), dvfs.ErrInvalidArgument))
	assert.True(t, errors.Is(env.h.RequestLock(dvfs.NumLockOwners, dvfs.LockMax, 177), dvfs.ErrInvalidArgument))
	assert.True(t, errors.Is(env.h.RequestLock(dvfs.LockOwnerSysfs, dvfs.LockKind(5), 177), dvfs.ErrInvalidArgument))
	assert.True(t, errors.Is(env.h.RequestLock(dvfs.LockOwnerSysfs, dvfs.LockMax, -1), dvfs.ErrInvalidArgument))
}

func TestEnableDisable(t *testing.T) {
	env := newTestEnv(t, fourStepPoints(), func(o *Options) {
		o.StartClock = 420
		o.BaselineClock = 266
	})
	assert.NoError(t, env.h.Disable())
	s := env.h.Status()
	assert.False(t, s.Enabled)
	assert.Equal(t, 266, s.Clock)

	// samples are recorded but no pass runs
	assert.NoError(t, env.h.OnUtilizationSample(100))
	env.h.decide()
	assert.Equal(t, 266, env.h.Status().Clock)
	assert.Equal(t, 100, env.h.Status().Utilization)
	assert.NoError(t, env.h.Disable())

	assert.NoError(t, env.h.Enable())
	assert.True(t, env.h.Status().Enabled)
	assert.NoError(t, env.h.OnUtilizationSample(100))
	eventuallyStep(t, env.h, 2)
}

func TestSetTargetClock(t *testing.T) {
	env := newTestEnv(t, fourStepPoints(), nil)
	err := env.h.SetTargetClock(300)
	assert.Equal(t, dvfs.ErrorKindUnknownOperatingPoint, dvfs.KindOf(err))

	assert.NoError(t, env.h.SetTargetClock(420))
	assert.Equal(t, 3, env.h.Status().Step)

	assert.NoError(t, env.h.RequestLock(dvfs.LockOwnerThermal, dvfs.LockMax, 350))
	assert.NoError(t, env.h.SetTargetClock(420))
	assert.Equal(t, 350, env.h.Status().Clock, "target clock stays within the locks")
}

func TestSetGovernorAndPollingInterval(t *testing.T) {
	env := newTestEnv(t, twoStepPoints(), nil)
	assert.Equal(t, "Default", env.h.GovernorName())
	assert.NoError(t, env.h.SetGovernor(2))
	assert.Equal(t, "Booster", env.h.Status().Governor)
	assert.True(t, errors.Is(env.h.SetGovernor(3), dvfs.ErrInvalidArgument))
	assert.True(t, errors.Is(env.h.SetGovernor(-1), dvfs.ErrInvalidArgument))

	assert.NoError(t, env.h.SetPollingInterval(500*time.Millisecond))
	assert.Equal(t, int64(500), env.h.Status().PollingIntervalMillis)
	assert.True(t, errors.Is(env.h.SetPollingInterval(99*time.Millisecond), dvfs.ErrInvalidArgument))
	assert.True(t, errors.Is(env.h.SetPollingInterval(1001*time.Millisecond), dvfs.ErrInvalidArgument))
	assert.Equal(t, int64(500), env.h.Status().PollingIntervalMillis)
}

func TestThermalEvents(t *testing.T) {
	env := newTestEnv(t, fourStepPoints(), func(o *Options) { o.StartClock = 420 })

	assert.NoError(t, env.h.OnThermalEvent(dvfs.ThermalCold))
	s := env.h.Status()
	assert.Equal(t, 37500, s.VoltageMargin)
	assert.Equal(t, 1000000, s.Voltage)

	assert.NoError(t, env.h.OnThermalEvent(dvfs.ThermalThrottle2))
	s = env.h.Status()
	assert.Equal(t, 266, s.Clock)
	assert.Equal(t, 266, s.MaxLock)
	assert.Equal(t, 900000, s.Voltage, "862500+37500")

	assert.NoError(t, env.h.OnThermalEvent(dvfs.ThermalThrottle1))
	assert.Equal(t, 350, env.h.Status().MaxLock)
	assert.Equal(t, 266, env.h.Status().Clock, "relaxing a lock does not raise the clock")

	assert.True(t, errors.Is(env.h.OnThermalEvent(dvfs.ThermalThrottle3), dvfs.ErrInvalidArgument))

	assert.NoError(t, env.h.OnThermalEvent(dvfs.ThermalNormal))
	s = env.h.Status()
	assert.Zero(t, s.VoltageMargin)
	assert.Equal(t, 862500, s.Voltage)
	assert.Equal(t, 420, s.MaxLock)
	assert.Empty(t, s.Locks)

	// a thermal lock below a sysfs min lock is rejected
	assert.NoError(t, env.h.RequestLock(dvfs.LockOwnerSysfs, dvfs.LockMin, 266))
	err := env.h.OnThermalEvent(dvfs.ThermalTrip)
	assert.True(t, errors.Is(err, dvfs.ErrLockConflict))
}

func TestPowerCycleWithWakeupLock(t *testing.T) {
	env := newTestEnv(t, fourStepPoints(), func(o *Options) { o.WakeupClock = 350 })
	assert.Equal(t, 177, env.h.Status().Clock)

	assert.NoError(t, env.h.OnPowerOff())
	assert.Equal(t, dvfs.PowerStateClockOff.String(), env.h.Status().PowerState)
	env.port.SetPower(false)
	assert.NoError(t, env.h.OnPowerOn(), "power on while the domain is off is deferred")

	env.port.SetPower(true)
	env.port.ResetWrites()
	assert.NoError(t, env.h.OnPowerOn())
	assert.Equal(t, 177, env.h.Status().Clock)
	assert.Equal(t, []hal.Write{
		{Kind: hal.WriteClockGate, Value: 1},
		{Kind: hal.WriteClockRate, Value: 177000000},
		{Kind: hal.WriteVoltage, Value: 812500},
	}, env.port.Writes(), "power on rewrites the current clock and voltage")

	env.h.SetWakeupLock(true)
	assert.NoError(t, env.h.OnPowerOff())
	assert.NoError(t, env.h.OnPowerOn())
	assert.Equal(t, 350, env.h.Status().Clock)
	assert.True(t, env.h.Status().WakeupLock)
}

func TestDeinit(t *testing.T) {
	tbl := table.MustNew(twoStepPoints())
	h, err := New(Options{Table: tbl, Controller: control.New(tbl, hal.NewFakePort(), control.Options{})})
	require.NoError(t, err)
	assert.True(t, errors.Is(h.OnUtilizationSample(50), dvfs.ErrNotRunning))
	assert.True(t, errors.Is(h.Deinit(), dvfs.ErrNotRunning))

	require.NoError(t, h.Init())
	assert.NoError(t, h.Init())
	assert.Equal(t, dvfs.HandlerRunning, h.State())
	for i := 0; i < 100; i++ {
		assert.NoError(t, h.OnUtilizationSample(i))
	}
	assert.NoError(t, h.Deinit())
	assert.Equal(t, dvfs.HandlerStopped, h.State())
	assert.True(t, errors.Is(h.OnUtilizationSample(50), dvfs.ErrNotRunning))
	assert.True(t, errors.Is(h.Enable(), dvfs.ErrNotRunning))
	assert.True(t, errors.Is(h.SetTargetClock(177), dvfs.ErrNotRunning))

	// state is rebuilt on the next init
	require.NoError(t, h.RequestLock(dvfs.LockOwnerSysfs, dvfs.LockMax, 177))
	require.NoError(t, h.Init())
	assert.Empty(t, h.Status().Locks)
	assert.Zero(t, h.Status().Utilization)
	assert.NoError(t, h.Deinit())
}

func TestNoHardwareWritesAfterDeinit(t *testing.T) {
	env := newTestEnv(t, fourStepPoints(), func(o *Options) { o.WakeupClock = 350 })
	require.NoError(t, env.h.Deinit())
	env.port.ResetWrites()

	assert.NoError(t, env.h.OnThermalEvent(dvfs.ThermalCold))
	assert.NoError(t, env.h.OnThermalEvent(dvfs.ThermalThrottle2))
	assert.NoError(t, env.h.OnPowerOff())
	assert.NoError(t, env.h.OnPowerOn())
	assert.ErrorIs(t, env.h.Enable(), dvfs.ErrNotRunning)
	assert.ErrorIs(t, env.h.Disable(), dvfs.ErrNotRunning)
	assert.ErrorIs(t, env.h.SetTargetClock(350), dvfs.ErrNotRunning)
	assert.Empty(t, env.port.Writes())

	// the cold margin is kept for the next init
	require.NoError(t, env.h.Init())
	s := env.h.Status()
	assert.Equal(t, 37500, s.VoltageMargin)
	assert.Equal(t, 900000, s.Voltage, "812500+37500 raised to the cold minimum")
}

func TestDeinitWithConcurrentApplies(t *testing.T) {
	for i := 0; i < 20; i++ {
		env := newTestEnv(t, fourStepPoints(), func(o *Options) {
			o.Utilization = hal.NewFakeUtilization(95*time.Millisecond, 100*time.Millisecond)
		})
		ops := []func(){
			func() { _ = env.h.Disable() },
			func() { _ = env.h.Enable() },
			func() { _ = env.h.SetTargetClock(420) },
			func() { _ = env.h.OnPowerOn() },
			func() { _ = env.h.OnThermalEvent(dvfs.ThermalCold) },
			func() { _ = env.h.OnThermalEvent(dvfs.ThermalThrottle1) },
			func() { _ = env.h.SetPollingInterval(200 * time.Millisecond) },
		}
		start := make(chan struct{})
		var wg sync.WaitGroup
		for _, op := range ops {
			wg.Add(1)
			go func(op func()) {
				defer wg.Done()
				<-start
				op()
			}(op)
		}
		close(start)
		require.NoError(t, env.h.Deinit())
		writes := len(env.port.Writes())
		wg.Wait()
		assert.Len(t, env.port.Writes(), writes, "hardware written after deinit returned")

		env.h.samplerLock.Lock()
		assert.Nil(t, env.h.samplerStop, "sampler left running after deinit")
		env.h.samplerLock.Unlock()
	}
}

func TestFailedVoltageWriteAfterClockDrop(t *testing.T) {
	env := newTestEnv(t, twoStepPoints(), nil)
	require.NoError(t, env.h.SetTargetClock(266))
	records := len(env.ring.Snapshot())

	env.port.SetVoltageSetErr(errors.New("regulator timeout"))
	err := env.h.SetTargetClock(177)
	assert.Equal(t, dvfs.ErrorKindHardwareWriteFailed, dvfs.KindOf(err))
	s := env.h.Status()
	assert.Equal(t, 177, s.Clock)
	assert.Equal(t, 0, s.Step, "step follows the clock left on the hardware")
	assert.Equal(t, 862500, s.Voltage)
	assert.Equal(t, 2, s.DownRequirement)

	transitions := env.ring.Snapshot()
	require.Len(t, transitions, records+1)
	last := transitions[len(transitions)-1]
	assert.Equal(t, 1, last.FromStep)
	assert.Equal(t, 0, last.ToStep)
	assert.Equal(t, 266, last.FromClock)
	assert.Equal(t, 177, last.ToClock)

	// the retry only lowers the voltage
	env.port.SetVoltageSetErr(nil)
	env.port.ResetWrites()
	assert.NoError(t, env.h.SetTargetClock(177))
	assert.Equal(t, []hal.Write{{Kind: hal.WriteVoltage, Value: 812500}}, env.port.Writes())
	assert.Equal(t, 812500, env.h.Status().Voltage)
	assert.Len(t, env.ring.Snapshot(), records+1)
}

func TestScheduleCoalesces(t *testing.T) {
	tbl := table.MustNew(twoStepPoints())
	h, err := New(Options{Table: tbl, Controller: control.New(tbl, hal.NewFakePort(), control.Options{})})
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		h.schedule()
	}
	assert.Equal(t, 1, len(h.wake))
}

func TestSamplerDrivesPasses(t *testing.T) {
	fakeClock := testingclock.NewFakeClock(time.Unix(0, 0))
	util := hal.NewFakeUtilization(95*time.Millisecond, 100*time.Millisecond)
	env := newTestEnv(t, twoStepPoints(), func(o *Options) {
		o.Utilization = util
		o.Clock = fakeClock
	})
	assert.Eventually(t, func() bool {
		fakeClock.Step(DefaultPollingInterval)
		return env.h.Status().Step == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 95, env.h.Status().Utilization)

	// errors from the source are dropped
	util.Set(0, 0, errors.New("counter unavailable"))
	fakeClock.Step(DefaultPollingInterval)
	assert.NoError(t, env.h.SetPollingInterval(200*time.Millisecond))
	assert.NoError(t, env.h.Disable())
	assert.NoError(t, env.h.Enable())
}

func TestTimeInStateAndAudit(t *testing.T) {
	env := newTestEnv(t, twoStepPoints(), nil)
	assert.NoError(t, env.h.SetTargetClock(266))
	assert.NoError(t, env.h.SetTargetClock(177))
	times := env.h.TimeInState()
	assert.Len(t, times, 2)
	assert.Len(t, env.h.Table(), 2)

	records := env.ring.Snapshot()
	require.GreaterOrEqual(t, len(records), 2)
	last := records[len(records)-1]
	assert.Equal(t, 266, last.FromClock)
	assert.Equal(t, 177, last.ToClock)
	assert.Equal(t, "target", last.Reason)
}

func TestRecordBusyIdle(t *testing.T) {
	env := newTestEnv(t, fourStepPoints(), func(o *Options) { o.StartClock = 420 })
	assert.True(t, errors.Is(env.h.RecordBusyIdle(time.Second, 0), dvfs.ErrInvalidArgument))
	assert.True(t, errors.Is(env.h.RecordBusyIdle(2*time.Second, time.Second), dvfs.ErrInvalidArgument))
	assert.True(t, errors.Is(env.h.OnUtilizationSample(101), dvfs.ErrInvalidArgument))

	assert.NoError(t, env.h.Disable())
	assert.NoError(t, env.h.RecordBusyIdle(40*time.Millisecond, 100*time.Millisecond))
	assert.Equal(t, 40, env.h.Status().Utilization)
	// baseline is the start clock, 420 of 420
	assert.Equal(t, 40, env.h.NormalizedUtilization())
	assert.InDelta(t, dynamicPower(100, 420, 962500, 40), env.h.PowerEstimate(), 1e-9)
}

func TestBusyWindow(t *testing.T) {
	var w busyWindow
	assert.Zero(t, w.normalized(500))
	w.push(busySample{busy: 50, total: 100, clock: 250})
	assert.Equal(t, 25, w.normalized(500))
	for i := 0; i < busyWindowSize; i++ {
		w.push(busySample{busy: 100, total: 100, clock: 500})
	}
	assert.Equal(t, 100, w.normalized(500), "old samples fall out of the window")
	assert.Zero(t, w.normalized(0))
	w.reset()
	assert.Zero(t, w.n)

	assert.InDelta(t, 25000.0, dynamicPower(100, 500, 1000000, 50), 1e-9)
}

func TestLockTable(t *testing.T) {
	tbl := table.MustNew(fourStepPoints())
	tests := []struct {
		name    string
		locks   map[dvfs.LockOwner][2]int
		wantErr bool
		wantMin int
		wantMax int
	}{
		{name: "no locks", wantMin: 177, wantMax: 420},
		{
			name:    "max is the tightest owner",
			locks:   map[dvfs.LockOwner][2]int{dvfs.LockOwnerThermal: {350, 0}, dvfs.LockOwnerSysfs: {266, 0}},
			wantMin: 177, wantMax: 266,
		},
		{
			name:    "min is the highest owner",
			locks:   map[dvfs.LockOwner][2]int{dvfs.LockOwnerSysfs: {0, 266}, dvfs.LockOwnerPowerBudget: {0, 350}},
			wantMin: 350, wantMax: 420,
		},
		{
			name:    "locks outside the table fold into it",
			locks:   map[dvfs.LockOwner][2]int{dvfs.LockOwnerThermal: {100, 0}, dvfs.LockOwnerSysfs: {0, 50}},
			wantMin: 177, wantMax: 177,
		},
		{
			name:    "conflict across owners",
			locks:   map[dvfs.LockOwner][2]int{dvfs.LockOwnerThermal: {266, 0}, dvfs.LockOwnerSysfs: {0, 350}},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var l lockTable
			for owner, v := range tt.locks {
				l.set(owner, dvfs.LockMax, v[0])
				l.set(owner, dvfs.LockMin, v[1])
			}
			err := l.validate()
			if tt.wantErr {
				assert.True(t, errors.Is(err, dvfs.ErrLockConflict))
				return
			}
			assert.NoError(t, err)
			gotMin, gotMax := l.effective(tbl)
			assert.Equal(t, tt.wantMin, gotMin)
			assert.Equal(t, tt.wantMax, gotMax)
		})
	}
}
