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

// Package handler runs the GPU DVFS control loop: it collects utilization samples, serializes lock
// requests and drives the governor and the control layer from a single decision worker.
package handler

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/koordinator-sh/gpudvfs/pkg/dvfs"
	"github.com/koordinator-sh/gpudvfs/pkg/dvfs/control"
	"github.com/koordinator-sh/gpudvfs/pkg/dvfs/governor"
	"github.com/koordinator-sh/gpudvfs/pkg/dvfs/hal"
	"github.com/koordinator-sh/gpudvfs/pkg/dvfs/metrics"
	"github.com/koordinator-sh/gpudvfs/pkg/dvfs/table"
)

const (
	MinPollingInterval     = 100 * time.Millisecond
	MaxPollingInterval     = 1000 * time.Millisecond
	DefaultPollingInterval = 100 * time.Millisecond
)

type Options struct {
	Table      *table.Table
	Controller *control.Controller
	// Utilization feeds the periodic sampler. No sampler runs when it is nil.
	Utilization  hal.UtilizationSource
	Governor     dvfs.GovernorKind
	StaticPeriod int
	// PollingInterval is the sampler period, bounded by MinPollingInterval and MaxPollingInterval.
	PollingInterval time.Duration
	// StartClock is applied by Init, the lowest row when 0.
	StartClock int
	// BaselineClock is pinned while dvfs is disabled, StartClock when 0.
	BaselineClock int
	// WakeupClock is the clock floor on power on while the wakeup lock is set.
	WakeupClock int
	// ThermalClocks maps every throttle event to its thermal max lock.
	ThermalClocks map[dvfs.ThermalEvent]int
	// ColdVoltageMargin in µV is added to every voltage after a cold event, 0 ignores cold events.
	ColdVoltageMargin int
	// PowerCoefficient scales the dynamic power estimate.
	PowerCoefficient int
	Clock            clock.WithTicker
}

type state struct {
	step            int
	clock           int
	voltage         int
	utilization     int
	downRequirement int
	locks           lockTable
	targetLockOwner dvfs.LockOwner
	enabled         bool
	governor        *governor.Governor
	window          busyWindow

	// kept across Init
	governorKind    dvfs.GovernorKind
	pollingInterval time.Duration
	wakeupLock      bool
}

// Handler owns the DVFS state. Lock order is passLock, samplerLock, stateLock; stateLock is
// never held across a hardware call.
type Handler struct {
	opts  Options
	table *table.Table
	ctrl  *control.Controller
	clock clock.WithTicker

	lifecycleLock sync.Mutex

	// passLock serializes decision passes and every other apply issued by the handler.
	passLock sync.Mutex

	stateLock sync.Mutex
	st        state

	running    *atomic.Bool
	normalized *atomic.Int32
	power      *atomic.Float64

	// wake has capacity 1, pending schedule requests coalesce into one pass
	wake     chan struct{}
	stopCh   chan struct{}
	workerWG sync.WaitGroup

	samplerLock sync.Mutex
	samplerStop chan struct{}
	samplerDone chan struct{}
}

func validatePollingInterval(d time.Duration) error {
	if d < MinPollingInterval || d > MaxPollingInterval {
		return fmt.Errorf("%w: polling interval %v out of range [%v, %v]",
			dvfs.ErrInvalidArgument, d, MinPollingInterval, MaxPollingInterval)
	}
	return nil
}

func New(opts Options) (*Handler, error) {
	if opts.Table == nil || opts.Table.Len() == 0 {
		return nil, fmt.Errorf("%w: dvfs table is required", dvfs.ErrInvalidArgument)
	}
	if opts.Controller == nil {
		return nil, fmt.Errorf("%w: controller is required", dvfs.ErrInvalidArgument)
	}
	if opts.Governor < 0 || opts.Governor >= dvfs.NumGovernors {
		return nil, fmt.Errorf("%w: governor %d", dvfs.ErrInvalidArgument, opts.Governor)
	}
	if opts.PollingInterval == 0 {
		opts.PollingInterval = DefaultPollingInterval
	}
	if err := validatePollingInterval(opts.PollingInterval); err != nil {
		return nil, err
	}
	if opts.StartClock <= 0 {
		opts.StartClock = opts.Table.MinClock()
	}
	if opts.BaselineClock <= 0 {
		opts.BaselineClock = opts.StartClock
	}
	thermalClocks := make(map[dvfs.ThermalEvent]int, len(opts.ThermalClocks))
	for ev, clk := range opts.ThermalClocks {
		if !ev.IsThrottle() || clk <= 0 {
			return nil, fmt.Errorf("%w: thermal clock %d for event %s", dvfs.ErrInvalidArgument, clk, ev)
		}
		thermalClocks[ev] = clk
	}
	opts.ThermalClocks = thermalClocks
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}

	return &Handler{
		opts:  opts,
		table: opts.Table,
		ctrl:  opts.Controller,
		clock: opts.Clock,
		st: state{
			targetLockOwner: dvfs.LockOwnerNone,
			governorKind:    opts.Governor,
			pollingInterval: opts.PollingInterval,
		},
		running:    atomic.NewBool(false),
		normalized: atomic.NewInt32(0),
		power:      atomic.NewFloat64(0),
		wake:       make(chan struct{}, 1),
	}, nil
}

// Init moves the handler from Stopped to Running, applies the start clock and starts the decision
// worker and the sampler. The control state is rebuilt from scratch.
func (h *Handler) Init() error {
	h.lifecycleLock.Lock()
	defer h.lifecycleLock.Unlock()
	if h.running.Load() {
		klog.V(4).Info("dvfs handler already running")
		return nil
	}

	step, clk := clamp(h.table, h.opts.StartClock, h.table.MinClock(), h.table.MaxClock())
	h.stateLock.Lock()
	h.st.step, h.st.clock, h.st.voltage = step, clk, h.table.At(step).Voltage
	h.st.utilization = 0
	h.st.downRequirement = h.table.At(step).StayCount
	h.st.locks = lockTable{}
	h.st.targetLockOwner = dvfs.LockOwnerNone
	h.st.enabled = true
	h.st.governor = governor.New(h.st.governorKind, h.opts.StaticPeriod)
	h.st.window.reset()
	h.stateLock.Unlock()
	h.normalized.Store(0)
	h.power.Store(0)

	if err := h.ctrl.Sync(); err != nil {
		klog.V(4).Infof("read running gpu operating point failed, err: %v", err)
	}
	h.passLock.Lock()
	err := h.applyLocked(step, clk, true, "init")
	h.passLock.Unlock()
	if err != nil && !dvfs.IsHardwareUnavailable(err) {
		return fmt.Errorf("apply start clock %d MHz: %w", clk, err)
	}
	h.table.ResetTimeInState()
	metrics.ResetTimeInState()

	stop := make(chan struct{})
	h.stopCh = stop
	h.running.Store(true)
	h.workerWG.Add(1)
	go func() {
		defer h.workerWG.Done()
		wait.Until(func() { h.runWorker(stop) }, time.Second, stop)
	}()
	h.startSampler()
	klog.Infof("gpu dvfs handler started, governor %s, start clock %d MHz", h.GovernorName(), clk)
	return nil
}

// Deinit stops the sampler and the worker and waits for the in-flight decision pass. No
// hardware write is issued by the handler once Deinit returns.
func (h *Handler) Deinit() error {
	h.lifecycleLock.Lock()
	defer h.lifecycleLock.Unlock()
	// every apply checks running under passLock
	h.passLock.Lock()
	stopped := h.running.CompareAndSwap(true, false)
	h.passLock.Unlock()
	if !stopped {
		return dvfs.ErrNotRunning
	}
	h.stopSampler()
	close(h.stopCh)
	h.workerWG.Wait()
	select {
	case <-h.wake:
	default:
	}
	klog.Info("gpu dvfs handler stopped")
	return nil
}

func (h *Handler) State() dvfs.HandlerState {
	if h.running.Load() {
		return dvfs.HandlerRunning
	}
	return dvfs.HandlerStopped
}

// Enable restarts the sampler and re-applies the current step.
func (h *Handler) Enable() error {
	if !h.running.Load() {
		return dvfs.ErrNotRunning
	}
	h.stateLock.Lock()
	if h.st.enabled {
		h.stateLock.Unlock()
		return nil
	}
	h.st.enabled = true
	h.stateLock.Unlock()

	h.passLock.Lock()
	if !h.running.Load() {
		h.passLock.Unlock()
		return dvfs.ErrNotRunning
	}
	h.stateLock.Lock()
	minLock, maxLock := h.st.locks.effective(h.table)
	step, clk := clamp(h.table, h.table.At(h.st.step).Clock, minLock, maxLock)
	h.stateLock.Unlock()
	err := h.applyLocked(step, clk, false, "dvfs_on")
	h.passLock.Unlock()

	h.startSampler()
	klog.V(4).Info("gpu dvfs enabled")
	if dvfs.IsHardwareUnavailable(err) {
		return nil
	}
	return err
}

// Disable stops the sampler, waits for the in-flight pass and pins the baseline clock.
func (h *Handler) Disable() error {
	if !h.running.Load() {
		return dvfs.ErrNotRunning
	}
	h.stateLock.Lock()
	if !h.st.enabled {
		h.stateLock.Unlock()
		return nil
	}
	h.st.enabled = false
	h.stateLock.Unlock()
	h.stopSampler()

	h.passLock.Lock()
	defer h.passLock.Unlock()
	if !h.running.Load() {
		return dvfs.ErrNotRunning
	}
	h.stateLock.Lock()
	minLock, maxLock := h.st.locks.effective(h.table)
	step, clk := clamp(h.table, h.opts.BaselineClock, minLock, maxLock)
	h.st.downRequirement = h.table.At(step).StayCount
	h.stateLock.Unlock()
	klog.V(4).Infof("gpu dvfs disabled, pin clock %d MHz", clk)
	if err := h.applyLocked(step, clk, false, "dvfs_off"); err != nil && !dvfs.IsHardwareUnavailable(err) {
		return err
	}
	return nil
}

// OnUtilizationSample records a utilization percentage and schedules a decision pass.
func (h *Handler) OnUtilizationSample(util int) error {
	if !h.running.Load() {
		return dvfs.ErrNotRunning
	}
	if util < 0 || util > 100 {
		return fmt.Errorf("%w: utilization %d", dvfs.ErrInvalidArgument, util)
	}
	h.sample(util, busySample{busy: time.Duration(util), total: 100})
	return nil
}

// RecordBusyIdle records busy time out of total elapsed GPU time and schedules a decision pass.
func (h *Handler) RecordBusyIdle(busy, total time.Duration) error {
	if !h.running.Load() {
		return dvfs.ErrNotRunning
	}
	if total <= 0 || busy < 0 || busy > total {
		return fmt.Errorf("%w: busy %v of total %v", dvfs.ErrInvalidArgument, busy, total)
	}
	h.sample(int(busy*100/total), busySample{busy: busy, total: total})
	return nil
}

func (h *Handler) sample(util int, s busySample) {
	h.stateLock.Lock()
	h.st.utilization = util
	s.clock = h.st.clock
	h.st.window.push(s)
	normalized := h.st.window.normalized(h.table.MaxClock())
	power := dynamicPower(h.opts.PowerCoefficient, h.st.clock, h.st.voltage, util)
	enabled := h.st.enabled
	h.stateLock.Unlock()

	h.normalized.Store(int32(normalized))
	h.power.Store(power)
	metrics.RecordUtilization(util, normalized)
	metrics.RecordPowerEstimate(power)
	klog.V(6).Infof("gpu utilization %d%%, normalized %d%%", util, normalized)
	if enabled {
		h.schedule()
	}
}

func (h *Handler) schedule() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *Handler) runWorker(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-h.wake:
			h.decide()
		}
	}
}

// decide runs one decision pass: governor, lock clamp, apply.
func (h *Handler) decide() {
	h.passLock.Lock()
	defer h.passLock.Unlock()
	if !h.running.Load() {
		return
	}
	if ps := h.ctrl.PowerState(); ps != dvfs.PowerStateClockOn {
		klog.V(5).Infof("skip dvfs pass, gpu is %s", ps)
		return
	}

	h.stateLock.Lock()
	if !h.st.enabled {
		h.stateLock.Unlock()
		return
	}
	minLock, maxLock := h.st.locks.effective(h.table)
	d := h.st.governor.Next(h.table, governor.Input{
		Step:            h.st.step,
		Utilization:     h.st.utilization,
		DownRequirement: h.st.downRequirement,
		CurrentClock:    h.st.clock,
		MinLock:         minLock,
		MaxLock:         maxLock,
	})
	h.st.downRequirement = d.DownRequirement
	step, clk := clamp(h.table, h.table.At(d.Step).Clock, minLock, maxLock)
	unchanged := step == h.st.step && clk == h.st.clock
	h.stateLock.Unlock()

	if !unchanged {
		if err := h.applyLocked(step, clk, false, "governor"); err != nil {
			logApplyError(err, clk)
		}
	}
	metrics.RecordEffectiveLock(dvfs.LockMin.String(), minLock)
	metrics.RecordEffectiveLock(dvfs.LockMax.String(), maxLock)
}

func logApplyError(err error, clk int) {
	if dvfs.IsHardwareUnavailable(err) {
		klog.Warningf("apply %d MHz skipped, err: %v", clk, err)
		return
	}
	klog.Errorf("apply %d MHz failed, err: %v", clk, err)
}

// applyLocked applies a resolved target and stores the outcome. The caller holds passLock.
func (h *Handler) applyLocked(step, clk int, force bool, reason string) error {
	res, err := h.ctrl.ApplyOperatingPoint(control.Target{
		Step:    step,
		Clock:   clk,
		Voltage: h.table.At(step).Voltage,
		Force:   force,
		Reason:  reason,
	})
	curClock, curVoltage := h.ctrl.Current()
	curStep := h.ctrl.CurrentStep()

	h.stateLock.Lock()
	if res.Changed {
		h.table.AddTime(res.PrevStep, res.Elapsed)
	}
	if err == nil || dvfs.KindOf(err) == dvfs.ErrorKindHardwareWriteFailed {
		if h.st.step != curStep {
			h.st.downRequirement = h.table.At(curStep).StayCount
		}
		h.st.step, h.st.clock, h.st.voltage = curStep, curClock, curVoltage
	}
	h.stateLock.Unlock()

	if res.Changed {
		klog.V(4).Infof("gpu %s: step %d -> %d, %d -> %d MHz", reason, res.PrevStep, curStep, res.PrevClock, curClock)
		metrics.RecordTimeInState(h.table.At(res.PrevStep).Clock, h.table.TimeInState()[res.PrevStep].Seconds())
	}
	return err
}

// RequestLock sets or clears (clock 0) the min or max clock lock of owner. A request that would
// leave the active min lock above the active max lock fails with ErrLockConflict and changes
// nothing. A lock excluding the current clock is applied at once.
func (h *Handler) RequestLock(owner dvfs.LockOwner, kind dvfs.LockKind, clk int) error {
	if owner < 0 || owner >= dvfs.NumLockOwners {
		return fmt.Errorf("%w: lock owner %d", dvfs.ErrInvalidArgument, owner)
	}
	if kind != dvfs.LockMax && kind != dvfs.LockMin {
		return fmt.Errorf("%w: lock kind %d", dvfs.ErrInvalidArgument, kind)
	}
	if clk < 0 {
		return fmt.Errorf("%w: lock clock %d", dvfs.ErrInvalidArgument, clk)
	}

	h.stateLock.Lock()
	h.st.targetLockOwner = owner
	next := h.st.locks
	next.set(owner, kind, clk)
	if err := next.validate(); err != nil {
		h.st.targetLockOwner = dvfs.LockOwnerNone
		h.stateLock.Unlock()
		klog.Warningf("reject %s %s lock %d MHz, err: %v", owner, kind, clk, err)
		return err
	}
	h.st.locks = next
	minLock, maxLock := next.effective(h.table)
	cur := h.st.clock
	h.st.targetLockOwner = dvfs.LockOwnerNone
	h.stateLock.Unlock()

	klog.V(4).Infof("%s %s lock %d MHz, effective [%d, %d] MHz", owner, kind, clk, minLock, maxLock)
	metrics.RecordEffectiveLock(dvfs.LockMin.String(), minLock)
	metrics.RecordEffectiveLock(dvfs.LockMax.String(), maxLock)
	if !h.running.Load() || (cur >= minLock && cur <= maxLock) {
		return nil
	}
	return h.reapplyLocks()
}

func (h *Handler) reapplyLocks() error {
	h.passLock.Lock()
	defer h.passLock.Unlock()
	if !h.running.Load() {
		return nil
	}
	h.stateLock.Lock()
	minLock, maxLock := h.st.locks.effective(h.table)
	step, clk := clamp(h.table, h.st.clock, minLock, maxLock)
	same := clk == h.st.clock
	h.stateLock.Unlock()
	if same {
		return nil
	}
	err := h.applyLocked(step, clk, false, "lock")
	if dvfs.IsHardwareUnavailable(err) {
		klog.Warningf("lock kept, apply deferred to power on, err: %v", err)
		return nil
	}
	return err
}

// SetTargetClock applies a table clock once, bypassing the governor. The active locks still apply.
func (h *Handler) SetTargetClock(clk int) error {
	if !h.running.Load() {
		return dvfs.ErrNotRunning
	}
	if _, err := h.table.StepForClock(clk); err != nil {
		return err
	}
	h.passLock.Lock()
	defer h.passLock.Unlock()
	if !h.running.Load() {
		return dvfs.ErrNotRunning
	}
	h.stateLock.Lock()
	minLock, maxLock := h.st.locks.effective(h.table)
	step, target := clamp(h.table, clk, minLock, maxLock)
	h.stateLock.Unlock()
	if target != clk {
		klog.V(4).Infof("target clock %d MHz clamped to %d MHz", clk, target)
	}
	return h.applyLocked(step, target, false, "target")
}

// SetGovernor switches the decision policy by its index.
func (h *Handler) SetGovernor(index int) error {
	kind, err := dvfs.GovernorKindFromIndex(index)
	if err != nil {
		return err
	}
	h.stateLock.Lock()
	defer h.stateLock.Unlock()
	h.st.governorKind = kind
	h.st.governor = governor.New(kind, h.opts.StaticPeriod)
	h.st.downRequirement = h.table.At(h.st.step).StayCount
	klog.V(4).Infof("gpu dvfs governor set to %s", kind)
	return nil
}

func (h *Handler) GovernorName() string {
	h.stateLock.Lock()
	defer h.stateLock.Unlock()
	return h.st.governorKind.String()
}

// SetPollingInterval changes the sampler period and restarts a running sampler.
func (h *Handler) SetPollingInterval(d time.Duration) error {
	if err := validatePollingInterval(d); err != nil {
		return err
	}
	h.stateLock.Lock()
	h.st.pollingInterval = d
	h.stateLock.Unlock()

	h.samplerLock.Lock()
	active := h.samplerStop != nil
	h.samplerLock.Unlock()
	if active {
		h.stopSampler()
		h.startSampler()
	}
	return nil
}

func (h *Handler) SetWakeupLock(on bool) {
	h.stateLock.Lock()
	defer h.stateLock.Unlock()
	h.st.wakeupLock = on
}

// startSampler is a no-op once Deinit has cleared running; Deinit stops any sampler started
// before that under samplerLock.
func (h *Handler) startSampler() {
	if h.opts.Utilization == nil {
		return
	}
	h.samplerLock.Lock()
	defer h.samplerLock.Unlock()
	if h.samplerStop != nil || !h.running.Load() {
		return
	}
	h.stateLock.Lock()
	interval, enabled := h.st.pollingInterval, h.st.enabled
	h.stateLock.Unlock()
	if !enabled {
		return
	}
	stop, done := make(chan struct{}), make(chan struct{})
	h.samplerStop, h.samplerDone = stop, done
	go h.runSampler(interval, stop, done)
}

func (h *Handler) stopSampler() {
	h.samplerLock.Lock()
	defer h.samplerLock.Unlock()
	if h.samplerStop == nil {
		return
	}
	close(h.samplerStop)
	<-h.samplerDone
	h.samplerStop, h.samplerDone = nil, nil
}

func (h *Handler) runSampler(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := h.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
			h.sampleOnce()
		}
	}
}

func (h *Handler) sampleOnce() {
	busy, total, err := h.opts.Utilization.Sample()
	if err != nil {
		klog.V(4).Infof("sample gpu utilization failed, err: %v", err)
		return
	}
	if total <= 0 {
		return
	}
	if err := h.RecordBusyIdle(busy, total); err != nil {
		klog.V(4).Infof("drop gpu utilization sample, err: %v", err)
	}
}
