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
	"time"

	"k8s.io/component-base/featuregate"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/koordinator-sh/gpudvfs/pkg/dvfs"
	"github.com/koordinator-sh/gpudvfs/pkg/dvfs/audit"
	"github.com/koordinator-sh/gpudvfs/pkg/dvfs/control"
	"github.com/koordinator-sh/gpudvfs/pkg/dvfs/hal"
	"github.com/koordinator-sh/gpudvfs/pkg/dvfs/handler"
	"github.com/koordinator-sh/gpudvfs/pkg/dvfs/metrics"
	"github.com/koordinator-sh/gpudvfs/pkg/dvfs/qos"
	"github.com/koordinator-sh/gpudvfs/pkg/dvfs/table"
	"github.com/koordinator-sh/gpudvfs/pkg/features"
)

const simulateSampleWindow = 100 * time.Millisecond

// Components is the assembled DVFS stack. The handler is built but not initialized.
type Components struct {
	Profile     *Profile
	Table       *table.Table
	Port        hal.Port
	Utilization hal.UtilizationSource
	Sink        qos.Sink
	Audit       *audit.Ring
	Controller  *control.Controller
	Handler     *handler.Handler
}

// Build assembles the components of the profile. gate decides the optional behaviors, clk drives
// the sampler and the audit timestamps and may be nil.
func Build(c *Config, p *Profile, gate featuregate.FeatureGate, clk clock.WithTicker) (*Components, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	governorKind, err := dvfs.ParseGovernorKind(c.Governor)
	if err != nil {
		return nil, err
	}

	t, err := table.New(p.Table)
	if err != nil {
		return nil, err
	}
	if gate.Enabled(features.ASVCorrection) && len(p.ASV) > 0 {
		if err := t.ApplyASV(p.ASV); err != nil {
			return nil, fmt.Errorf("apply asv of profile %s: %w", p.Name, err)
		}
	}
	if p.GPU != "" {
		metrics.SetGPUName(p.GPU)
	}

	comps := &Components{
		Profile: p,
		Table:   t,
		Audit:   audit.NewRing(c.AuditSize),
	}
	if c.Simulate {
		comps.Port = hal.NewFakePort()
		busy := simulateSampleWindow * time.Duration(c.SimulateUtilization) / 100
		comps.Utilization = hal.NewFakeUtilization(busy, simulateSampleWindow)
		comps.Sink = qos.NopSink{}
		klog.Infof("simulate gpu of profile %s at %d%% utilization", p.Name, c.SimulateUtilization)
	} else {
		comps.Port = hal.NewSysfsPort(p.Sysfs, c.RegulatorWriteInterval)
		if p.Sysfs.Utilization != "" {
			comps.Utilization = hal.NewSysfsUtilization(p.Sysfs)
		}
		comps.Sink = qos.NewSysfsSink(p.QoS, p.QoSDefaults, c.QoSCacheTTL)
	}

	comps.Controller = control.New(t, comps.Port, control.Options{
		ColdMinVoltage:  p.ColdMinVoltage,
		BusQoS:          gate.Enabled(features.BusQoS),
		ManageRegulator: p.ManageRegulator,
		Recorder:        audit.MultiRecorder{comps.Audit, audit.RecorderFunc(metrics.RecordAuditTransition)},
		Sink:            comps.Sink,
		Clock:           clk,
	})

	opts := handler.Options{
		Table:            t,
		Controller:       comps.Controller,
		Utilization:      comps.Utilization,
		Governor:         governorKind,
		StaticPeriod:     p.StaticPeriod,
		PollingInterval:  c.PollingInterval,
		StartClock:       p.StartClock,
		BaselineClock:    p.BaselineClock,
		ThermalClocks:    p.thermalEvents(),
		PowerCoefficient: p.PowerCoefficient,
		Clock:            clk,
	}
	if gate.Enabled(features.WakeupLock) {
		opts.WakeupClock = p.WakeupClock
	}
	if gate.Enabled(features.ColdVoltageMargin) {
		opts.ColdVoltageMargin = p.ColdVoltageMargin
	}
	comps.Handler, err = handler.New(opts)
	if err != nil {
		return nil, err
	}
	comps.Handler.SetWakeupLock(c.WakeupLock)
	return comps, nil
}
