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

package features

import (
	"k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/component-base/featuregate"
)

const (
	// ASVCorrection applies the per-chip calibrated voltages to the DVFS table at init.
	// owner: @gpu-dvfs
	// beta: v0.1
	ASVCorrection featuregate.Feature = "ASVCorrection"

	// BusQoS requests the memory, internal bus and CPU frequencies of each GPU operating point.
	// owner: @gpu-dvfs
	// beta: v0.1
	BusQoS featuregate.Feature = "BusQoS"

	// WakeupLock raises the GPU clock to the wakeup clock on power on while the wakeup lock is set.
	// owner: @gpu-dvfs
	// alpha: v0.1
	WakeupLock featuregate.Feature = "WakeupLock"

	// ColdVoltageMargin adds the cold voltage margin on thermal cold events.
	// owner: @gpu-dvfs
	// beta: v0.1
	ColdVoltageMargin featuregate.Feature = "ColdVoltageMargin"
)

var (
	DefaultMutableDVFSFeatureGate featuregate.MutableFeatureGate = featuregate.NewFeatureGate()
	DefaultDVFSFeatureGate        featuregate.FeatureGate        = DefaultMutableDVFSFeatureGate

	defaultDVFSFeatureGates = map[featuregate.Feature]featuregate.FeatureSpec{
		ASVCorrection:     {Default: true, PreRelease: featuregate.Beta},
		BusQoS:            {Default: true, PreRelease: featuregate.Beta},
		WakeupLock:        {Default: false, PreRelease: featuregate.Alpha},
		ColdVoltageMargin: {Default: true, PreRelease: featuregate.Beta},
	}
)

func init() {
	runtime.Must(DefaultMutableDVFSFeatureGate.Add(defaultDVFSFeatureGates))
}
