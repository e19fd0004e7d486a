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
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/koordinator-sh/gpudvfs/pkg/dvfs/audit"
)

func TestRecordOperatingPoint(t *testing.T) {
	SetGPUName("test_gpu")
	defer SetGPUName("mali")

	RecordOperatingPoint(2, 350, 912500)
	labels := genGPULabels()
	assert.Equal(t, float64(350), testutil.ToFloat64(CurrentClock.With(labels)))
	assert.Equal(t, float64(912500), testutil.ToFloat64(CurrentVoltage.With(labels)))
	assert.Equal(t, float64(2), testutil.ToFloat64(CurrentStep.With(labels)))
}

func TestRecordTransition(t *testing.T) {
	SetGPUName("test_transition")
	defer SetGPUName("mali")

	RecordTransition(177, 266)
	RecordTransition(266, 350)
	RecordTransition(350, 177)
	up := genGPULabels()
	up[DirectionKey] = DirectionUp
	down := genGPULabels()
	down[DirectionKey] = DirectionDown
	assert.Equal(t, float64(2), testutil.ToFloat64(Transitions.With(up)))
	assert.Equal(t, float64(1), testutil.ToFloat64(Transitions.With(down)))
}

func TestRecordAuditTransition(t *testing.T) {
	SetGPUName("test_audit")
	defer SetGPUName("mali")

	RecordAuditTransition(audit.Transition{FromStep: 0, ToStep: 1, FromClock: 177, ToClock: 266, Voltage: 862500})
	labels := genGPULabels()
	assert.Equal(t, float64(266), testutil.ToFloat64(CurrentClock.With(labels)))
	assert.Equal(t, float64(862500), testutil.ToFloat64(CurrentVoltage.With(labels)))
	assert.Equal(t, float64(1), testutil.ToFloat64(CurrentStep.With(labels)))
	labels[DirectionKey] = DirectionUp
	assert.Equal(t, float64(1), testutil.ToFloat64(Transitions.With(labels)))
}

func TestRecordMisc(t *testing.T) {
	t.Run("test", func(t *testing.T) {
		RecordUtilization(80, 40)
		RecordPowerEstimate(1.5)
		RecordEffectiveLock("max", 420)
		RecordTimeInState(177, 12.5)
		RecordHardwareWriteFailure("regulator")
		ResetTimeInState()
	})
}
