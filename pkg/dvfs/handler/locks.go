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
	"fmt"

	"github.com/koordinator-sh/gpudvfs/pkg/dvfs"
	"github.com/koordinator-sh/gpudvfs/pkg/dvfs/table"
)

// lockTable holds the clock lock of every owner and kind, 0 means unset.
type lockTable [dvfs.NumLockOwners][2]int

func (l *lockTable) get(owner dvfs.LockOwner, kind dvfs.LockKind) int {
	return l[owner][kind]
}

func (l *lockTable) set(owner dvfs.LockOwner, kind dvfs.LockKind, clock int) {
	l[owner][kind] = clock
}

// active returns the tightest active max lock and min lock, 0 when no owner holds one.
func (l *lockTable) active() (maxLock, minLock int) {
	for owner := range l {
		if m := l[owner][dvfs.LockMax]; m > 0 && (maxLock == 0 || m < maxLock) {
			maxLock = m
		}
		if m := l[owner][dvfs.LockMin]; m > minLock {
			minLock = m
		}
	}
	return maxLock, minLock
}

func (l *lockTable) validate() error {
	maxLock, minLock := l.active()
	if maxLock > 0 && minLock > maxLock {
		return fmt.Errorf("%w: min lock %d MHz above max lock %d MHz", dvfs.ErrLockConflict, minLock, maxLock)
	}
	return nil
}

// effective folds the table range into the active locks. Both bounds stay inside the table range,
// so the effective min never exceeds the effective max.
func (l *lockTable) effective(t *table.Table) (minLock, maxLock int) {
	activeMax, activeMin := l.active()
	maxLock, minLock = t.MaxClock(), t.MinClock()
	if activeMax > 0 && activeMax < maxLock {
		maxLock = activeMax
	}
	if activeMin > minLock {
		minLock = activeMin
	}
	if maxLock < t.MinClock() {
		maxLock = t.MinClock()
	}
	if minLock > t.MaxClock() {
		minLock = t.MaxClock()
	}
	if minLock > maxLock {
		minLock = maxLock
	}
	return minLock, maxLock
}

// clamp bounds clk to [minLock, maxLock] and resolves the row that runs it.
func clamp(t *table.Table, clk, minLock, maxLock int) (step, clock int) {
	if clk > maxLock {
		clk = maxLock
	}
	if clk < minLock {
		clk = minLock
	}
	return t.CeilStep(clk), clk
}
