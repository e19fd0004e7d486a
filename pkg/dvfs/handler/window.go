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

import "time"

const busyWindowSize = 8

type busySample struct {
	busy  time.Duration
	total time.Duration
	clock int
}

// busyWindow is a fixed ring of the latest busy/idle samples.
type busyWindow struct {
	samples [busyWindowSize]busySample
	next    int
	n       int
}

func (w *busyWindow) push(s busySample) {
	w.samples[w.next] = s
	w.next = (w.next + 1) % busyWindowSize
	if w.n < busyWindowSize {
		w.n++
	}
}

func (w *busyWindow) reset() {
	*w = busyWindow{}
}

// normalized returns the busy share of the window scaled by clock/maxClock, in percent.
func (w *busyWindow) normalized(maxClock int) int {
	if maxClock <= 0 {
		return 0
	}
	var weighted, total float64
	for i := 0; i < w.n; i++ {
		s := w.samples[i]
		weighted += float64(s.busy) * float64(s.clock) / float64(maxClock)
		total += float64(s.total)
	}
	if total == 0 {
		return 0
	}
	return int(weighted * 100 / total)
}

// dynamicPower is coeff × MHz × V² × utilization / 100.
func dynamicPower(coeff, clock, uv, util int) float64 {
	v := float64(uv) / 1e6
	return float64(coeff) * float64(clock) * v * v * float64(util) / 100
}
