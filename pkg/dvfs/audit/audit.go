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

// Package audit keeps the trail of applied clock/voltage transitions.
package audit

import (
	"sync"
	"time"
)

// Transition is one applied operating point change.
type Transition struct {
	Seq       uint64    `json:"seq"`
	Time      time.Time `json:"time"`
	FromStep  int       `json:"fromStep"`
	ToStep    int       `json:"toStep"`
	FromClock int       `json:"fromClock"`
	ToClock   int       `json:"toClock"`
	Voltage   int       `json:"voltage"`
	Reason    string    `json:"reason,omitempty"`
}

type Recorder interface {
	Record(t Transition)
}

// Ring keeps the last N transitions. Seq is assigned on Record and never repeats.
type Ring struct {
	lock    sync.RWMutex
	buf     []Transition
	next    int
	full    bool
	lastSeq uint64
}

var _ Recorder = &Ring{}

const DefaultRingSize = 256

func NewRing(size int) *Ring {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &Ring{buf: make([]Transition, size)}
}

func (r *Ring) Record(t Transition) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.lastSeq++
	t.Seq = r.lastSeq
	r.buf[r.next] = t
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// Snapshot returns the retained transitions, oldest first.
func (r *Ring) Snapshot() []Transition {
	r.lock.RLock()
	defer r.lock.RUnlock()
	if !r.full {
		out := make([]Transition, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]Transition, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

// Since returns the retained transitions with Seq greater than seq.
func (r *Ring) Since(seq uint64) []Transition {
	all := r.Snapshot()
	for i, t := range all {
		if t.Seq > seq {
			return all[i:]
		}
	}
	return nil
}

func (r *Ring) LastSeq() uint64 {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.lastSeq
}

// MultiRecorder fans a transition out to several recorders.
type MultiRecorder []Recorder

func (m MultiRecorder) Record(t Transition) {
	for _, r := range m {
		if r != nil {
			r.Record(t)
		}
	}
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(t Transition)

func (f RecorderFunc) Record(t Transition) { f(t) }
