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

// Package qos applies the bus and CPU frequency requests that accompany a GPU operating point.
package qos

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"
)

// Request holds companion frequencies in kHz. A zero field releases that request.
type Request struct {
	MemFreq    int `json:"memFreq"`
	IntFreq    int `json:"intFreq"`
	CPUMinFreq int `json:"cpuMinFreq"`
	CPUMaxFreq int `json:"cpuMaxFreq"`
}

// Sink receives the QoS request of every applied operating point.
type Sink interface {
	Apply(req Request) error
	// Reset restores every request to its default value.
	Reset() error
}

// NopSink drops every request.
type NopSink struct{}

func (NopSink) Apply(Request) error { return nil }

func (NopSink) Reset() error { return nil }

// SysfsPaths locates the devfreq and cpufreq files a SysfsSink writes.
type SysfsPaths struct {
	Root string `json:"root,omitempty"`
	// MemMinFreq is the devfreq min_freq of the memory interface bus.
	MemMinFreq string `json:"memMinFreq,omitempty"`
	// IntMinFreq is the devfreq min_freq of the internal bus.
	IntMinFreq string `json:"intMinFreq,omitempty"`
	// CPUMinFreq and CPUMaxFreq are the scaling_min_freq and scaling_max_freq of the CPU cluster.
	CPUMinFreq string `json:"cpuMinFreq,omitempty"`
	CPUMaxFreq string `json:"cpuMaxFreq,omitempty"`
}

func (p SysfsPaths) resolve(name string) string {
	if name == "" || filepath.IsAbs(name) || p.Root == "" {
		return name
	}
	return filepath.Join(p.Root, name)
}

const (
	defaultWriteCacheTTL = 10 * time.Second
	cacheCleanupInterval = time.Minute
)

// SysfsSink writes QoS requests into sysfs. A value already written to a file within the cache
// TTL is not written again.
type SysfsSink struct {
	paths    SysfsPaths
	defaults Request
	written  *gocache.Cache
}

var _ Sink = &SysfsSink{}

// NewSysfsSink returns a sink writing into paths. defaults are written for released requests
// and on Reset. Files with an empty path are skipped.
func NewSysfsSink(paths SysfsPaths, defaults Request, ttl time.Duration) *SysfsSink {
	if ttl <= 0 {
		ttl = defaultWriteCacheTTL
	}
	return &SysfsSink{
		paths:    paths,
		defaults: defaults,
		written:  gocache.New(ttl, cacheCleanupInterval),
	}
}

func (s *SysfsSink) Apply(req Request) error {
	return multierr.Combine(
		s.write(s.paths.MemMinFreq, req.MemFreq, s.defaults.MemFreq),
		s.write(s.paths.IntMinFreq, req.IntFreq, s.defaults.IntFreq),
		s.write(s.paths.CPUMinFreq, req.CPUMinFreq, s.defaults.CPUMinFreq),
		s.write(s.paths.CPUMaxFreq, req.CPUMaxFreq, s.defaults.CPUMaxFreq),
	)
}

func (s *SysfsSink) Reset() error {
	s.written.Flush()
	err := s.Apply(Request{})
	if err == nil {
		klog.V(4).Infof("qos requests reset to defaults %+v", s.defaults)
	}
	return err
}

func (s *SysfsSink) write(name string, value, def int) error {
	if name == "" {
		return nil
	}
	if value == 0 {
		value = def
	}
	if value == 0 {
		return nil
	}
	path := s.paths.resolve(name)
	if last, ok := s.written.Get(path); ok && last.(int) == value {
		klog.V(6).Infof("qos %s already %d kHz, skip", path, value)
		return nil
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(value)), 0644); err != nil {
		s.written.Delete(path)
		return fmt.Errorf("write qos %s=%d: %w", path, value, err)
	}
	s.written.SetDefault(path, value)
	klog.V(5).Infof("qos %s set to %d kHz", path, value)
	return nil
}
