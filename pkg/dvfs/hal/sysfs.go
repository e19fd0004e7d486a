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

package hal

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/klog/v2"
)

const (
	powerStatusActive = "active"
	regulatorEnabled  = "enabled"
	regulatorDisabled = "disabled"

	DefaultRegulatorWriteInterval = 5 * time.Millisecond
)

// SysfsPaths locates the GPU control files. Paths are joined under Root when they are relative.
type SysfsPaths struct {
	Root string `json:"root,omitempty"`
	// PowerStatus holds the runtime PM status, "active" means the power domain is on.
	PowerStatus string `json:"powerStatus"`
	// ClockEnable holds "1" when the clock gate is enabled.
	ClockEnable string `json:"clockEnable"`
	// ClockRate accepts the target rate in Hz.
	ClockRate string `json:"clockRate"`
	// ClockCurRate reports the running rate in Hz, ClockRate is used when empty.
	ClockCurRate     string `json:"clockCurRate,omitempty"`
	RegulatorVoltage string `json:"regulatorVoltage"`
	RegulatorState   string `json:"regulatorState"`
	// Utilization holds cumulative "<busy_ns> <total_ns>" counters.
	Utilization string `json:"utilization,omitempty"`
}

func (p SysfsPaths) resolve(name string) string {
	if name == "" || filepath.IsAbs(name) || p.Root == "" {
		return name
	}
	return filepath.Join(p.Root, name)
}

func readTrimmed(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func readInt64(path string) (int64, error) {
	s, err := readTrimmed(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return v, nil
}

func writeString(path, value string) error {
	return os.WriteFile(path, []byte(value), 0644)
}

// SysfsPort drives the GPU through sysfs style control files.
type SysfsPort struct {
	paths SysfsPaths
	// regulator writes are rate limited by the PMIC driver
	limiter *rate.Limiter
}

var _ Port = &SysfsPort{}

func NewSysfsPort(paths SysfsPaths, regulatorWriteInterval time.Duration) *SysfsPort {
	if regulatorWriteInterval <= 0 {
		regulatorWriteInterval = DefaultRegulatorWriteInterval
	}
	return &SysfsPort{
		paths:   paths,
		limiter: rate.NewLimiter(rate.Every(regulatorWriteInterval), 1),
	}
}

func (s *SysfsPort) PowerIsOn() bool {
	status, err := readTrimmed(s.paths.resolve(s.paths.PowerStatus))
	if err != nil {
		klog.V(4).Infof("read gpu power status failed, err: %v", err)
		return false
	}
	return status == powerStatusActive
}

func (s *SysfsPort) ClockIsOn() bool {
	v, err := readInt64(s.paths.resolve(s.paths.ClockEnable))
	if err != nil {
		klog.V(4).Infof("read gpu clock gate failed, err: %v", err)
		return false
	}
	return v != 0
}

func (s *SysfsPort) ClockEnable() error {
	return writeString(s.paths.resolve(s.paths.ClockEnable), "1")
}

func (s *SysfsPort) ClockDisable() error {
	return writeString(s.paths.resolve(s.paths.ClockEnable), "0")
}

func (s *SysfsPort) ClockSetRate(hz uint64) error {
	return writeString(s.paths.resolve(s.paths.ClockRate), strconv.FormatUint(hz, 10))
}

func (s *SysfsPort) ClockGetRate() (uint64, error) {
	path := s.paths.ClockCurRate
	if path == "" {
		path = s.paths.ClockRate
	}
	v, err := readInt64(s.paths.resolve(path))
	if err != nil {
		return 0, err
	}
	return uint64(v), nil
}

func (s *SysfsPort) VoltageSet(uv int) error {
	if d := s.limiter.Reserve().Delay(); d > 0 {
		time.Sleep(d)
	}
	return writeString(s.paths.resolve(s.paths.RegulatorVoltage), strconv.Itoa(uv))
}

func (s *SysfsPort) VoltageGet() (int, error) {
	v, err := readInt64(s.paths.resolve(s.paths.RegulatorVoltage))
	return int(v), err
}

func (s *SysfsPort) RegulatorEnable() error {
	return writeString(s.paths.resolve(s.paths.RegulatorState), regulatorEnabled)
}

func (s *SysfsPort) RegulatorDisable() error {
	return writeString(s.paths.resolve(s.paths.RegulatorState), regulatorDisabled)
}

// SysfsUtilization converts cumulative busy/total counters into per-sample deltas.
type SysfsUtilization struct {
	path string

	lock      sync.Mutex
	lastBusy  int64
	lastTotal int64
	primed    bool
}

var _ UtilizationSource = &SysfsUtilization{}

func NewSysfsUtilization(paths SysfsPaths) *SysfsUtilization {
	return &SysfsUtilization{path: paths.resolve(paths.Utilization)}
}

// Sample returns zero durations on the first call and whenever the counters went backwards.
func (u *SysfsUtilization) Sample() (time.Duration, time.Duration, error) {
	content, err := readTrimmed(u.path)
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(content)
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("parse %s: expect \"<busy> <total>\", got %q", u.path, content)
	}
	busy, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse busy counter: %w", err)
	}
	total, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse total counter: %w", err)
	}

	u.lock.Lock()
	defer u.lock.Unlock()
	lastBusy, lastTotal, primed := u.lastBusy, u.lastTotal, u.primed
	u.lastBusy, u.lastTotal, u.primed = busy, total, true
	if !primed || busy < lastBusy || total < lastTotal {
		klog.V(5).Infof("utilization counters reset or first sample, busy %d total %d", busy, total)
		return 0, 0, nil
	}
	return time.Duration(busy - lastBusy), time.Duration(total - lastTotal), nil
}
