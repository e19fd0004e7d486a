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

// Package config selects a SoC profile and assembles the DVFS components from it.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/koordinator-sh/gpudvfs/pkg/dvfs"
	"github.com/koordinator-sh/gpudvfs/pkg/dvfs/audit"
	"github.com/koordinator-sh/gpudvfs/pkg/dvfs/handler"
	"github.com/koordinator-sh/gpudvfs/pkg/dvfs/hal"
)

type Config struct {
	Profile     string
	ProfileFile string
	// SysfsRoot overrides the root of the profile's GPU sysfs paths.
	SysfsRoot string
	// Simulate runs against an in-memory port reporting SimulateUtilization percent busy.
	Simulate               bool
	SimulateUtilization    int
	ListenAddress          string
	Governor               string
	PollingInterval        time.Duration
	RegulatorWriteInterval time.Duration
	QoSCacheTTL            time.Duration
	AuditSize              int
	WakeupLock             bool
}

func NewDefaultConfig() *Config {
	return &Config{
		Profile:                ProfileExynos5422,
		SimulateUtilization:    50,
		ListenAddress:          ":9316",
		Governor:               dvfs.GovernorDefault.String(),
		PollingInterval:        handler.DefaultPollingInterval,
		RegulatorWriteInterval: hal.DefaultRegulatorWriteInterval,
		QoSCacheTTL:            10 * time.Second,
		AuditSize:              audit.DefaultRingSize,
	}
}

func (c *Config) InitFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Profile, "profile", c.Profile,
		fmt.Sprintf("built-in soc profile, one of %s", strings.Join(BuiltinProfileNames(), ", ")))
	fs.StringVar(&c.ProfileFile, "profile-file", c.ProfileFile, "yaml soc profile, overrides --profile")
	fs.StringVar(&c.SysfsRoot, "sysfs-root", c.SysfsRoot, "override the root of the gpu sysfs files")
	fs.BoolVar(&c.Simulate, "simulate", c.Simulate, "drive an in-memory gpu instead of sysfs")
	fs.IntVar(&c.SimulateUtilization, "simulate-utilization", c.SimulateUtilization,
		"busy percentage reported by the simulated gpu")
	fs.StringVar(&c.ListenAddress, "listen-address", c.ListenAddress, "address of the operator api and metrics")
	fs.StringVar(&c.Governor, "governor", c.Governor,
		fmt.Sprintf("dvfs governor, one of %s", strings.Join(dvfs.GovernorNames(), ", ")))
	fs.DurationVar(&c.PollingInterval, "polling-interval", c.PollingInterval, "utilization sampling period")
	fs.DurationVar(&c.RegulatorWriteInterval, "regulator-write-interval", c.RegulatorWriteInterval,
		"minimum interval between two regulator voltage writes")
	fs.DurationVar(&c.QoSCacheTTL, "qos-cache-ttl", c.QoSCacheTTL, "skip rewriting an unchanged qos value within this ttl")
	fs.IntVar(&c.AuditSize, "audit-size", c.AuditSize, "number of transitions kept in the audit ring")
	fs.BoolVar(&c.WakeupLock, "wakeup-lock", c.WakeupLock, "raise the gpu to the wakeup clock on power on")
}

func (c *Config) Validate() error {
	if _, err := dvfs.ParseGovernorKind(c.Governor); err != nil {
		return err
	}
	if c.PollingInterval < handler.MinPollingInterval || c.PollingInterval > handler.MaxPollingInterval {
		return fmt.Errorf("%w: polling interval %v out of range [%v, %v]", dvfs.ErrInvalidArgument,
			c.PollingInterval, handler.MinPollingInterval, handler.MaxPollingInterval)
	}
	if c.SimulateUtilization < 0 || c.SimulateUtilization > 100 {
		return fmt.Errorf("%w: simulate utilization %d", dvfs.ErrInvalidArgument, c.SimulateUtilization)
	}
	if c.AuditSize <= 0 {
		return fmt.Errorf("%w: audit size %d", dvfs.ErrInvalidArgument, c.AuditSize)
	}
	return nil
}

// LoadProfile returns the profile file when set, the built-in profile otherwise.
func (c *Config) LoadProfile() (*Profile, error) {
	var p *Profile
	var err error
	if c.ProfileFile != "" {
		p, err = LoadProfile(c.ProfileFile)
	} else {
		p, err = BuiltinProfile(c.Profile)
	}
	if err != nil {
		return nil, err
	}
	if c.SysfsRoot != "" {
		p.Sysfs.Root = c.SysfsRoot
	}
	return p, nil
}
