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

package dvfs

import "errors"

var (
	// ErrPowerOff is returned when the GPU power domain reports off.
	ErrPowerOff = errors.New("gpu power domain is off")
	// ErrClockOff is returned when the GPU clock gate is not enabled.
	ErrClockOff = errors.New("gpu clock is gated")
	// ErrUnknownOperatingPoint is returned for a clock that is not a row of the DVFS table.
	ErrUnknownOperatingPoint = errors.New("unknown operating point")
	// ErrLockConflict is returned when a request would leave min lock above max lock.
	ErrLockConflict = errors.New("clock lock conflict")
	// ErrHardwareWriteFailed wraps clock or regulator write failures.
	ErrHardwareWriteFailed = errors.New("hardware write failed")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrNotRunning          = errors.New("dvfs handler is not running")
)

type ErrorKind int

const (
	ErrorKindNone ErrorKind = iota
	ErrorKindHardwareUnavailable
	ErrorKindUnknownOperatingPoint
	ErrorKindLockConflict
	ErrorKindHardwareWriteFailed
	ErrorKindInvalidArgument
	ErrorKindNotRunning
	ErrorKindUnknown
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindNone:
		return "None"
	case ErrorKindHardwareUnavailable:
		return "HardwareUnavailable"
	case ErrorKindUnknownOperatingPoint:
		return "UnknownOperatingPoint"
	case ErrorKindLockConflict:
		return "LockConflict"
	case ErrorKindHardwareWriteFailed:
		return "HardwareWriteFailed"
	case ErrorKindInvalidArgument:
		return "InvalidArgument"
	case ErrorKindNotRunning:
		return "NotRunning"
	}
	return "Unknown"
}

// KindOf classifies err into the DVFS error taxonomy.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrorKindNone
	case errors.Is(err, ErrPowerOff), errors.Is(err, ErrClockOff):
		return ErrorKindHardwareUnavailable
	case errors.Is(err, ErrUnknownOperatingPoint):
		return ErrorKindUnknownOperatingPoint
	case errors.Is(err, ErrLockConflict):
		return ErrorKindLockConflict
	case errors.Is(err, ErrHardwareWriteFailed):
		return ErrorKindHardwareWriteFailed
	case errors.Is(err, ErrInvalidArgument):
		return ErrorKindInvalidArgument
	case errors.Is(err, ErrNotRunning):
		return ErrorKindNotRunning
	}
	return ErrorKindUnknown
}

// IsHardwareUnavailable reports whether err means the power domain or clock gate is off.
func IsHardwareUnavailable(err error) bool {
	return KindOf(err) == ErrorKindHardwareUnavailable
}
