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

// Package server exposes the DVFS handler to operators over HTTP.
package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/atomic"
	"k8s.io/klog/v2"

	"github.com/koordinator-sh/gpudvfs/pkg/dvfs"
	"github.com/koordinator-sh/gpudvfs/pkg/dvfs/audit"
	"github.com/koordinator-sh/gpudvfs/pkg/dvfs/handler"
)

const (
	PowerOn  = "on"
	PowerOff = "off"
)

type ErrorMessage struct {
	Message string `json:"message,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

func ResponseErrorMessage(c *gin.Context, statusCode int, format string, args ...interface{}) {
	c.JSON(statusCode, ErrorMessage{Message: fmt.Sprintf(format, args...)})
}

// ResponseError writes err with the status code of its error kind.
func ResponseError(c *gin.Context, err error) {
	kind := dvfs.KindOf(err)
	c.JSON(StatusCodeOf(err), ErrorMessage{Message: err.Error(), Kind: kind.String()})
}

// StatusCodeOf maps the DVFS error taxonomy to HTTP status codes.
func StatusCodeOf(err error) int {
	switch dvfs.KindOf(err) {
	case dvfs.ErrorKindNone:
		return http.StatusOK
	case dvfs.ErrorKindInvalidArgument, dvfs.ErrorKindUnknownOperatingPoint:
		return http.StatusBadRequest
	case dvfs.ErrorKindLockConflict:
		return http.StatusConflict
	case dvfs.ErrorKindHardwareUnavailable, dvfs.ErrorKindNotRunning:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

type ClockRequest struct {
	Clock *int `json:"clock" binding:"required"`
}

type LockRequest struct {
	Clock *int `json:"clock" binding:"required"`
	// Owner defaults to sysfs. Thermal locks are set through thermal events only.
	Owner string `json:"owner,omitempty"`
}

// GovernorRequest selects a governor by index or by name.
type GovernorRequest struct {
	Index *int   `json:"index,omitempty"`
	Name  string `json:"name,omitempty"`
}

type EnabledRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

type PollingIntervalRequest struct {
	Millis int64 `json:"millis" binding:"required"`
}

type LogLevelRequest struct {
	Level *int `json:"level" binding:"required"`
}

type ThermalRequest struct {
	Event string `json:"event" binding:"required"`
}

type PowerRequest struct {
	State string `json:"state" binding:"required"`
}

type UtilizationRequest struct {
	Utilization *int `json:"utilization" binding:"required"`
}

type GovernorResponse struct {
	Governor string   `json:"governor"`
	Choices  []string `json:"choices"`
}

type LogLevelResponse struct {
	Level int `json:"level"`
}

type PowerResponse struct {
	PowerEstimate         float64 `json:"powerEstimate"`
	NormalizedUtilization int     `json:"normalizedUtilization"`
}

// Server serves the operator API of one handler.
type Server struct {
	handler  *handler.Handler
	audit    *audit.Ring
	logLevel *atomic.Int32
}

// New returns a server for h. ring may be nil when no audit trail is kept.
func New(h *handler.Handler, ring *audit.Ring) *Server {
	return &Server{handler: h, audit: ring, logLevel: atomic.NewInt32(0)}
}

func (s *Server) RegisterEndpoints(group *gin.RouterGroup) {
	group.GET("/status", s.getStatus)
	group.GET("/table", s.getTable)
	group.GET("/transitions", s.getTransitions)
	group.GET("/power", s.getPower)
	group.GET("/governor", s.getGovernor)
	group.GET("/log_level", s.getLogLevel)
	group.PUT("/clock", s.putClock)
	group.PUT("/lock/:kind", s.putLock)
	group.PUT("/governor", s.putGovernor)
	group.PUT("/enabled", s.putEnabled)
	group.PUT("/polling_interval", s.putPollingInterval)
	group.PUT("/log_level", s.putLogLevel)
	group.PUT("/wakeup_lock", s.putWakeupLock)
	group.POST("/thermal", s.postThermal)
	group.POST("/power", s.postPower)
	group.POST("/utilization", s.postUtilization)
}

func bindJSON(c *gin.Context, obj interface{}) bool {
	if err := c.ShouldBindJSON(obj); err != nil {
		ResponseErrorMessage(c, http.StatusBadRequest, "invalid request: %v", err)
		return false
	}
	return true
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.handler.Status())
}

func (s *Server) getTable(c *gin.Context) {
	c.JSON(http.StatusOK, s.handler.Table())
}

func (s *Server) getTransitions(c *gin.Context) {
	if s.audit == nil {
		c.JSON(http.StatusOK, []audit.Transition{})
		return
	}
	since := c.Query("since")
	if since == "" {
		c.JSON(http.StatusOK, s.audit.Snapshot())
		return
	}
	seq, err := strconv.ParseUint(since, 10, 64)
	if err != nil {
		ResponseErrorMessage(c, http.StatusBadRequest, "invalid since %q: %v", since, err)
		return
	}
	transitions := s.audit.Since(seq)
	if transitions == nil {
		transitions = []audit.Transition{}
	}
	c.JSON(http.StatusOK, transitions)
}

func (s *Server) getPower(c *gin.Context) {
	c.JSON(http.StatusOK, PowerResponse{
		PowerEstimate:         s.handler.PowerEstimate(),
		NormalizedUtilization: s.handler.NormalizedUtilization(),
	})
}

func (s *Server) getGovernor(c *gin.Context) {
	c.JSON(http.StatusOK, GovernorResponse{Governor: s.handler.GovernorName(), Choices: dvfs.GovernorNames()})
}

func (s *Server) getLogLevel(c *gin.Context) {
	c.JSON(http.StatusOK, LogLevelResponse{Level: int(s.logLevel.Load())})
}

func (s *Server) putClock(c *gin.Context) {
	req := &ClockRequest{}
	if !bindJSON(c, req) {
		return
	}
	if err := s.handler.SetTargetClock(*req.Clock); err != nil {
		ResponseError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.handler.Status())
}

func parseLockOwner(s string) (dvfs.LockOwner, error) {
	if s == "" {
		return dvfs.LockOwnerSysfs, nil
	}
	for _, owner := range dvfs.LockOwners() {
		if owner.String() == s && owner != dvfs.LockOwnerThermal {
			return owner, nil
		}
	}
	return dvfs.LockOwnerNone, fmt.Errorf("%w: lock owner %q", dvfs.ErrInvalidArgument, s)
}

func (s *Server) putLock(c *gin.Context) {
	kind, err := dvfs.ParseLockKind(c.Param("kind"))
	if err != nil {
		ResponseError(c, err)
		return
	}
	req := &LockRequest{}
	if !bindJSON(c, req) {
		return
	}
	owner, err := parseLockOwner(req.Owner)
	if err != nil {
		ResponseError(c, err)
		return
	}
	if err := s.handler.RequestLock(owner, kind, *req.Clock); err != nil {
		ResponseError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.handler.Status())
}

func (s *Server) putGovernor(c *gin.Context) {
	req := &GovernorRequest{}
	if !bindJSON(c, req) {
		return
	}
	index := -1
	switch {
	case req.Index != nil:
		index = *req.Index
	case req.Name != "":
		kind, err := dvfs.ParseGovernorKind(req.Name)
		if err != nil {
			ResponseError(c, err)
			return
		}
		index = int(kind)
	}
	if err := s.handler.SetGovernor(index); err != nil {
		ResponseError(c, err)
		return
	}
	s.getGovernor(c)
}

func (s *Server) putEnabled(c *gin.Context) {
	req := &EnabledRequest{}
	if !bindJSON(c, req) {
		return
	}
	var err error
	if *req.Enabled {
		err = s.handler.Enable()
	} else {
		err = s.handler.Disable()
	}
	if err != nil {
		ResponseError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.handler.Status())
}

func (s *Server) putPollingInterval(c *gin.Context) {
	req := &PollingIntervalRequest{}
	if !bindJSON(c, req) {
		return
	}
	if err := s.handler.SetPollingInterval(time.Duration(req.Millis) * time.Millisecond); err != nil {
		ResponseError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.handler.Status())
}

// putLogLevel sets the klog verbosity of the daemon.
func (s *Server) putLogLevel(c *gin.Context) {
	req := &LogLevelRequest{}
	if !bindJSON(c, req) {
		return
	}
	if *req.Level < 0 {
		ResponseErrorMessage(c, http.StatusBadRequest, "invalid log level %d", *req.Level)
		return
	}
	var level klog.Level
	if err := level.Set(strconv.Itoa(*req.Level)); err != nil {
		ResponseErrorMessage(c, http.StatusBadRequest, "invalid log level %d: %v", *req.Level, err)
		return
	}
	s.logLevel.Store(int32(*req.Level))
	klog.Infof("log level set to %d", *req.Level)
	c.JSON(http.StatusOK, LogLevelResponse{Level: *req.Level})
}

func (s *Server) putWakeupLock(c *gin.Context) {
	req := &EnabledRequest{}
	if !bindJSON(c, req) {
		return
	}
	s.handler.SetWakeupLock(*req.Enabled)
	c.JSON(http.StatusOK, s.handler.Status())
}

func (s *Server) postThermal(c *gin.Context) {
	req := &ThermalRequest{}
	if !bindJSON(c, req) {
		return
	}
	ev, err := dvfs.ParseThermalEvent(req.Event)
	if err != nil {
		ResponseError(c, err)
		return
	}
	if err := s.handler.OnThermalEvent(ev); err != nil {
		ResponseError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.handler.Status())
}

func (s *Server) postPower(c *gin.Context) {
	req := &PowerRequest{}
	if !bindJSON(c, req) {
		return
	}
	var err error
	switch req.State {
	case PowerOn:
		err = s.handler.OnPowerOn()
	case PowerOff:
		err = s.handler.OnPowerOff()
	default:
		err = fmt.Errorf("%w: power state %q", dvfs.ErrInvalidArgument, req.State)
	}
	if err != nil {
		ResponseError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.handler.Status())
}

func (s *Server) postUtilization(c *gin.Context) {
	req := &UtilizationRequest{}
	if !bindJSON(c, req) {
		return
	}
	if err := s.handler.OnUtilizationSample(*req.Utilization); err != nil {
		ResponseError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, s.handler.Status())
}
