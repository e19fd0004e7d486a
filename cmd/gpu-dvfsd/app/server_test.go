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

package app

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koordinator-sh/gpudvfs/pkg/dvfs/config"
	"github.com/koordinator-sh/gpudvfs/pkg/features"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestNewGPUDVFSCommandFlags(t *testing.T) {
	cmd := NewGPUDVFSCommand()
	fs := cmd.Flags()
	for _, name := range []string{"profile", "simulate", "governor", "polling-interval", "feature-gates", "v"} {
		assert.NotNil(t, fs.Lookup(name), name)
	}
	require.NoError(t, fs.Parse([]string{"--simulate", "--profile=exynos5260", "--feature-gates=WakeupLock=true"}))
	assert.Equal(t, "exynos5260", fs.Lookup("profile").Value.String())
}

func TestDaemonServe(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.Simulate = true
	d, err := newDaemon(cfg, features.DefaultDVFSFeatureGate)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	d.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, "stopped", w.Body.String())

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.serve(ctx, listener) }()

	url := "http://" + listener.Addr().String()
	assert.Eventually(t, func() bool {
		resp, err := http.Get(url + "/healthz")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return string(body) == "running"
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Get(url + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "gpu_dvfs")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}
	assert.Equal(t, "stopped", d.comps.Handler.State().String())
}

func TestRunInvalidProfile(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.Profile = "exynos0000"
	assert.Error(t, Run(context.Background(), cfg, features.DefaultDVFSFeatureGate))
}
