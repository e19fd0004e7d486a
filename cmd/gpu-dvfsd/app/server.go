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
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"k8s.io/component-base/featuregate"
	"k8s.io/klog/v2"

	"github.com/koordinator-sh/gpudvfs/pkg/dvfs/config"
	"github.com/koordinator-sh/gpudvfs/pkg/dvfs/server"
	"github.com/koordinator-sh/gpudvfs/pkg/features"
)

const shutdownTimeout = 5 * time.Second

// NewGPUDVFSCommand returns the gpu-dvfsd root command.
func NewGPUDVFSCommand() *cobra.Command {
	cfg := config.NewDefaultConfig()
	cmd := &cobra.Command{
		Use:   "gpu-dvfsd",
		Short: "gpu-dvfsd scales the clock and voltage of a Mali GPU with its load",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return Run(ctx, cfg, features.DefaultDVFSFeatureGate)
		},
		SilenceUsage: true,
	}

	fs := cmd.Flags()
	cfg.InitFlags(fs)
	features.DefaultMutableDVFSFeatureGate.AddFlag(fs)
	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	fs.AddGoFlagSet(klogFlags)
	return cmd
}

type daemon struct {
	comps  *config.Components
	engine *gin.Engine
}

func newDaemon(cfg *config.Config, gate featuregate.FeatureGate) (*daemon, error) {
	profile, err := cfg.LoadProfile()
	if err != nil {
		return nil, err
	}
	comps, err := config.Build(cfg, profile, gate, nil)
	if err != nil {
		return nil, err
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	server.New(comps.Handler, comps.Audit).RegisterEndpoints(engine.Group(server.PathPrefix))
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, comps.Handler.State().String())
	})
	return &daemon{comps: comps, engine: engine}, nil
}

// Run starts the DVFS handler and serves the operator API until ctx is done.
func Run(ctx context.Context, cfg *config.Config, gate featuregate.FeatureGate) error {
	d, err := newDaemon(cfg, gate)
	if err != nil {
		return err
	}
	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddress, err)
	}
	return d.serve(ctx, listener)
}

func (d *daemon) serve(ctx context.Context, listener net.Listener) error {
	h := d.comps.Handler
	if err := h.Init(); err != nil {
		_ = listener.Close()
		return fmt.Errorf("init gpu dvfs: %w", err)
	}
	klog.Infof("gpu-dvfsd serving profile %s on %s", d.comps.Profile.Name, listener.Addr())

	srv := &http.Server{Handler: d.engine}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		klog.Info("gpu-dvfsd shutting down")
	case serveErr = <-errCh:
		klog.Errorf("operator api stopped, err: %v", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return multierr.Combine(serveErr, srv.Shutdown(shutdownCtx), h.Deinit())
}
