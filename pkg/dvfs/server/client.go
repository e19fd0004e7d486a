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

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/koordinator-sh/gpudvfs/pkg/dvfs/audit"
	"github.com/koordinator-sh/gpudvfs/pkg/dvfs/handler"
	"github.com/koordinator-sh/gpudvfs/pkg/dvfs/table"
)

const (
	PathPrefix           = "/dvfs"
	defaultClientTimeout = 5 * time.Second
)

// APIError is a non-2xx response of the operator API.
type APIError struct {
	StatusCode int
	ErrorMessage
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%d %s: %s", e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("%d: %s", e.StatusCode, e.Message)
}

// Client calls the operator API of a gpu-dvfsd.
type Client struct {
	base string
	http *http.Client
}

// NewClient returns a client of the daemon at address, e.g. "http://127.0.0.1:9316".
func NewClient(address string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultClientTimeout
	}
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}
	return &Client{
		base: strings.TrimSuffix(address, "/") + PathPrefix,
		http: &http.Client{Timeout: timeout},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr.ErrorMessage); err != nil {
			apiErr.Message = resp.Status
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) Status(ctx context.Context) (*handler.Status, error) {
	st := &handler.Status{}
	return st, c.do(ctx, http.MethodGet, "/status", nil, st)
}

func (c *Client) Table(ctx context.Context) ([]table.Row, error) {
	var rows []table.Row
	if err := c.do(ctx, http.MethodGet, "/table", nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *Client) Transitions(ctx context.Context) ([]audit.Transition, error) {
	var transitions []audit.Transition
	if err := c.do(ctx, http.MethodGet, "/transitions", nil, &transitions); err != nil {
		return nil, err
	}
	return transitions, nil
}

func (c *Client) SetLock(ctx context.Context, kind string, clock int) (*handler.Status, error) {
	st := &handler.Status{}
	return st, c.do(ctx, http.MethodPut, "/lock/"+kind, &LockRequest{Clock: &clock}, st)
}

func (c *Client) SetClock(ctx context.Context, clock int) (*handler.Status, error) {
	st := &handler.Status{}
	return st, c.do(ctx, http.MethodPut, "/clock", &ClockRequest{Clock: &clock}, st)
}

func (c *Client) SetEnabled(ctx context.Context, enabled bool) (*handler.Status, error) {
	st := &handler.Status{}
	return st, c.do(ctx, http.MethodPut, "/enabled", &EnabledRequest{Enabled: &enabled}, st)
}

// SetGovernor selects a governor by the index or the name of req.
func (c *Client) SetGovernor(ctx context.Context, req *GovernorRequest) (*GovernorResponse, error) {
	resp := &GovernorResponse{}
	return resp, c.do(ctx, http.MethodPut, "/governor", req, resp)
}
