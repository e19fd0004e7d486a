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
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	prettytable "github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/koordinator-sh/gpudvfs/pkg/dvfs/audit"
	"github.com/koordinator-sh/gpudvfs/pkg/dvfs/handler"
	"github.com/koordinator-sh/gpudvfs/pkg/dvfs/server"
	"github.com/koordinator-sh/gpudvfs/pkg/dvfs/table"
)

const (
	outputTable = "table"
	outputJSON  = "json"
)

type ctlOptions struct {
	address string
	timeout time.Duration
	output  string
	out     io.Writer
}

func (o *ctlOptions) client() *server.Client {
	return server.NewClient(o.address, o.timeout)
}

func (o *ctlOptions) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), o.timeout)
}

// NewGPUDVFSCtlCommand returns the gpu-dvfsctl root command writing to out.
func NewGPUDVFSCtlCommand(out io.Writer) *cobra.Command {
	o := &ctlOptions{out: out}
	cmd := &cobra.Command{
		Use:          "gpu-dvfsctl",
		Short:        "gpu-dvfsctl inspects and steers a running gpu-dvfsd",
		SilenceUsage: true,
	}
	cmd.SetOut(out)
	cmd.SetErr(out)
	fs := cmd.PersistentFlags()
	fs.StringVar(&o.address, "address", "127.0.0.1:9316", "address of the gpu-dvfsd operator api")
	fs.DurationVar(&o.timeout, "timeout", 5*time.Second, "request timeout")
	fs.StringVarP(&o.output, "output", "o", outputTable, "output format, table or json")

	cmd.AddCommand(
		newStatusCommand(o),
		newTableCommand(o),
		newTransitionsCommand(o),
		newLockCommand(o),
		newClockCommand(o),
		newGovernorCommand(o),
		newEnabledCommand(o, "enable", true),
		newEnabledCommand(o, "disable", false),
	)
	return cmd
}

func (o *ctlOptions) printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(o.out, string(data))
	return err
}

func (o *ctlOptions) newWriter() prettytable.Writer {
	w := prettytable.NewWriter()
	w.SetOutputMirror(o.out)
	w.SetStyle(prettytable.StyleLight)
	return w
}

func (o *ctlOptions) printStatus(st *handler.Status) error {
	if o.output == outputJSON {
		return o.printJSON(st)
	}
	w := o.newWriter()
	w.AppendHeader(prettytable.Row{"Field", "Value"})
	w.AppendRows([]prettytable.Row{
		{"State", st.State},
		{"Enabled", st.Enabled},
		{"Governor", st.Governor},
		{"Power", st.PowerState},
		{"Step", st.Step},
		{"Clock (MHz)", st.Clock},
		{"Voltage (uV)", st.Voltage},
		{"Voltage margin (uV)", st.VoltageMargin},
		{"Utilization (%)", st.Utilization},
		{"Normalized utilization (%)", st.NormalizedUtilization},
		{"Effective lock (MHz)", fmt.Sprintf("[%d, %d]", st.MinLock, st.MaxLock)},
		{"Polling interval (ms)", st.PollingIntervalMillis},
		{"Wakeup lock", st.WakeupLock},
		{"Power estimate", fmt.Sprintf("%.1f", st.PowerEstimate)},
	})
	for _, l := range st.Locks {
		w.AppendRow(prettytable.Row{fmt.Sprintf("Lock %s %s (MHz)", l.Owner, l.Kind), l.Clock})
	}
	w.Render()
	return nil
}

func (o *ctlOptions) printTable(rows []table.Row) error {
	if o.output == outputJSON {
		return o.printJSON(rows)
	}
	w := o.newWriter()
	w.AppendHeader(prettytable.Row{"Step", "Clock (MHz)", "Voltage (uV)", "Thresholds", "Stay",
		"Mem (kHz)", "Int (kHz)", "CPU (kHz)", "Time"})
	for i, r := range rows {
		w.AppendRow(prettytable.Row{i, r.Clock, r.Voltage, fmt.Sprintf("%d-%d", r.MinThreshold, r.MaxThreshold),
			r.StayCount, r.MemFreq, r.IntFreq, fmt.Sprintf("%d-%d", r.CPUMinFreq, r.CPUMaxFreq),
			r.TimeAccumulated.Truncate(time.Millisecond)})
	}
	w.Render()
	return nil
}

func (o *ctlOptions) printTransitions(transitions []audit.Transition) error {
	if o.output == outputJSON {
		return o.printJSON(transitions)
	}
	w := o.newWriter()
	w.AppendHeader(prettytable.Row{"Seq", "Time", "From (MHz)", "To (MHz)", "Voltage (uV)", "Reason"})
	for _, t := range transitions {
		w.AppendRow(prettytable.Row{t.Seq, t.Time.Format(time.RFC3339Nano), t.FromClock, t.ToClock, t.Voltage, t.Reason})
	}
	w.Render()
	return nil
}

func newStatusCommand(o *ctlOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "show the dvfs state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := o.context()
			defer cancel()
			st, err := o.client().Status(ctx)
			if err != nil {
				return err
			}
			return o.printStatus(st)
		},
	}
}

func newTableCommand(o *ctlOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "table",
		Short: "show the operating points and their time in state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := o.context()
			defer cancel()
			rows, err := o.client().Table(ctx)
			if err != nil {
				return err
			}
			return o.printTable(rows)
		},
	}
}

func newTransitionsCommand(o *ctlOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "transitions",
		Short: "show the recent operating point transitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := o.context()
			defer cancel()
			transitions, err := o.client().Transitions(ctx)
			if err != nil {
				return err
			}
			return o.printTransitions(transitions)
		},
	}
}

func parseClock(s string) (int, error) {
	clk, err := strconv.Atoi(s)
	if err != nil || clk < 0 {
		return 0, fmt.Errorf("invalid clock %q", s)
	}
	return clk, nil
}

func newLockCommand(o *ctlOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "lock <max|min> <clock-mhz>",
		Short:   "set the operator min or max clock lock, 0 clears it",
		Example: "  gpu-dvfsctl lock max 420",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			clk, err := parseClock(args[1])
			if err != nil {
				return err
			}
			ctx, cancel := o.context()
			defer cancel()
			st, err := o.client().SetLock(ctx, args[0], clk)
			if err != nil {
				return err
			}
			return o.printStatus(st)
		},
	}
}

func newClockCommand(o *ctlOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clock <clock-mhz>",
		Short: "apply a table clock once, within the active locks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			clk, err := parseClock(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := o.context()
			defer cancel()
			st, err := o.client().SetClock(ctx, clk)
			if err != nil {
				return err
			}
			return o.printStatus(st)
		},
	}
}

func newGovernorCommand(o *ctlOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "governor <name|index>",
		Short: "select the dvfs governor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &server.GovernorRequest{Name: args[0]}
			if index, err := strconv.Atoi(args[0]); err == nil {
				req = &server.GovernorRequest{Index: &index}
			}
			ctx, cancel := o.context()
			defer cancel()
			resp, err := o.client().SetGovernor(ctx, req)
			if err != nil {
				return err
			}
			if o.output == outputJSON {
				return o.printJSON(resp)
			}
			_, err = fmt.Fprintf(o.out, "governor %s\n", resp.Governor)
			return err
		},
	}
}

func newEnabledCommand(o *ctlOptions, use string, enabled bool) *cobra.Command {
	short := "resume utilization driven scaling"
	if !enabled {
		short = "pin the baseline clock and stop scaling"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := o.context()
			defer cancel()
			st, err := o.client().SetEnabled(ctx, enabled)
			if err != nil {
				return err
			}
			return o.printStatus(st)
		},
	}
}
