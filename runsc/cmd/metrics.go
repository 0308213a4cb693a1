// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/subcommands"
	"gvisor.dev/hpt/pkg/metric"
	"gvisor.dev/hpt/pkg/prometheus"
	"gvisor.dev/hpt/runsc/cmd/util"
)

// exportFlags are the metric export flags shared by the commands that run a
// partition.
type exportFlags struct {
	metrics        bool
	exporterPrefix string
}

func (e *exportFlags) setFlags(f *flag.FlagSet) {
	f.BoolVar(&e.metrics, "metrics", false, "print metric data in Prometheus format after the run.")
	f.StringVar(&e.exporterPrefix, "exporter-prefix", "hpt_", "Prefix for all metric names, following Prometheus exporter convention.")
}

// write writes the metrics to w if they were requested.
func (e *exportFlags) write(w io.Writer, labels map[string]string) error {
	if !e.metrics {
		return nil
	}
	return prometheus.WriteSnapshot(w, prometheus.ExportOptions{
		ExporterPrefix: e.exporterPrefix,
		ExtraLabels:    labels,
	})
}

// Metrics implements subcommands.Command for the "metrics" command.
type Metrics struct{}

// Name implements subcommands.Command.Name.
func (*Metrics) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Metrics) Synopsis() string {
	return "list the metrics exported by the hashed page table"
}

// Usage implements subcommands.Command.Usage.
func (*Metrics) Usage() string {
	return "metrics - prints the name, fields and description of every metric.\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Metrics) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Metrics) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	for _, v := range metric.Snapshot() {
		md := v.Metadata
		fields := make([]string, 0, len(md.Fields))
		for _, field := range md.Fields {
			fields = append(fields, field.Name())
		}
		if _, err := fmt.Fprintf(os.Stdout, "%s{%s}\n    %s\n", md.Name, strings.Join(fields, ","), md.Description); err != nil {
			return util.Errorf("writing metrics: %v", err)
		}
	}
	return subcommands.ExitSuccess
}
