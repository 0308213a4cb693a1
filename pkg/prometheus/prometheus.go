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

// Package prometheus exports metric snapshots in Prometheus data format,
// documented at:
// https://prometheus.io/docs/instrumenting/exposition_formats/
package prometheus

import (
	"fmt"
	"io"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
	"gvisor.dev/hpt/pkg/metric"
)

// ExportOptions contains options that control how metric data is exported
// in Prometheus format.
type ExportOptions struct {
	// ExporterPrefix is prepended to all metric names.
	ExporterPrefix string

	// ExtraLabels is added as labels for all metric values.
	ExtraLabels map[string]string
}

// metricName converts a metric path such as "/hpt/enter" into a Prometheus
// metric name such as "hpt_enter".
func metricName(prefix, name string) string {
	name = strings.TrimPrefix(name, "/")
	name = strings.NewReplacer("/", "_", "-", "_", ".", "_").Replace(name)
	return prefix + name
}

// labels returns the label pairs for a sample.
func labels(md *metric.Metadata, s *metric.Sample, options ExportOptions) []*dto.LabelPair {
	var pairs []*dto.LabelPair
	for i, f := range md.Fields {
		pairs = append(pairs, &dto.LabelPair{
			Name:  proto.String(f.Name()),
			Value: proto.String(s.FieldValues[i]),
		})
	}
	for k, v := range options.ExtraLabels {
		pairs = append(pairs, &dto.LabelPair{
			Name:  proto.String(k),
			Value: proto.String(v),
		})
	}
	return pairs
}

// histogram converts distribution buckets into a cumulative Prometheus
// histogram. Underflow samples are counted in the first bucket.
func histogram(md *metric.Metadata, s *metric.Sample) *dto.Histogram {
	h := &dto.Histogram{}
	var cumulative uint64
	for i, n := range s.Buckets {
		cumulative += n
		if i == 0 {
			// Underflow.
			continue
		}
		if i >= len(md.BucketLowerBounds) {
			// Overflow; reported through SampleCount as the +Inf bucket.
			break
		}
		h.Bucket = append(h.Bucket, &dto.Bucket{
			CumulativeCount: proto.Uint64(cumulative),
			UpperBound:      proto.Float64(float64(md.BucketLowerBounds[i])),
		})
	}
	h.SampleCount = proto.Uint64(cumulative)
	h.SampleSum = proto.Float64(0)
	return h
}

// Family converts a metric value into a Prometheus metric family.
func Family(v *metric.Value, options ExportOptions) *dto.MetricFamily {
	md := v.Metadata
	mf := &dto.MetricFamily{
		Name: proto.String(metricName(options.ExporterPrefix, md.Name)),
	}
	if md.Description != "" {
		mf.Help = proto.String(md.Description)
	}
	switch {
	case md.Type == metric.TypeDistribution:
		mf.Type = dto.MetricType_HISTOGRAM.Enum()
	case md.Cumulative:
		mf.Type = dto.MetricType_COUNTER.Enum()
	default:
		mf.Type = dto.MetricType_GAUGE.Enum()
	}
	for i := range v.Samples {
		s := &v.Samples[i]
		m := &dto.Metric{Label: labels(md, s, options)}
		switch mf.GetType() {
		case dto.MetricType_HISTOGRAM:
			m.Histogram = histogram(md, s)
		case dto.MetricType_COUNTER:
			m.Counter = &dto.Counter{Value: proto.Float64(float64(s.Value))}
		default:
			m.Gauge = &dto.Gauge{Value: proto.Float64(float64(s.Value))}
		}
		mf.Metric = append(mf.Metric, m)
	}
	return mf
}

// Write writes the given metric values to w in Prometheus text format.
func Write(w io.Writer, values []metric.Value, options ExportOptions) error {
	for i := range values {
		if _, err := expfmt.MetricFamilyToText(w, Family(&values[i], options)); err != nil {
			return fmt.Errorf("error writing metric %q: %v", values[i].Metadata.Name, err)
		}
	}
	return nil
}

// WriteSnapshot writes a snapshot of all registered metrics to w.
func WriteSnapshot(w io.Writer, options ExportOptions) error {
	return Write(w, metric.Snapshot(), options)
}
